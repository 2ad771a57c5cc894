// Package tunio implements the optional full-device mode: a TUN
// interface whose packets ride a dedicated session stream, so every
// application on the host is tunneled without speaking SOCKS5. The
// packet leg survives session reconnects by re-acquiring its stream.
package tunio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/Doridian/water"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jackpal/gateway"

	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/workers"
)

var serviceName = "tunio"

const (
	// tunTarget is the pseudo address asking the bridge for the raw
	// packet leg instead of a TCP connection.
	tunTarget = "@packets"

	// defaultMTU keeps tunneled packets under the obfuscated frame
	// payload limit with room for the frame header.
	defaultMTU = 1420

	// maxPacket bounds one length-prefixed packet on the stream.
	maxPacket = 2048

	// redialDelay paces stream re-acquisition when the session is down.
	redialDelay = time.Second
)

// DeviceOptions configure the TUN device and its addressing.
type DeviceOptions struct {
	// Name is the requested interface name, empty for the OS default.
	Name string

	// LocalAddr is the address assigned to the interface.
	LocalAddr string

	// GatewayAddr is the remote side of the point-to-point link.
	GatewayAddr string

	// NetMask is the network mask in dotted form.
	NetMask string

	// MTU overrides the default interface MTU when positive.
	MTU int

	// Bypass lists IPs routed around the tunnel, typically the bridge
	// endpoints so the obfuscated connection never loops into itself.
	Bypass []string
}

// Device is the TUN ingress. The zero value is invalid; use [New].
type Device struct {
	logger  model.Logger
	dialer  model.Dialer
	options DeviceOptions
	iface   *water.Interface
}

// New creates a [Device]. Call [Device.Up] before starting workers.
func New(logger model.Logger, dialer model.Dialer, options DeviceOptions) *Device {
	return &Device{
		logger:  logger,
		dialer:  dialer,
		options: options,
	}
}

func (d *Device) runCmd(binaryPath string, args ...string) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		d.logger.Warnf("%s: %s %v: %s", serviceName, binaryPath, args, err.Error())
	}
}

func (d *Device) runIP(args ...string) {
	d.runCmd("/sbin/ip", args...)
}

func (d *Device) runRoute(args ...string) {
	d.runCmd("/sbin/route", args...)
}

// Up opens the TUN interface, assigns its addresses, routes the bypass
// IPs around the tunnel, and makes the tunnel the default route.
func (d *Device) Up() error {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = d.options.Name
	iface, err := water.New(cfg)
	if err != nil {
		return fmt.Errorf("cannot open tun interface: %w", err)
	}
	d.iface = iface
	mtu := d.options.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}
	iface.SetMTU(mtu)

	// the bypass routes go via the pre-existing default gateway
	defaultGatewayIP, err := gateway.DiscoverGateway()
	if err != nil {
		d.logger.Warnf("%s: could not discover default gateway IP, routes might be broken", serviceName)
	}
	defaultInterfaceIP, err := gateway.DiscoverInterface()
	if err != nil {
		d.logger.Warnf("%s: could not discover default route interface IP, routes might be broken", serviceName)
	}
	defaultInterface, err := getInterfaceByIP(defaultInterfaceIP.String())
	if err != nil {
		d.logger.Warnf("%s: could not get default route interface, routes might be broken", serviceName)
	}
	if defaultGatewayIP != nil && defaultInterface != nil {
		for _, ip := range d.options.Bypass {
			d.logger.Infof("%s: route add %s gw %v dev %s",
				serviceName, ip, defaultGatewayIP, defaultInterface.Name)
			d.runRoute("add", ip, "gw", defaultGatewayIP.String(), defaultInterface.Name)
		}
	}

	netMask := net.IPMask(net.ParseIP(d.options.NetMask).To4())
	network := &net.IPNet{
		IP:   net.ParseIP(d.options.LocalAddr).Mask(netMask),
		Mask: netMask,
	}

	d.runIP("addr", "add", d.options.LocalAddr, "dev", iface.Name())
	d.runIP("link", "set", "dev", iface.Name(), "up")
	d.runRoute("add", d.options.GatewayAddr, "gw", d.options.LocalAddr)
	d.runRoute("add", "-net", network.String(), "dev", iface.Name())
	d.runIP("route", "add", "default", "via", d.options.GatewayAddr, "dev", iface.Name())
	d.logger.Infof("%s: %s up with MTU %d", serviceName, iface.Name(), mtu)
	return nil
}

// getInterfaceByIP returns the network interface owning the given IP.
func getInterfaceByIP(ipAddr string) (*net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			if ip, _, err := net.ParseCIDR(addr.String()); err == nil && ip.String() == ipAddr {
				return &iface, nil
			}
		}
	}
	return nil, fmt.Errorf("no interface with IP %s", ipAddr)
}

// Down closes the TUN interface.
func (d *Device) Down() error {
	if d.iface == nil {
		return nil
	}
	return d.iface.Close()
}

// allowPacket decides whether a packet read from the device enters the
// tunnel. Only plain IPv4 and IPv6 packets pass; anything the decoder
// rejects is dropped on the floor.
func allowPacket(pkt []byte) bool {
	if len(pkt) == 0 {
		return false
	}
	switch pkt[0] >> 4 {
	case 4:
		decoded := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Lazy)
		return decoded.ErrorLayer() == nil
	case 6:
		decoded := gopacket.NewPacket(pkt, layers.LayerTypeIPv6, gopacket.Lazy)
		return decoded.ErrorLayer() == nil
	default:
		return false
	}
}

// writePacket sends one length-prefixed packet on the stream.
func writePacket(w io.Writer, pkt []byte) error {
	if len(pkt) > maxPacket {
		return fmt.Errorf("packet of %d bytes exceeds limit", len(pkt))
	}
	buf := make([]byte, 2+len(pkt))
	binary.BigEndian.PutUint16(buf, uint16(len(pkt)))
	copy(buf[2:], pkt)
	_, err := w.Write(buf)
	return err
}

// readPacket reads one length-prefixed packet from the stream.
func readPacket(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(header[:])
	if length > maxPacket {
		return nil, fmt.Errorf("packet of %d bytes exceeds limit", length)
	}
	pkt := make([]byte, length)
	if _, err := io.ReadFull(r, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

// StartWorkers starts the packet pump. The pump re-acquires its stream
// whenever the session reconnects underneath it.
func (d *Device) StartWorkers(w *workers.Manager) {
	w.StartWorker(func() {
		workerName := fmt.Sprintf("%s: packetWorker", serviceName)
		defer w.OnWorkerDone(workerName)
		for {
			select {
			case <-w.ShouldShutdown():
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			stream, err := d.dialer.DialContext(ctx, "tcp", tunTarget)
			cancel()
			if err != nil {
				d.logger.Debugf("%s: no packet stream yet: %s", workerName, err.Error())
				select {
				case <-time.After(redialDelay):
				case <-w.ShouldShutdown():
					return
				}
				continue
			}
			d.logger.Infof("%s: packet stream established", serviceName)
			d.pump(w, stream)
			stream.Close()
		}
	})
}

// pump moves packets between the device and the stream until either
// side fails or we shut down.
func (d *Device) pump(w *workers.Manager, stream net.Conn) {
	done := make(chan any, 2)

	go func() {
		defer func() { done <- true }()
		buf := make([]byte, maxPacket)
		for {
			n, err := d.iface.Read(buf)
			if err != nil {
				d.logger.Warnf("%s: device read: %s", serviceName, err.Error())
				return
			}
			if !allowPacket(buf[:n]) {
				continue
			}
			if err := writePacket(stream, buf[:n]); err != nil {
				d.logger.Debugf("%s: stream write: %s", serviceName, err.Error())
				return
			}
		}
	}()
	go func() {
		defer func() { done <- true }()
		for {
			pkt, err := readPacket(stream)
			if err != nil {
				d.logger.Debugf("%s: stream read: %s", serviceName, err.Error())
				return
			}
			if _, err := d.iface.Write(pkt); err != nil {
				d.logger.Warnf("%s: device write: %s", serviceName, err.Error())
				return
			}
		}
	}()

	select {
	case <-done:
	case <-w.ShouldShutdown():
	}
}
