// Package forwarder turns logical session streams into net.Conn
// values the local ingresses can hand traffic to. Every forwarded
// connection is admitted by the governor, bound to one session
// generation, and relayed with independent half-close per direction.
package forwarder

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/brume-vpn/brume/internal/governor"
	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/sessionmgr"
	"github.com/brume-vpn/brume/internal/transport"
)

// maxTargetAddr bounds the length-prefixed target address header.
const maxTargetAddr = 512

var serviceName = "forwarder"

// Forwarder opens governed, generation-bound streams. The zero value
// is invalid; use [New]. Forwarder implements [model.Dialer], so the
// SOCKS5 and HTTP ingresses use it as a drop-in dialer.
type Forwarder struct {
	logger model.Logger
	mgr    *sessionmgr.Manager
	gov    *governor.Governor
}

var _ model.Dialer = &Forwarder{}

// New creates a [Forwarder].
func New(logger model.Logger, mgr *sessionmgr.Manager, gov *governor.Governor) *Forwarder {
	return &Forwarder{
		logger: logger,
		mgr:    mgr,
		gov:    gov,
	}
}

// DialContext opens a stream to the given target through the current
// session. The network argument is accepted for interface
// compatibility; only tcp targets are carried.
//
// It fails with [model.ErrNotActive] when there is no usable session
// and with [governor.ErrOverloaded] when admission would stall too
// long.
func (f *Forwarder) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := f.gov.PermitNewStream(ctx); err != nil {
		return nil, err
	}
	handle, err := f.mgr.Acquire()
	if err != nil {
		return nil, err
	}
	stream, err := handle.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeTarget(stream, address); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: %s", model.ErrTransport, err.Error())
	}
	traceID := uuid.NewString()
	f.logger.Debugf("%s: %s: open gen=%d target=%s",
		serviceName, traceID, handle.Generation, address)
	return &streamConn{
		stream:  stream,
		fwd:     f,
		traceID: traceID,
		target:  address,
	}, nil
}

// writeTarget sends the length-prefixed target address the bridge uses
// to open the remote leg.
func writeTarget(stream transport.Stream, address string) error {
	if len(address) == 0 || len(address) > maxTargetAddr {
		return fmt.Errorf("invalid target address length %d", len(address))
	}
	header := make([]byte, 2+len(address))
	binary.BigEndian.PutUint16(header, uint16(len(address)))
	copy(header[2:], address)
	_, err := stream.Write(header)
	return err
}

// streamConn adapts a session stream to net.Conn.
type streamConn struct {
	stream  transport.Stream
	fwd     *Forwarder
	traceID string
	target  string
}

var _ net.Conn = &streamConn{}

// Read implements net.Conn.
func (c *streamConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

// Write implements net.Conn. Writes honor the governor's byte pacing.
func (c *streamConn) Write(p []byte) (int, error) {
	if delay := c.fwd.gov.PermitBytes(len(p)); delay > 0 {
		time.Sleep(delay)
	}
	return c.stream.Write(p)
}

// Close implements net.Conn.
func (c *streamConn) Close() error {
	c.fwd.logger.Debugf("%s: %s: close target=%s", serviceName, c.traceID, c.target)
	return c.stream.Close()
}

// CloseWrite half-closes the write direction, so peers relying on
// FIN-signalled end-of-request keep working through the tunnel.
func (c *streamConn) CloseWrite() error {
	return c.stream.CloseWrite()
}

// streamAddr is the placeholder address of a tunneled connection.
type streamAddr struct{ target string }

func (a streamAddr) Network() string { return "brume" }
func (a streamAddr) String() string  { return a.target }

// LocalAddr implements net.Conn.
func (c *streamConn) LocalAddr() net.Addr { return streamAddr{target: "session"} }

// RemoteAddr implements net.Conn.
func (c *streamConn) RemoteAddr() net.Addr { return streamAddr{target: c.target} }

// SetDeadline implements net.Conn. Stream deadlines are not supported;
// callers bound operations with contexts instead.
func (c *streamConn) SetDeadline(t time.Time) error { return nil }

// SetReadDeadline implements net.Conn.
func (c *streamConn) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline implements net.Conn.
func (c *streamConn) SetWriteDeadline(t time.Time) error { return nil }

// halfCloser is the subset of net.Conn implemented by connections that
// can close their write direction alone, such as *net.TCPConn and
// [streamConn].
type halfCloser interface {
	CloseWrite() error
}

// Relay pumps bytes between a local connection and a tunneled one
// until both directions finish. Each direction propagates its
// end-of-stream independently: when one side stops sending, the other
// still drains in-flight data.
func Relay(ctx context.Context, local, remote net.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(local, remote) })
	g.Go(func() error { return pump(remote, local) })
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		local.Close()
		remote.Close()
		<-done
		return ctx.Err()
	}
}

// pump copies src to dst and signals end-of-stream, via half-close
// when dst supports it.
func pump(dst, src net.Conn) error {
	_, err := io.Copy(dst, src)
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	} else {
		dst.Close()
	}
	return err
}

// ServeConn forwards one accepted local connection to a fixed target
// through the tunnel. The plain TCP port-forward ingress uses it.
func (f *Forwarder) ServeConn(ctx context.Context, local net.Conn, target string) {
	defer local.Close()
	remote, err := f.DialContext(ctx, "tcp", target)
	if err != nil {
		f.logger.Warnf("%s: cannot reach %s: %s", serviceName, target, err.Error())
		return
	}
	defer remote.Close()
	if err := Relay(ctx, local, remote); err != nil && ctx.Err() == nil {
		f.logger.Debugf("%s: relay to %s: %s", serviceName, target, err.Error())
	}
}
