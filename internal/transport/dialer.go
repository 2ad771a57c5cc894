package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/brume-vpn/brume/internal/model"
)

// dialTimeout eventually interrupts a stuck connect.
const dialTimeout = 15 * time.Second

// NetDialer is the production [Dialer]: it dials the bridge endpoint
// with the obfuscation scheme named by the descriptor and layers the
// stream multiplexer on top. The zero value is invalid; use
// [NewNetDialer].
type NetDialer struct {
	// logger is the logger to use.
	logger model.Logger

	// underlying dials raw TCP connections.
	underlying model.Dialer
}

var _ Dialer = &NetDialer{}

// NewNetDialer creates a [NetDialer]. When frontProxy is not empty,
// bridges are dialed through that upstream SOCKS5 proxy, which helps
// where direct connections to unknown addresses stand out.
func NewNetDialer(logger model.Logger, frontProxy string) (*NetDialer, error) {
	var underlying model.Dialer = &net.Dialer{Timeout: dialTimeout}
	if frontProxy != "" {
		front, err := proxy.SOCKS5("tcp", frontProxy, nil, proxy.Direct)
		if err != nil {
			return nil, err
		}
		underlying = &proxyDialerAdapter{front}
	}
	return &NetDialer{logger: logger, underlying: underlying}, nil
}

// NewNetDialerWithUnderlying creates a [NetDialer] using the given raw
// dialer, for tests.
func NewNetDialerWithUnderlying(logger model.Logger, underlying model.Dialer) *NetDialer {
	return &NetDialer{logger: logger, underlying: underlying}
}

// DialSession implements Dialer.
func (d *NetDialer) DialSession(ctx context.Context, desc *model.BridgeDescriptor) (Session, error) {
	var (
		conn net.Conn
		err  error
	)
	switch desc.Protocol {
	case model.ProtocolObfs4:
		conn, err = dialObfs4(ctx, d.underlying, desc)
	case model.ProtocolWSS:
		conn, err = dialWSS(ctx, d.underlying, desc)
	case model.ProtocolCamo:
		conn, err = dialCamo(ctx, d.underlying, desc)
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", model.ErrTransport, desc.Protocol)
	}
	if err != nil {
		d.logger.Warnf("transport: dial %s: %s", desc, err.Error())
		return nil, fmt.Errorf("%w: %s", model.ErrTransport, err.Error())
	}
	d.logger.Debugf("transport: connected to %s", desc)
	return NewMuxSession(d.logger, newCloseOnceConn(conn)), nil
}

// proxyDialerAdapter adapts a [proxy.Dialer] to [model.Dialer].
type proxyDialerAdapter struct {
	dialer proxy.Dialer
}

var _ model.Dialer = &proxyDialerAdapter{}

// DialContext implements model.Dialer.
func (a *proxyDialerAdapter) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if cd, ok := a.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, address)
	}
	return a.dialer.Dial(network, address)
}
