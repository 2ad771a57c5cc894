// Package socksproxy exposes the tunnel to local applications as a
// SOCKS5 proxy. Target names are carried to the bridge unresolved, so
// the local resolver never sees them.
package socksproxy

import (
	"context"
	"fmt"
	"net"

	socks5 "github.com/armon/go-socks5"

	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/workers"
)

var serviceName = "socksproxy"

// Proxy is the local SOCKS5 ingress. The zero value is invalid; use
// [New].
type Proxy struct {
	logger   model.Logger
	addr     string
	dialer   model.Dialer
	listener net.Listener
}

// New creates a [Proxy] listening on addr and forwarding through the
// given dialer.
func New(logger model.Logger, addr string, dialer model.Dialer) *Proxy {
	return &Proxy{
		logger: logger,
		addr:   addr,
		dialer: dialer,
	}
}

// remoteResolver leaves names unresolved so they travel through the
// tunnel and resolve on the bridge side.
type remoteResolver struct{}

// Resolve implements socks5.NameResolver.
func (remoteResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

// Addr returns the bound listener address, nil before StartWorkers.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// StartWorkers binds the listener and starts the accept loop.
func (p *Proxy) StartWorkers(w *workers.Manager) error {
	server, err := socks5.New(&socks5.Config{
		Dial:     p.dialer.DialContext,
		Resolver: remoteResolver{},
	})
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return err
	}
	p.listener = listener
	p.logger.Infof("%s: listening on %s", serviceName, listener.Addr())

	w.StartWorker(func() {
		workerName := fmt.Sprintf("%s: serveWorker", serviceName)
		defer w.OnWorkerDone(workerName)
		if err := server.Serve(listener); err != nil {
			p.logger.Debugf("%s: %s", workerName, err.Error())
		}
	})
	w.StartWorker(func() {
		workerName := fmt.Sprintf("%s: shutdownWorker", serviceName)
		defer w.OnWorkerDone(workerName)
		<-w.ShouldShutdown()
		listener.Close()
	})
	return nil
}
