// Package httpproxy exposes the tunnel as a local HTTP proxy, for
// applications that speak CONNECT rather than SOCKS5.
package httpproxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/martian"

	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/workers"
)

var serviceName = "httpproxy"

// dialTimeout bounds one tunneled dial started by the proxy.
const dialTimeout = 30 * time.Second

// Proxy is the local HTTP ingress. The zero value is invalid; use
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

// Addr returns the bound listener address, nil before StartWorkers.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// StartWorkers binds the listener and starts the proxy.
func (p *Proxy) StartWorkers(w *workers.Manager) error {
	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return err
	}
	p.listener = listener

	proxy := martian.NewProxy()
	proxy.SetDial(func(network, addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return p.dialer.DialContext(ctx, network, addr)
	})
	p.logger.Infof("%s: listening on %s", serviceName, listener.Addr())

	w.StartWorker(func() {
		workerName := fmt.Sprintf("%s: serveWorker", serviceName)
		defer w.OnWorkerDone(workerName)
		if err := proxy.Serve(listener); err != nil {
			p.logger.Debugf("%s: %s", workerName, err.Error())
		}
	})
	w.StartWorker(func() {
		workerName := fmt.Sprintf("%s: shutdownWorker", serviceName)
		defer w.OnWorkerDone(workerName)
		<-w.ShouldShutdown()
		proxy.Close()
		listener.Close()
	})
	return nil
}
