package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"

	pt "git.torproject.org/pluggable-transports/goptlib.git"
	"gitlab.com/yawning/obfs4.git/transports/obfs4"

	"github.com/brume-vpn/brume/internal/model"
)

// dialObfs4 establishes an obfs4 connection with the bridge. The
// descriptor cookie carries the cert and iat-mode parameters in URL
// query form, as produced by obfs4proxy.
func dialObfs4(ctx context.Context, ud model.Dialer, desc *model.BridgeDescriptor) (net.Conn, error) {
	values, err := url.ParseQuery(desc.Cookie)
	if err != nil {
		return nil, fmt.Errorf("obfs4: bad cookie: %w", err)
	}

	t := new(obfs4.Transport)
	// client side only; the factory state dir is unused for clients
	cf, err := t.ClientFactory("")
	if err != nil {
		return nil, fmt.Errorf("obfs4: client factory: %w", err)
	}
	ptArgs := pt.Args(values)
	cargs, err := cf.ParseArgs(&ptArgs)
	if err != nil {
		return nil, fmt.Errorf("obfs4: parse args: %w", err)
	}

	// run the dial in a background goroutine so the context can
	// interrupt it midway
	connch, errch := make(chan net.Conn), make(chan error, 1)
	go func() {
		conn, err := cf.Dial("tcp", desc.Endpoint, func(network, address string) (net.Conn, error) {
			return ud.DialContext(ctx, network, address)
		}, cargs)
		if err != nil {
			errch <- err // buffered channel
			return
		}
		select {
		case connch <- conn:
		default:
			conn.Close() // context won the race
		}
	}()
	select {
	case err := <-errch:
		return nil, err
	case conn := <-connch:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
