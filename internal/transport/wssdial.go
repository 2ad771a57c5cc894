package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brume-vpn/brume/internal/model"
)

// dialWSS tunnels the session inside a websocket connection. The
// cookie may carry "path" (request path, default "/") and "host" (the
// Host header and SNI, useful when fronting through a CDN).
func dialWSS(ctx context.Context, ud model.Dialer, desc *model.BridgeDescriptor) (net.Conn, error) {
	values, err := url.ParseQuery(desc.Cookie)
	if err != nil {
		return nil, fmt.Errorf("wss: bad cookie: %w", err)
	}
	path := values.Get("path")
	if path == "" {
		path = "/"
	}

	wsd := &websocket.Dialer{
		NetDialContext:   ud.DialContext,
		HandshakeTimeout: dialTimeout,
	}
	u := url.URL{Scheme: "wss", Host: desc.Endpoint, Path: path}
	header := http.Header{}
	if host := values.Get("host"); host != "" {
		header.Set("Host", host)
	}
	wsconn, _, err := wsd.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("wss: %w", err)
	}
	return &wsConn{ws: wsconn}, nil
}

// wsConn adapts a websocket connection to [net.Conn]: every Write is
// one binary message and Reads drain messages in order.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

var _ net.Conn = &wsConn{}

// Read implements net.Conn.
func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			// message drained, move to the next one
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write implements net.Conn.
func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close implements net.Conn.
func (c *wsConn) Close() error {
	return c.ws.Close()
}

// LocalAddr implements net.Conn.
func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
