package socksproxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	xproxy "golang.org/x/net/proxy"

	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/workers"
)

// echoServer accepts one connection at a time and echoes it.
func echoServer(t *testing.T) net.Addr {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return listener.Addr()
}

// recordingDialer forwards every dial to a fixed backend and records
// the addresses it was asked for.
type recordingDialer struct {
	backend net.Addr

	mu    sync.Mutex
	asked []string
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.asked = append(d.asked, address)
	d.mu.Unlock()
	return net.Dial("tcp", d.backend.String())
}

func (d *recordingDialer) lastAsked() string {
	defer d.mu.Unlock()
	d.mu.Lock()
	if len(d.asked) == 0 {
		return ""
	}
	return d.asked[len(d.asked)-1]
}

func TestProxyEndToEnd(t *testing.T) {
	dialer := &recordingDialer{backend: echoServer(t)}
	p := New(model.NewTestLogger(), "127.0.0.1:0", dialer)
	w := workers.NewManager(model.NewTestLogger())
	if err := p.StartWorkers(w); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		w.StartShutdown()
		w.WaitWorkersShutdown()
	})

	client, err := xproxy.SOCKS5("tcp", p.Addr().String(), nil, xproxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := client.Dial("tcp", "example.com:80")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}

	// the hostname must reach the dialer unresolved
	if asked := dialer.lastAsked(); asked != "example.com:80" {
		t.Fatalf("dialer asked for %q, want example.com:80", asked)
	}
}

func TestStartWorkersBadAddr(t *testing.T) {
	p := New(model.NewTestLogger(), "256.0.0.1:bad", &recordingDialer{})
	w := workers.NewManager(model.NewTestLogger())
	if err := p.StartWorkers(w); err == nil {
		t.Fatal("expected an error")
	}
}
