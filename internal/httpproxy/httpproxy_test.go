package httpproxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/workers"
)

// pipeDialer hands out the client half of an in-memory echo.
type pipeDialer struct{}

func (pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		io.Copy(server, server)
	}()
	return client, nil
}

func TestConnectTunnel(t *testing.T) {
	p := New(model.NewTestLogger(), "127.0.0.1:0", pipeDialer{})
	w := workers.NewManager(model.NewTestLogger())
	if err := p.StartWorkers(w); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		w.StartShutdown()
		w.WaitWorkersShutdown()
	})

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req, err := http.NewRequest(http.MethodConnect, "//example.com:443", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "example.com:443"
	if err := req.Write(conn); err != nil {
		t.Fatal(err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT answered %d", resp.StatusCode)
	}

	// after the 200 the connection is a raw tunnel to the echo
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q", got)
	}
}
