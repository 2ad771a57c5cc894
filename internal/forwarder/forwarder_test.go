package forwarder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/brume-vpn/brume/internal/binder"
	"github.com/brume-vpn/brume/internal/creds"
	"github.com/brume-vpn/brume/internal/directory"
	"github.com/brume-vpn/brume/internal/governor"
	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/selector"
	"github.com/brume-vpn/brume/internal/sessionmgr"
	"github.com/brume-vpn/brume/internal/transport"
	"github.com/brume-vpn/brume/internal/workers"
)

// memStream is a transport.Stream that records writes.
type memStream struct {
	mu          sync.Mutex
	wrote       bytes.Buffer
	closed      bool
	writeClosed bool
}

func (s *memStream) Read(p []byte) (int, error) { return 0, io.EOF }

func (s *memStream) Write(p []byte) (int, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.wrote.Write(p)
}

func (s *memStream) CloseWrite() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.writeClosed = true
	return nil
}

func (s *memStream) Close() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	s.closed = true
	return nil
}

func (s *memStream) written() []byte {
	defer s.mu.Unlock()
	s.mu.Lock()
	return append([]byte(nil), s.wrote.Bytes()...)
}

// newActiveForwarder builds a forwarder over a fully mocked client
// stack and waits until the session is active.
func newActiveForwarder(t *testing.T, stream transport.Stream,
	govParams governor.Params) *Forwarder {
	t.Helper()
	logger := model.NewTestLogger()
	client := &binder.MockClient{
		MockEpochSigningKey: func(ctx context.Context, tier string, epoch uint64) ([]byte, error) {
			return []byte("key"), nil
		},
		MockAuthenticate: func(ctx context.Context, req *binder.AuthRequest) (*binder.AuthResponse, error) {
			return &binder.AuthResponse{BlindSignature: []byte("sig")}, nil
		},
		MockFetchBridges: func(ctx context.Context, cred *model.Credential) ([]*model.BridgeDescriptor, error) {
			return []*model.BridgeDescriptor{
				{ID: "aa", Protocol: model.ProtocolObfs4, Endpoint: "192.0.2.1:443"},
			}, nil
		},
	}
	store := creds.NewStore(logger, client, &binder.NopBlinder{},
		"ada", "hunter2", []string{"plus"}, nil)
	sel := selector.New(logger, selector.DefaultParams())
	dir := directory.New(logger, client, store, nil, "ada", sel.UpdateDescriptors)
	dialer := &transport.MockDialer{
		MockDialSession: func(ctx context.Context, desc *model.BridgeDescriptor) (transport.Session, error) {
			return &transport.MockSession{
				MockOpenStream: func(ctx context.Context) (transport.Stream, error) {
					return stream, nil
				},
			}, nil
		},
	}
	mgr := sessionmgr.New(logger, dialer, store, sel, dir, sessionmgr.DefaultParams())
	w := workers.NewManager(logger)
	mgr.StartWorkers(w)
	t.Cleanup(func() {
		w.StartShutdown()
		w.WaitWorkersShutdown()
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Status().State == "active" {
			return New(logger, mgr, governor.New(logger, govParams))
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never became active")
	return nil
}

func TestDialContext(t *testing.T) {
	t.Run("writes the target header", func(t *testing.T) {
		stream := &memStream{}
		fwd := newActiveForwarder(t, stream, governor.DefaultParams())
		conn, err := fwd.DialContext(context.Background(), "tcp", "example.com:443")
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		want := append([]byte{0x00, 0x0f}, []byte("example.com:443")...)
		if got := stream.written(); !bytes.Equal(got, want) {
			t.Fatalf("header = %x, want %x", got, want)
		}
	})

	t.Run("payload follows the header", func(t *testing.T) {
		stream := &memStream{}
		fwd := newActiveForwarder(t, stream, governor.DefaultParams())
		conn, err := fwd.DialContext(context.Background(), "tcp", "a:1")
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("GET /")); err != nil {
			t.Fatal(err)
		}
		got := stream.written()
		if !bytes.HasSuffix(got, []byte("GET /")) {
			t.Fatalf("stream content = %x", got)
		}
	})

	t.Run("fails without an active session", func(t *testing.T) {
		logger := model.NewTestLogger()
		store := creds.NewStore(logger, &binder.MockClient{}, &binder.NopBlinder{},
			"ada", "hunter2", []string{"plus"}, nil)
		sel := selector.New(logger, selector.DefaultParams())
		dir := directory.New(logger, &binder.MockClient{}, store, nil, "ada", nil)
		mgr := sessionmgr.New(logger, &transport.MockDialer{}, store, sel, dir,
			sessionmgr.DefaultParams())
		fwd := New(logger, mgr, governor.New(logger, governor.DefaultParams()))

		_, err := fwd.DialContext(context.Background(), "tcp", "example.com:443")
		if !errors.Is(err, model.ErrNotActive) {
			t.Fatalf("got %v, want %v", err, model.ErrNotActive)
		}
	})

	t.Run("governor overload rejects the dial", func(t *testing.T) {
		stream := &memStream{}
		fwd := newActiveForwarder(t, stream, governor.Params{
			StreamsPerSecond: 0.001,
			StreamBurst:      1,
			MaxWait:          time.Millisecond,
		})
		if _, err := fwd.DialContext(context.Background(), "tcp", "a:1"); err != nil {
			t.Fatal(err)
		}
		_, err := fwd.DialContext(context.Background(), "tcp", "a:1")
		if !errors.Is(err, governor.ErrOverloaded) {
			t.Fatalf("got %v, want %v", err, governor.ErrOverloaded)
		}
	})

	t.Run("oversized target is refused", func(t *testing.T) {
		stream := &memStream{}
		fwd := newActiveForwarder(t, stream, governor.DefaultParams())
		long := make([]byte, maxTargetAddr+1)
		for i := range long {
			long[i] = 'a'
		}
		if _, err := fwd.DialContext(context.Background(), "tcp", string(long)); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestRelay(t *testing.T) {
	clientConn, localConn := net.Pipe()
	remoteConn, serverConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- Relay(context.Background(), localConn, remoteConn) }()

	// client to server
	go clientConn.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(serverConn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}

	// server to client
	go serverConn.Write([]byte("pong"))
	if _, err := io.ReadFull(clientConn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q", buf)
	}

	// closing the client ends both pumps
	clientConn.Close()
	serverConn.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}
}
