package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/brume-vpn/brume/internal/model"
)

// fakeBridge speaks the session frame protocol from the bridge side of
// a [net.Pipe], collecting incoming frames on a channel.
type fakeBridge struct {
	conn   net.Conn
	frames chan *frame
}

func newFakeBridge(conn net.Conn) *fakeBridge {
	fb := &fakeBridge{
		conn:   conn,
		frames: make(chan *frame, 64),
	}
	go func() {
		for {
			f, err := readFrame(conn)
			if err != nil {
				close(fb.frames)
				return
			}
			fb.frames <- f
		}
	}()
	return fb
}

func (fb *fakeBridge) write(ftype uint8, stream uint32, payload []byte) {
	buf, err := appendFrame(nil, ftype, stream, payload)
	if err != nil {
		panic(err)
	}
	_, _ = fb.conn.Write(buf)
}

func newSessionPair() (Session, *fakeBridge) {
	client, server := net.Pipe()
	return NewMuxSession(model.NewTestLogger(), client), newFakeBridge(server)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAuthenticate(t *testing.T) {
	cred := &model.Credential{Tier: "plus", Epoch: 1}

	t.Run("success", func(t *testing.T) {
		sess, fb := newSessionPair()
		defer sess.Close()
		go func() {
			f := <-fb.frames
			if f.ftype == frameAUTH {
				fb.write(frameAUTHOK, 0, nil)
			}
		}()
		if err := sess.Authenticate(testContext(t), cred); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("credential refused is fatal", func(t *testing.T) {
		sess, fb := newSessionPair()
		defer sess.Close()
		go func() {
			<-fb.frames
			fb.write(frameAUTHERR, 0, []byte{authCodeRejected})
		}()
		err := sess.Authenticate(testContext(t), cred)
		if !errors.Is(err, model.ErrAuthRejected) {
			t.Fatalf("got %v, want %v", err, model.ErrAuthRejected)
		}
	})

	t.Run("other auth failures are transient", func(t *testing.T) {
		sess, fb := newSessionPair()
		defer sess.Close()
		go func() {
			<-fb.frames
			fb.write(frameAUTHERR, 0, []byte{0xff})
		}()
		err := sess.Authenticate(testContext(t), cred)
		if !errors.Is(err, model.ErrTransport) {
			t.Fatalf("got %v, want %v", err, model.ErrTransport)
		}
	})
}

func TestStreamEcho(t *testing.T) {
	sess, fb := newSessionPair()
	defer sess.Close()

	// echo every data frame back on the same stream
	go func() {
		for f := range fb.frames {
			if f.ftype == frameData {
				fb.write(frameData, f.stream, f.payload)
			}
		}
	}()

	st, err := sess.OpenStream(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("through the looking glass")
	if _, err := st.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(st, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(msg) {
		t.Fatalf("got %q, want %q", got, msg)
	}
}

func TestHalfCloseIndependence(t *testing.T) {
	sess, fb := newSessionPair()
	defer sess.Close()

	finSeen := make(chan any, 1)
	go func() {
		for f := range fb.frames {
			if f.ftype == frameFIN {
				finSeen <- true
			}
		}
	}()

	st, err := sess.OpenStream(testContext(t))
	if err != nil {
		t.Fatal(err)
	}

	// close the local write direction and verify the peer saw it
	if err := st.CloseWrite(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-finSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not observe FIN")
	}

	// the remote-to-local direction must keep working
	fb.write(frameData, 1, []byte("still here"))
	got := make([]byte, 10)
	if _, err := io.ReadFull(st, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "still here" {
		t.Fatalf("got %q", got)
	}

	// writes on the half-closed direction must fail
	if _, err := st.Write([]byte("nope")); !errors.Is(err, model.ErrStreamReset) {
		t.Fatalf("got %v, want %v", err, model.ErrStreamReset)
	}

	// once the peer closes too, reads reach EOF
	fb.write(frameFIN, 1, nil)
	if _, err := st.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("got %v, want EOF", err)
	}
}

func TestStreamReset(t *testing.T) {
	sess, fb := newSessionPair()
	defer sess.Close()

	go func() {
		for range fb.frames {
			// swallow SYN
		}
	}()

	st, err := sess.OpenStream(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	fb.write(frameRST, 1, nil)
	if _, err := st.Read(make([]byte, 1)); !errors.Is(err, model.ErrStreamReset) {
		t.Fatalf("got %v, want %v", err, model.ErrStreamReset)
	}
}

func TestKeepalive(t *testing.T) {
	t.Run("pong answers ping", func(t *testing.T) {
		sess, fb := newSessionPair()
		defer sess.Close()
		go func() {
			for f := range fb.frames {
				if f.ftype == framePING {
					fb.write(framePONG, 0, nil)
				}
			}
		}()
		if err := sess.Keepalive(testContext(t)); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("missing pong is a transport error", func(t *testing.T) {
		sess, fb := newSessionPair()
		defer sess.Close()
		go func() {
			for range fb.frames {
				// never answer
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := sess.Keepalive(ctx); !errors.Is(err, model.ErrTransport) {
			t.Fatalf("got %v, want %v", err, model.ErrTransport)
		}
	})
}

func TestConnectionLossResetsStreams(t *testing.T) {
	sess, fb := newSessionPair()
	defer sess.Close()

	go func() {
		for range fb.frames {
			// swallow SYN
		}
	}()

	st, err := sess.OpenStream(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	fb.conn.Close()

	if _, err := st.Read(make([]byte, 1)); !errors.Is(err, model.ErrTransport) {
		t.Fatalf("read: got %v, want %v", err, model.ErrTransport)
	}
	if _, err := sess.OpenStream(testContext(t)); err == nil {
		t.Fatal("expected OpenStream on a dead session to fail")
	}
}
