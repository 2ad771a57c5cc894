package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/brume-vpn/brume/internal/model"
)

// maxStreamBuffer bounds the per-stream receive buffer. A peer pushing
// past this without the application draining gets the stream reset.
const maxStreamBuffer = 1 << 20

// authCodeRejected is the AUTHERR code meaning the credential itself
// was refused; any other code is treated as transient.
const authCodeRejected = uint8(1)

// muxSession multiplexes logical streams over a single obfuscated
// connection. It implements [Session].
type muxSession struct {
	logger model.Logger
	conn   net.Conn

	// writeMu serializes whole frames onto the connection.
	writeMu sync.Mutex

	// mu protects the fields below.
	mu         sync.Mutex
	streams    map[uint32]*muxStream
	nextStream uint32
	closeErr   error

	// pongCh and authCh receive control-frame results from readLoop.
	pongCh chan any
	authCh chan error

	// closed is closed exactly once on teardown.
	closed       chan any
	teardownOnce sync.Once
}

var _ Session = &muxSession{}

// NewMuxSession wraps an established obfuscated connection into a
// [Session]. It TAKES OWNERSHIP of the conn and starts reading from it
// immediately.
func NewMuxSession(logger model.Logger, conn net.Conn) Session {
	s := &muxSession{
		logger:     logger,
		conn:       conn,
		streams:    make(map[uint32]*muxStream),
		nextStream: 1,
		pongCh:     make(chan any, 1),
		authCh:     make(chan error, 1),
		closed:     make(chan any),
	}
	go s.readLoop()
	return s
}

// readLoop dispatches incoming frames until the connection dies.
func (s *muxSession) readLoop() {
	for {
		f, err := readFrame(s.conn)
		if err != nil {
			s.teardown(fmt.Errorf("%w: %s", model.ErrTransport, err.Error()))
			return
		}
		switch f.ftype {
		case frameData:
			if st := s.lookup(f.stream); st != nil {
				st.deliver(f.payload)
			}
		case frameFIN:
			if st := s.lookup(f.stream); st != nil {
				st.closeRead()
			}
		case frameRST:
			if st := s.lookup(f.stream); st != nil {
				s.forget(f.stream)
				st.reset(model.ErrStreamReset)
			}
		case framePING:
			if err := s.writeFrame(framePONG, 0, nil); err != nil {
				s.teardown(err)
				return
			}
		case framePONG:
			select {
			case s.pongCh <- true:
			default:
			}
		case frameAUTHOK:
			select {
			case s.authCh <- nil:
			default:
			}
		case frameAUTHERR:
			select {
			case s.authCh <- authError(f.payload):
			default:
			}
		default:
			s.logger.Debugf("transport: ignoring unknown frame type %d", f.ftype)
		}
	}
}

// authError maps an AUTHERR payload onto the error taxonomy.
func authError(payload []byte) error {
	if len(payload) > 0 && payload[0] == authCodeRejected {
		return fmt.Errorf("%w: bridge refused credential", model.ErrAuthRejected)
	}
	return fmt.Errorf("%w: bridge cannot authenticate now", model.ErrTransport)
}

// Authenticate implements Session.
func (s *muxSession) Authenticate(ctx context.Context, cred *model.Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := s.writeFrame(frameAUTH, 0, payload); err != nil {
		return err
	}
	select {
	case err := <-s.authCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", model.ErrTransport, ctx.Err().Error())
	case <-s.closed:
		return s.closeError()
	}
}

// OpenStream implements Session.
func (s *muxSession) OpenStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closeErr != nil {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	id := s.nextStream
	s.nextStream += 2
	st := newMuxStream(s, id)
	s.streams[id] = st
	s.mu.Unlock()

	if err := s.writeFrame(frameSYN, id, nil); err != nil {
		s.forget(id)
		return nil, err
	}
	return st, nil
}

// Keepalive implements Session.
func (s *muxSession) Keepalive(ctx context.Context) error {
	if err := s.writeFrame(framePING, 0, nil); err != nil {
		return err
	}
	select {
	case <-s.pongCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: keepalive: %s", model.ErrTransport, ctx.Err().Error())
	case <-s.closed:
		return s.closeError()
	}
}

// Close implements Session.
func (s *muxSession) Close() error {
	s.teardown(fmt.Errorf("%w: session closed", model.ErrStreamReset))
	return nil
}

// teardown closes the connection and resets every stream. Safe to call
// multiple times; only the first error sticks.
func (s *muxSession) teardown(err error) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		streams := s.streams
		s.streams = make(map[uint32]*muxStream)
		s.mu.Unlock()
		close(s.closed)
		for _, st := range streams {
			st.reset(err)
		}
		s.conn.Close()
	})
}

func (s *muxSession) closeError() error {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.closeErr
}

func (s *muxSession) lookup(id uint32) *muxStream {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.streams[id]
}

func (s *muxSession) forget(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// writeFrame serializes one frame onto the connection.
func (s *muxSession) writeFrame(ftype uint8, stream uint32, payload []byte) error {
	buf, err := appendFrame(nil, ftype, stream, payload)
	if err != nil {
		return err
	}
	defer s.writeMu.Unlock()
	s.writeMu.Lock()
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %s", model.ErrTransport, err.Error())
	}
	return nil
}

// muxStream is one logical stream on a [muxSession]. Each direction
// has independent close state.
type muxStream struct {
	id   uint32
	sess *muxSession

	mu           sync.Mutex
	cond         *sync.Cond
	buf          bytes.Buffer
	remoteClosed bool
	writeClosed  bool
	resetErr     error
}

var _ Stream = &muxStream{}

func newMuxStream(sess *muxSession, id uint32) *muxStream {
	st := &muxStream{
		id:   id,
		sess: sess,
	}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// Read implements Stream. It returns io.EOF once the peer half-closed
// and the buffer drained, and the reset error after a reset.
func (st *muxStream) Read(p []byte) (int, error) {
	defer st.mu.Unlock()
	st.mu.Lock()
	for st.buf.Len() == 0 && !st.remoteClosed && st.resetErr == nil {
		st.cond.Wait()
	}
	if st.buf.Len() > 0 {
		return st.buf.Read(p)
	}
	if st.resetErr != nil {
		return 0, st.resetErr
	}
	return 0, io.EOF
}

// Write implements Stream, chunking large writes into frames.
func (st *muxStream) Write(p []byte) (int, error) {
	st.mu.Lock()
	if st.resetErr != nil {
		err := st.resetErr
		st.mu.Unlock()
		return 0, err
	}
	if st.writeClosed {
		st.mu.Unlock()
		return 0, fmt.Errorf("%w: write on half-closed stream", model.ErrStreamReset)
	}
	st.mu.Unlock()

	var written int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFramePayload {
			chunk = chunk[:maxFramePayload]
		}
		if err := st.sess.writeFrame(frameData, st.id, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// CloseWrite implements Stream. Reads continue until the peer closes
// its own write direction.
func (st *muxStream) CloseWrite() error {
	st.mu.Lock()
	if st.writeClosed || st.resetErr != nil {
		st.mu.Unlock()
		return nil
	}
	st.writeClosed = true
	st.mu.Unlock()
	return st.sess.writeFrame(frameFIN, st.id, nil)
}

// Close implements Stream, resetting both directions.
func (st *muxStream) Close() error {
	st.sess.forget(st.id)
	err := st.sess.writeFrame(frameRST, st.id, nil)
	st.reset(fmt.Errorf("%w: closed locally", model.ErrStreamReset))
	return err
}

// deliver appends received bytes to the stream buffer.
func (st *muxStream) deliver(data []byte) {
	defer st.mu.Unlock()
	st.mu.Lock()
	if st.resetErr != nil {
		return
	}
	if st.buf.Len()+len(data) > maxStreamBuffer {
		st.resetErr = fmt.Errorf("%w: receive buffer overflow", model.ErrStreamReset)
		st.cond.Broadcast()
		return
	}
	st.buf.Write(data)
	st.cond.Broadcast()
}

// closeRead marks the remote write direction as closed.
func (st *muxStream) closeRead() {
	defer st.mu.Unlock()
	st.mu.Lock()
	st.remoteClosed = true
	st.cond.Broadcast()
}

// reset tears down both directions with the given error.
func (st *muxStream) reset(err error) {
	defer st.mu.Unlock()
	st.mu.Lock()
	if st.resetErr == nil {
		st.resetErr = err
	}
	st.remoteClosed = true
	st.cond.Broadcast()
}
