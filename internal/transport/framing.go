package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
)

// Frame types exchanged on a session. The session-level control frames
// (auth, ping) use stream id zero.
const (
	frameData = uint8(iota)
	frameSYN
	frameFIN
	frameRST
	framePING
	framePONG
	frameAUTH
	frameAUTHOK
	frameAUTHERR
)

// frameHeaderSize is type(1) + stream id(4) + payload length(2).
const frameHeaderSize = 7

// maxFramePayload bounds one frame payload.
const maxFramePayload = math.MaxUint16

// frame is one wire frame.
type frame struct {
	ftype   uint8
	stream  uint32
	payload []byte
}

// ErrFrameTooLarge means a frame payload exceeds [maxFramePayload].
var ErrFrameTooLarge = errors.New("transport: frame too large")

// readFrame reads one frame from the wire.
func readFrame(conn net.Conn) (*frame, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, err
	}
	f := &frame{
		ftype:  hdr[0],
		stream: binary.BigEndian.Uint32(hdr[1:5]),
	}
	length := binary.BigEndian.Uint16(hdr[5:7])
	if length > 0 {
		f.payload = make([]byte, length)
		if _, err := io.ReadFull(conn, f.payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// appendFrame serializes a frame into buf.
func appendFrame(buf []byte, ftype uint8, stream uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var hdr [frameHeaderSize]byte
	hdr[0] = ftype
	binary.BigEndian.PutUint32(hdr[1:5], stream)
	binary.BigEndian.PutUint16(hdr[5:7], uint16(len(payload)))
	buf = append(buf, hdr[:]...)
	return append(buf, payload...), nil
}
