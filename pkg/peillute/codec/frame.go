// Package codec implements the wire codec of spec section 4.1 and 6:
// 4-byte big-endian length-delimited framing, with a tagged binary
// encoding of the Message union inside each frame using little-endian
// integers and length-prefixed UTF-8 strings.
package codec

import (
	"encoding/binary"
	"io"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// MaxFrameSize bounds a single frame to guard against a corrupt or
// malicious length prefix forcing an unbounded allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// WriteFrame writes a length-delimited frame: a 4-byte big-endian length
// prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-delimited frame, returning its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, types.ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteMessage encodes msg and writes it as a single frame.
func WriteMessage(w io.Writer, msg types.Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes it into a Message.
func ReadMessage(r io.Reader) (types.Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}
