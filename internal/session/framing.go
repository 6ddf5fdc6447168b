package session

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeFrame/readFrame implement SNaP2P's length-prefixed record framing:
// a 4-byte big-endian length followed by the JSON payload.
func writeFrame(w io.Writer, payload []byte, limit int) error {
	if len(payload) > limit {
		return ErrOversizeFrame
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, limit int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > limit {
		return nil, fmt.Errorf("session: frame of %d bytes exceeds limit %d: %w", n, limit, ErrOversizeFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
