package probe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrame bounds a single probe payload.
const MaxFrame = 64 << 10

// frameConn sends and receives length-prefixed frames: a little-endian u32
// payload length followed by the payload.
type frameConn struct {
	br *bufio.Reader
	bw *bufio.Writer
}

func newFrameConn(rw io.ReadWriter) *frameConn {
	return &frameConn{br: bufio.NewReader(rw), bw: bufio.NewWriter(rw)}
}

func (c *frameConn) Send(payload []byte) error {
	if len(payload) > MaxFrame {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), MaxFrame)
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *frameConn) Recv() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, MaxFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
