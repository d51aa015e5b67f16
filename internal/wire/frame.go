// Package wire implements the framed transport of spec.md §6: length-
// delimited frames carrying a binary-serialized request/response, with
// optional streaming bodies (the Compile RPC's two-phase reply).
//
// The original protocol uses bincode; this module's ecosystem-idiomatic
// analogue is a uint32 big-endian length prefix around a gob-encoded
// envelope, generalizing the length-prefixed framing the teacher's worker
// IPC (a newline-delimited JSON protocol) uses for the same purpose.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// DefaultMaxFrameLength is used when the caller doesn't override it via
// SCCACHE_MAX_FRAME_LENGTH.
const DefaultMaxFrameLength = 100 * 1024 * 1024

// A Conn wraps a byte stream with frame-oriented read/write operations.
type Conn struct {
	r             *bufio.Reader
	w             io.Writer
	maxFrameLen   int
}

// NewConn wraps rw with framing bounded by maxFrameLen (bytes). A
// maxFrameLen of 0 uses DefaultMaxFrameLength.
func NewConn(rw io.ReadWriter, maxFrameLen int) *Conn {
	if maxFrameLen <= 0 {
		maxFrameLen = DefaultMaxFrameLength
	}
	return &Conn{r: bufio.NewReader(rw), w: rw, maxFrameLen: maxFrameLen}
}

// WriteMessage gob-encodes v and writes it as one length-prefixed frame.
func (c *Conn) WriteMessage(v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if buf.Len() > c.maxFrameLen {
		return fmt.Errorf("outbound frame of %d bytes exceeds max frame length %d", buf.Len(), c.maxFrameLen)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := c.w.Write(buf.Bytes())
	return err
}

// ReadMessage reads one length-prefixed frame and gob-decodes it into v.
func (c *Conn) ReadMessage(v interface{}) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if int(n) > c.maxFrameLen {
		return fmt.Errorf("inbound frame of %d bytes exceeds max frame length %d", n, c.maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(buf)).Decode(v)
}
