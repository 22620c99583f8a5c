// Package sockframe implements the lifecycle daemon's wire framing (spec
// section 4.1): outbound messages are prefixed with an 8-byte header whose
// first 4 bytes are a big-endian uint32 length and whose last 4 bytes are
// reserved, must-be-zero-on-send, ignore-on-receive padding. Inbound
// messages have no header - they are a single JSON object read in one
// socket receive, capped at MaxMessageSize.
//
// The socket is SOCK_SEQPACKET: each message must be written and read in
// exactly one syscall, since the kernel preserves message boundaries and
// silently drops whatever a short read didn't consume. WriteFrame and
// ReadFrame therefore build/parse the header in memory around a single
// Write/Read rather than issuing one syscall for the header and another
// for the body.
package sockframe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize is the 1 MiB cap on inbound request bodies (spec section 4.1).
const MaxMessageSize = 1 << 20

const headerSize = 8

// WriteFrame writes the 8-byte header and body as a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("frame body %d bytes exceeds cap %d", len(body), MaxMessageSize)
	}
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	// buf[4:8] are the reserved bytes; left zero deliberately.
	copy(buf[headerSize:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one complete message in a single Read call and parses
// the 8-byte header out of it. The reserved header bytes are ignored.
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := make([]byte, headerSize+MaxMessageSize)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if n < headerSize {
		return nil, fmt.Errorf("frame shorter than header: got %d bytes", n)
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("frame length %d exceeds cap %d", length, MaxMessageSize)
	}
	if int(length) > n-headerSize {
		return nil, fmt.Errorf("frame declares %d body bytes, only %d received", length, n-headerSize)
	}
	body := make([]byte, length)
	copy(body, buf[headerSize:headerSize+int(length)])
	return body, nil
}

// ReadMessage reads a single unframed JSON message in one receive, as the
// daemon does for inbound requests.
func ReadMessage(r io.Reader) ([]byte, error) {
	buf := make([]byte, MaxMessageSize+1)
	n, err := r.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if n > MaxMessageSize {
		return nil, fmt.Errorf("message exceeds %d byte cap", MaxMessageSize)
	}
	return buf[:n], nil
}
