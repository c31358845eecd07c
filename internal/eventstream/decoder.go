// Package eventstream decodes the length-prefixed, header-prefixed binary
// framing used by the streaming vendor's response transport into a sequence
// of EventFrames.
package eventstream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// ErrMalformedFrame is returned when a frame's declared lengths are
// inconsistent with each other or with the bytes actually available.
var ErrMalformedFrame = errors.New("eventstream: malformed frame")

const (
	preludeLen  = 8                                       // total-length + headers-length
	minFrameLen = preludeLen + 4 /*prelude checksum*/ + 4 /*trailing checksum*/
)

// EventFrame is one decoded message: a header map plus an opaque payload.
type EventFrame struct {
	Headers map[string]string
	Payload []byte
}

// MessageType returns the ":message-type" header, the discriminator
// consumers filter on before looking at ":event-type".
func (f EventFrame) MessageType() string { return f.Headers[":message-type"] }

// EventType returns the ":event-type" header.
func (f EventFrame) EventType() string { return f.Headers[":event-type"] }

// Decoder pulls EventFrames off a byte stream, one at a time, blocking on
// the underlying reader as needed. Built on bufio.Reader so a frame split
// across two network reads decodes identically to one delivered whole —
// the buffering that makes the decoder resumable across chunk boundaries
// is bufio's, not hand-rolled here.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-at-a-time decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next reads and decodes the next frame. It returns io.EOF when the
// stream ends cleanly on a frame boundary.
func (d *Decoder) Next() (EventFrame, error) {
	var prelude [preludeLen]byte
	if _, err := io.ReadFull(d.r, prelude[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return EventFrame{}, ErrMalformedFrame
		}
		return EventFrame{}, err
	}
	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])

	if totalLen < minFrameLen || uint64(headersLen) > uint64(totalLen)-minFrameLen {
		return EventFrame{}, ErrMalformedFrame
	}

	// Prelude checksum: read and skip, verification optional.
	var preludeCRC [4]byte
	if _, err := io.ReadFull(d.r, preludeCRC[:]); err != nil {
		return EventFrame{}, unexpectedEOFToMalformed(err)
	}

	remaining := int(totalLen) - preludeLen - 4 // headers + payload + trailing checksum
	if remaining < 4 {
		return EventFrame{}, ErrMalformedFrame
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return EventFrame{}, unexpectedEOFToMalformed(err)
	}

	headerBytes := body[:headersLen]
	payload := body[headersLen : len(body)-4]
	// Trailing checksum occupies the last 4 bytes of body; read and
	// discarded — verification is optional per the wire contract.

	headers, err := parseHeaders(headerBytes)
	if err != nil {
		return EventFrame{}, err
	}

	return EventFrame{Headers: headers, Payload: payload}, nil
}

func unexpectedEOFToMalformed(err error) error {
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return ErrMalformedFrame
	}
	return err
}

func parseHeaders(b []byte) (map[string]string, error) {
	headers := make(map[string]string)
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, ErrMalformedFrame
		}
		nameLen := int(b[0])
		b = b[1:]
		if len(b) < nameLen {
			return nil, ErrMalformedFrame
		}
		name := string(b[:nameLen])
		b = b[nameLen:]

		if len(b) < 1 {
			return nil, ErrMalformedFrame
		}
		b = b[1:] // value type tag, read and skipped

		if len(b) < 2 {
			return nil, ErrMalformedFrame
		}
		valLen := int(binary.BigEndian.Uint16(b[0:2]))
		b = b[2:]
		if len(b) < valLen {
			return nil, ErrMalformedFrame
		}
		headers[name] = string(b[:valLen])
		b = b[valLen:]
	}
	return headers, nil
}

// VerifyCRC32 checks a frame's bytes against a trailing big-endian CRC32,
// available for callers that want the optional integrity check enabled.
func VerifyCRC32(frameBytes []byte, want uint32) error {
	got := crc32.ChecksumIEEE(frameBytes)
	if got != want {
		return fmt.Errorf("eventstream: crc32 mismatch: got %x want %x", got, want)
	}
	return nil
}
