// Package framing implements the per-transport stream framing named
// MessageDecoder in spec.md §4.3: consuming a byte stream and yielding
// whole JSON-RPC messages.
//
// This package provides LengthPrefixDecoder (spec.md §6's "stompless
// binary" framing, adapted from the teacher's protocol.Decode two-state
// header/body read). It has no WebSocket decoder: the WebSocket variants
// in rclient read whole messages through gorilla/websocket, which
// reassembles fragmented frames itself.
package framing

import (
	"encoding/binary"
	"fmt"
)

// Decoder consumes bytes fed via Feed and yields whole JSON-RPC messages.
// It is not safe for concurrent use — spec.md's invariant that "the
// selector thread is the only mutator of ... the inbound buffer" makes a
// single owning goroutine the only caller.
type Decoder interface {
	// Feed appends newly read bytes and returns every complete message
	// assembled so far, draining them from the internal buffer.
	Feed(chunk []byte) (messages [][]byte, err error)
}

// ErrMessageTooLarge is returned when a framed message would exceed the
// configured cap — a decoder-level fault that closes the client
// (spec.md §4.3).
var ErrMessageTooLarge = fmt.Errorf("framing: message exceeds configured cap")

// state names the length-prefix decoder's two states (spec.md §4.3).
type state int

const (
	awaitingHeader state = iota
	awaitingBody
)

const headerSize = 4 // 4-byte big-endian length prefix (spec.md §6)

// LengthPrefixDecoder implements the binary framing: a 4-byte
// big-endian length followed by a UTF-8 JSON payload, no trailing
// delimiter (spec.md §6).
type LengthPrefixDecoder struct {
	maxSize uint32
	buf     []byte
	st      state
	bodyLen uint32
}

// NewLengthPrefixDecoder creates a decoder that rejects bodies larger
// than maxSize bytes (default 4 MiB per spec.md §6 when maxSize is 0).
func NewLengthPrefixDecoder(maxSize uint32) *LengthPrefixDecoder {
	if maxSize == 0 {
		maxSize = 4 << 20
	}
	return &LengthPrefixDecoder{maxSize: maxSize}
}

func (d *LengthPrefixDecoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)
	var out [][]byte
	for {
		switch d.st {
		case awaitingHeader:
			if len(d.buf) < headerSize {
				return out, nil
			}
			d.bodyLen = binary.BigEndian.Uint32(d.buf[:headerSize])
			if d.bodyLen > d.maxSize {
				return out, ErrMessageTooLarge
			}
			d.buf = d.buf[headerSize:]
			d.st = awaitingBody
		case awaitingBody:
			if uint32(len(d.buf)) < d.bodyLen {
				return out, nil
			}
			msg := make([]byte, d.bodyLen)
			copy(msg, d.buf[:d.bodyLen])
			d.buf = d.buf[d.bodyLen:]
			d.st = awaitingHeader
			out = append(out, msg)
		}
	}
}

// EncodeLengthPrefixed frames payload with the 4-byte big-endian length
// prefix described in spec.md §6.
func EncodeLengthPrefixed(payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(len(payload)))
	copy(out[headerSize:], payload)
	return out
}
