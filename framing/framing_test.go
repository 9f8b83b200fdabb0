package framing

import (
	"bytes"
	"testing"
)

func TestLengthPrefixDecoderSingleMessage(t *testing.T) {
	dec := NewLengthPrefixDecoder(0)
	framed := EncodeLengthPrefixed([]byte(`{"jsonrpc":"2.0","id":"1","result":1}`))

	msgs, err := dec.Feed(framed)
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if !bytes.Equal(msgs[0], []byte(`{"jsonrpc":"2.0","id":"1","result":1}`)) {
		t.Errorf("decoded body mismatch: got %s", msgs[0])
	}
}

func TestLengthPrefixDecoderSplitAcrossFeeds(t *testing.T) {
	dec := NewLengthPrefixDecoder(0)
	framed := EncodeLengthPrefixed([]byte(`{"id":"1"}`))

	msgs, err := dec.Feed(framed[:3])
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages yet, got %d", len(msgs))
	}

	msgs, err = dec.Feed(framed[3:])
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message once the frame completes, got %d", len(msgs))
	}
}

func TestLengthPrefixDecoderMultipleMessagesInOneChunk(t *testing.T) {
	dec := NewLengthPrefixDecoder(0)
	var buf bytes.Buffer
	buf.Write(EncodeLengthPrefixed([]byte(`{"id":"1"}`)))
	buf.Write(EncodeLengthPrefixed([]byte(`{"id":"2"}`)))

	msgs, err := dec.Feed(buf.Bytes())
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestLengthPrefixDecoderRejectsOversizeBody(t *testing.T) {
	dec := NewLengthPrefixDecoder(4)
	framed := EncodeLengthPrefixed([]byte("too long"))

	_, err := dec.Feed(framed)
	if err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestLengthPrefixDecoderDefaultMaxSize(t *testing.T) {
	dec := NewLengthPrefixDecoder(0)
	if dec.maxSize != 4<<20 {
		t.Errorf("expected default max size of 4 MiB, got %d", dec.maxSize)
	}
}
