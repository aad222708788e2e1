package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestWriteReadFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     MessageType
		payload []byte
	}{
		{"request with body", MessageRequest, []byte(`{"op":"health"}`)},
		{"response", MessageResponse, []byte(`{"healthy":true}`)},
		{"empty stream end", MessageStreamEnd, nil},
		{"binary stream data", MessageStreamData, bytes.Repeat([]byte{0xAB}, 4096)},
		{"error frame", MessageError, []byte(`{"error":"boom"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.typ, tt.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if buf.Len() != HeaderSize+len(tt.payload) {
				t.Errorf("frame length = %d, want %d", buf.Len(), HeaderSize+len(tt.payload))
			}

			typ, payload, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if typ != tt.typ {
				t.Errorf("type = %v, want %v", typ, tt.typ)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(payload), len(tt.payload))
			}
		})
	}
}

func TestReadFrame_RejectsOversizedHeader(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], MaxFrameSize+1)
	binary.BigEndian.PutUint16(header[4:6], uint16(MessageRequest))

	_, _, err := ReadFrame(bytes.NewReader(header[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrame_AcceptsMaxSizeHeader(t *testing.T) {
	// Exactly MaxFrameSize is allowed; the truncated body then fails with
	// an unexpected EOF, not a framing fault.
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], MaxFrameSize)
	binary.BigEndian.PutUint16(header[4:6], uint16(MessageStreamData))

	_, _, err := ReadFrame(bytes.NewReader(header[:]))
	if errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("MaxFrameSize payload should not be a framing fault, got %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF for truncated body, got %v", err)
	}
}

func TestReadFrame_RejectsUnknownType(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], 0)
	binary.BigEndian.PutUint16(header[4:6], 99)

	_, _, err := ReadFrame(bytes.NewReader(header[:]))
	if err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestReadFrame_ShortHeader(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 1}))
	if err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestWriteFrame_RejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	err := WriteFrame(io.Discard, MessageStreamData, payload)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestMessageType_String(t *testing.T) {
	if MessageRequest.String() != "request" {
		t.Errorf("unexpected name %s", MessageRequest.String())
	}
	if MessageType(42).String() != "unknown(42)" {
		t.Errorf("unexpected name %s", MessageType(42).String())
	}
}
