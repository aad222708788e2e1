// Package protocol implements the length-framed wire transport shared by
// the instance and management servers. A frame is a 4-byte big-endian
// payload length, a 2-byte message type, then the payload.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType identifies the kind of payload a frame carries.
type MessageType uint16

const (
	MessageRequest     MessageType = 1
	MessageResponse    MessageType = 2
	MessageStreamStart MessageType = 3
	MessageStreamData  MessageType = 4
	MessageStreamEnd   MessageType = 5
	MessageError       MessageType = 6
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 6

	// MaxFrameSize caps a single frame payload. A peer announcing one byte
	// more is a framing fault and the connection is closed.
	MaxFrameSize = 64 << 20
)

// ErrFrameTooLarge is returned when a frame payload exceeds MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("frame payload exceeds %d bytes", MaxFrameSize)

func (t MessageType) valid() bool {
	return t >= MessageRequest && t <= MessageError
}

// String returns the wire name of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "request"
	case MessageResponse:
		return "response"
	case MessageStreamStart:
		return "stream_start"
	case MessageStreamData:
		return "stream_data"
	case MessageStreamEnd:
		return "stream_end"
	case MessageError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(t))
	}
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, typ MessageType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint16(header[4:6], uint16(typ))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. It rejects oversized payloads before
// reading them and unknown message types after the header.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[0:4])
	typ := MessageType(binary.BigEndian.Uint16(header[4:6]))
	if size > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	if !typ.valid() {
		return 0, nil, fmt.Errorf("unknown message type %d", uint16(typ))
	}
	if size == 0 {
		return typ, nil, nil
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		// A connection dropped after the header is a truncated frame,
		// not a clean end of stream.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return typ, payload, nil
}
