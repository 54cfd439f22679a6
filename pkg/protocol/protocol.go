// Package protocol implements the reverb wire format: length-prefixed frames
// carrying JSON-encoded messages.
//
// Frame layout: [4-byte big-endian payload length][payload]
//
// The payload is a JSON envelope tagging the message variant:
//
//	{"type": "join_channel", "body": {"channel_id": "general"}}
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

const (
	// HeaderSize is the byte size of the frame length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds a single frame payload (1 MiB). Large enough
	// for a compressed video keyframe, small enough to cap per-peer memory.
	DefaultMaxFrameSize = 1 << 20

	// readChunk is how much the Reader pulls from the stream per read call.
	readChunk = 32 * 1024
)

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the maximum
	// frame size. The stream cannot be resynchronised afterwards.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrMalformedPayload is returned when a frame does not decode into a
	// known, well-formed message.
	ErrMalformedPayload = errors.New("protocol: malformed payload")

	// ErrNeedMore is returned by Decoder.Next when no complete frame is buffered.
	ErrNeedMore = errors.New("protocol: need more data")
)

// envelope is the JSON shape of every payload.
type envelope struct {
	Type pb.Kind         `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode serializes a message into a frame payload (without length prefix).
func Encode(msg pb.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("protocol: encode: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Kind(), err)
	}
	data, err := json.Marshal(envelope{Type: msg.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a frame payload into a message. Any failure is reported as
// ErrMalformedPayload.
func Decode(data []byte) (pb.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	msg := pb.New(env.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedPayload, env.Type)
	}
	if len(env.Body) > 0 && string(env.Body) != "null" {
		if err := json.Unmarshal(env.Body, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Type, err)
	}
	return msg, nil
}

// AppendFrame appends the length prefix and payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload))) //nolint:gosec // callers bound payload by maxFrame
	return append(dst, payload...)
}

// EncodeFrame encodes a message into a complete frame. Payloads larger than
// maxFrame are rejected so peers never see a frame they must refuse.
func EncodeFrame(msg pb.Message, maxFrame int) ([]byte, error) {
	payload, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	if maxFrame > 0 && len(payload) > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload), nil
}

// WriteMessage writes a framed message to w in a single Write call.
func WriteMessage(w io.Writer, msg pb.Message, maxFrame int) error {
	frame, err := EncodeFrame(msg, maxFrame)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one framed message from r. The length prefix is
// checked before the payload buffer is allocated.
func ReadMessage(r io.Reader, maxFrame int) (pb.Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if uint64(length) > uint64(maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}
	return Decode(data)
}
