package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024
)

// Recognized frame types. Every frame on the wire is a single UTF-8 JSON
// object carrying a "type" discriminator plus the event payload.
const (
	TypeMessage          = "message"
	TypeReaction         = "reaction"
	TypeTyping           = "typing"
	TypeReadReceipt      = "read_receipt"
	TypeMessageHistory   = "message_history"
	TypeGetThreadReplies = "get_thread_replies"
	TypeThreadReplies    = "thread_replies"
	TypePresence         = "presence"
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size (1 MB)")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
)

// Event is a decoded wire frame. Concrete event types live in events.go.
type Event interface {
	EventType() string

	// stamp writes the type discriminator into the struct so Encode
	// produces a self-describing frame.
	stamp()
}

// Encode serializes an event into a single JSON frame.
func Encode(ev Event) ([]byte, error) {
	ev.stamp()
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", ev.EventType(), err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode parses a single JSON frame into its typed event. Unknown types
// and malformed payloads are reported as errors so the caller can drop
// the frame without tearing down the connection.
func Decode(data []byte) (Event, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var ev Event
	switch envelope.Type {
	case TypeMessage:
		ev = &MessageEvent{}
	case TypeReaction:
		ev = &ReactionEvent{}
	case TypeTyping:
		ev = &TypingEvent{}
	case TypeReadReceipt:
		ev = &ReadReceiptEvent{}
	case TypeMessageHistory:
		ev = &MessageHistoryEvent{}
	case TypeGetThreadReplies:
		ev = &GetThreadRepliesEvent{}
	case TypeThreadReplies:
		ev = &ThreadRepliesEvent{}
	case TypePresence:
		ev = &PresenceEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedFrame, envelope.Type, err)
	}
	ev.stamp()
	return ev, nil
}
