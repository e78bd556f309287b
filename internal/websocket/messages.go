package websocket

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/satriahrh/bookvoice/server/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server message types
const (
	MessageTypeHello  MessageType = "hello"
	MessageTypeScroll MessageType = "scroll"
	MessageTypeStart  MessageType = "start"
	MessageTypeStop   MessageType = "stop"
	MessageTypePing   MessageType = "ping"
)

// Server to client message types
const (
	MessageTypePosition MessageType = "position"
	MessageTypeState    MessageType = "state"
	MessageTypeError    MessageType = "error"
	MessageTypePong     MessageType = "pong"
)

// Error codes sent in ErrorMessage
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeBusy           = "busy"
)

const (
	maxBlocks        = 10000
	maxFirstNameRune = 64
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

// LayoutMessage carries the reading view geometry. Sent as "hello" once on mount
// and as "scroll" on every scroll event.
type LayoutMessage struct {
	BaseMessage
	Viewport entities.Viewport `json:"viewport"`
	Blocks   []entities.Block  `json:"blocks"`
}

// StartMessage asks for a conversation about the current reading position
type StartMessage struct {
	BaseMessage
	FirstName         string `json:"first_name"`
	VoiceID           string `json:"voice_id"`
	MicrophoneGranted bool   `json:"microphone_granted"`
}

// StopMessage asks to end the conversation
type StopMessage struct {
	BaseMessage
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PositionMessage reports the derived reading position
type PositionMessage struct {
	BaseMessage
	entities.ReadingPosition
}

// StateMessage pushes the conversation controls' state
type StateMessage struct {
	BaseMessage
	State entities.UiState `json:"state"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeHello, MessageTypeScroll:
		var msg LayoutMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid %s message: %w", base.Type, err)
		}
		if err := v.validateLayout(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeStart:
		var msg StartMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid start message: %w", err)
		}
		if utf8.RuneCountInString(msg.FirstName) > maxFirstNameRune {
			return nil, fmt.Errorf("first_name must be at most %d characters", maxFirstNameRune)
		}
		return &msg, nil

	case MessageTypeStop:
		return &StopMessage{BaseMessage: base}, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	case "":
		return nil, fmt.Errorf("message type is required")

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// validateLayout validates viewport and block fields
func (v *MessageValidator) validateLayout(msg *LayoutMessage) error {
	if msg.Viewport.Height < 0 {
		return fmt.Errorf("viewport height must not be negative")
	}
	if len(msg.Blocks) > maxBlocks {
		return fmt.Errorf("at most %d blocks are allowed", maxBlocks)
	}
	for i, block := range msg.Blocks {
		switch block.Kind {
		case entities.BlockChapter:
			if block.Label == "" {
				return fmt.Errorf("block %d: chapter label is required", i)
			}
		case entities.BlockParagraph:
		default:
			return fmt.Errorf("block %d: kind must be one of: chapter, paragraph", i)
		}
		if block.Height < 0 {
			return fmt.Errorf("block %d: height must not be negative", i)
		}
	}
	return nil
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: uuid.NewString(),
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: newBase(MessageTypePong),
		Data:        data,
	}
}

// CreatePositionMessage creates a reading position message
func CreatePositionMessage(position entities.ReadingPosition) *PositionMessage {
	return &PositionMessage{
		BaseMessage:     newBase(MessageTypePosition),
		ReadingPosition: position,
	}
}

// CreateStateMessage creates a UI state message
func CreateStateMessage(state entities.UiState) *StateMessage {
	return &StateMessage{
		BaseMessage: newBase(MessageTypeState),
		State:       state,
	}
}
