package websocket

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/satriahrh/bookvoice/server/domain/entities"
)

func TestMessageValidator_ValidateLayout(t *testing.T) {
	validator := NewMessageValidator()

	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{
			name: "valid hello",
			message: `{
				"type": "hello",
				"viewport": {"scroll_top": 0, "height": 800},
				"blocks": [
					{"kind": "chapter", "label": "Chapter I", "top": 0, "height": 40},
					{"kind": "paragraph", "text": "It was a bright cold day.", "top": 40, "height": 120}
				]
			}`,
			wantErr: false,
		},
		{
			name:    "valid scroll without blocks",
			message: `{"type": "scroll", "viewport": {"scroll_top": 300, "height": 800}}`,
			wantErr: false,
		},
		{
			name:    "unknown block kind",
			message: `{"type": "scroll", "viewport": {"height": 800}, "blocks": [{"kind": "image", "top": 0, "height": 10}]}`,
			wantErr: true,
		},
		{
			name:    "chapter without label",
			message: `{"type": "scroll", "viewport": {"height": 800}, "blocks": [{"kind": "chapter", "top": 0, "height": 10}]}`,
			wantErr: true,
		},
		{
			name:    "negative viewport",
			message: `{"type": "scroll", "viewport": {"height": -1}}`,
			wantErr: true,
		},
		{
			name:    "negative block height",
			message: `{"type": "scroll", "viewport": {"height": 10}, "blocks": [{"kind": "paragraph", "top": 0, "height": -5}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateMessage([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageValidator_ValidateStart(t *testing.T) {
	validator := NewMessageValidator()

	msg, err := validator.ValidateMessage([]byte(`{"type":"start","first_name":"Ada","voice_id":"Lily","microphone_granted":true}`))
	if err != nil {
		t.Fatalf("ValidateMessage failed: %v", err)
	}
	start, ok := msg.(*StartMessage)
	if !ok {
		t.Fatalf("Expected *StartMessage, got %T", msg)
	}
	if start.FirstName != "Ada" || start.VoiceID != "Lily" || !start.MicrophoneGranted {
		t.Errorf("Unexpected start message %+v", start)
	}

	long := `{"type":"start","first_name":"` + strings.Repeat("a", 65) + `"}`
	if _, err := validator.ValidateMessage([]byte(long)); err == nil {
		t.Error("Expected error for overlong first name")
	}
}

func TestMessageValidator_InvalidMessages(t *testing.T) {
	validator := NewMessageValidator()

	invalid := []string{
		`invalid json`,
		`{"viewport": {}}`,
		`{"type": "unknown_type"}`,
		`{"type": "start", "first_name": 42}`,
	}

	for _, message := range invalid {
		if _, err := validator.ValidateMessage([]byte(message)); err == nil {
			t.Errorf("Expected error for %s", message)
		}
	}
}

func TestMessageValidator_StopAndPing(t *testing.T) {
	validator := NewMessageValidator()

	msg, err := validator.ValidateMessage([]byte(`{"type":"stop"}`))
	if err != nil {
		t.Fatalf("ValidateMessage failed: %v", err)
	}
	if _, ok := msg.(*StopMessage); !ok {
		t.Errorf("Expected *StopMessage, got %T", msg)
	}

	msg, err = validator.ValidateMessage([]byte(`{"type":"ping","data":"hi"}`))
	if err != nil {
		t.Fatalf("ValidateMessage failed: %v", err)
	}
	if ping, ok := msg.(*PingMessage); !ok || ping.Data != "hi" {
		t.Errorf("Expected ping with data, got %+v", msg)
	}
}

func TestCreateMessages(t *testing.T) {
	position := CreatePositionMessage(entities.ReadingPosition{ChapterLabel: "Chapter II", ParagraphSnippet: "Hello"})
	data, err := json.Marshal(position)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	_ = json.Unmarshal(data, &decoded)
	if decoded["type"] != "position" || decoded["chapter"] != "Chapter II" || decoded["paragraph"] != "Hello" {
		t.Errorf("Unexpected position payload %s", data)
	}

	state := CreateStateMessage(entities.UiState{Status: entities.StatusConnected, IsSpeaking: true})
	data, _ = json.Marshal(state)
	decoded = nil
	_ = json.Unmarshal(data, &decoded)
	inner, _ := decoded["state"].(map[string]interface{})
	if decoded["type"] != "state" || inner["status"] != "connected" || inner["is_speaking"] != true {
		t.Errorf("Unexpected state payload %s", data)
	}

	errMsg := CreateErrorMessage("permission_denied", "Microphone permission is required for voice conversation", "")
	if errMsg.Type != MessageTypeError || errMsg.Code != "permission_denied" || errMsg.Timestamp == "" {
		t.Errorf("Unexpected error message %+v", errMsg)
	}

	pong := CreatePongMessage("hi")
	if pong.Type != MessageTypePong || pong.Data != "hi" {
		t.Errorf("Unexpected pong message %+v", pong)
	}

	if _, err := uuid.Parse(pong.MessageID); err != nil {
		t.Errorf("Expected uuid message id, got %q", pong.MessageID)
	}
	if pong.MessageID == errMsg.MessageID {
		t.Error("Expected distinct message ids")
	}
}
