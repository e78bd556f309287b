package entities

import (
	"errors"
	"time"
)

// ConversationStatus represents the lifecycle of a recorded conversation
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationEnded     ConversationStatus = "ended"
	ConversationFailed    ConversationStatus = "failed"
	ConversationAbandoned ConversationStatus = "abandoned"
)

// Conversation is the history record of one real-time session
type Conversation struct {
	ID            string             `json:"id" bson:"_id"`
	ClientID      string             `json:"client_id" bson:"client_id"`
	VoiceID       string             `json:"voice_id" bson:"voice_id"`
	FirstName     string             `json:"first_name" bson:"first_name"`
	ChapterNumber string             `json:"chapter_number" bson:"chapter_number"`
	LineText      string             `json:"line_text" bson:"line_text"`
	ProviderID    string             `json:"provider_conversation_id,omitempty" bson:"provider_conversation_id,omitempty"`
	Status        ConversationStatus `json:"status" bson:"status"`
	StartedAt     time.Time          `json:"started_at" bson:"started_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	EndReason     string             `json:"end_reason,omitempty" bson:"end_reason,omitempty"`
}

// NewConversation creates an active record for a session opened with params
func NewConversation(clientID string, params SessionParams) *Conversation {
	return &Conversation{
		ClientID:      clientID,
		VoiceID:       params.VoiceID,
		FirstName:     params.FirstName,
		ChapterNumber: params.ChapterNumber,
		LineText:      params.LineText,
		Status:        ConversationActive,
		StartedAt:     time.Now(),
	}
}

// Finish closes the record. Finishing a closed record is a no-op.
func (c *Conversation) Finish(status ConversationStatus, reason string) {
	if c.Status != ConversationActive {
		return
	}
	now := time.Now()
	c.Status = status
	c.EndedAt = &now
	c.EndReason = reason
}

// IsStale reports whether an active record has outlived maxAge
func (c *Conversation) IsStale(maxAge time.Duration) bool {
	return c.Status == ConversationActive && time.Since(c.StartedAt) > maxAge
}

// Validate validates the record
func (c *Conversation) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	switch c.Status {
	case ConversationActive, ConversationEnded, ConversationFailed, ConversationAbandoned:
	default:
		return errors.New("invalid conversation status")
	}
	return nil
}
