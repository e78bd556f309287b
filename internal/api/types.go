package api

import "github.com/satriahrh/bookvoice/server/domain/entities"

// SignedURLRequest is the body of the POST signed-url routes
type SignedURLRequest struct {
	AgentID string `json:"agentId"`
}

// VoicesResponse lists the voice catalogue
type VoicesResponse struct {
	Voices           []entities.VoiceSelection `json:"voices"`
	DefaultVoiceID   string                    `json:"default_voice_id"`
	DefaultFirstName string                    `json:"default_first_name"`
}

// ConversationsResponse lists recent conversation records
type ConversationsResponse struct {
	Conversations []*entities.Conversation `json:"conversations"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}
