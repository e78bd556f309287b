package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/satriahrh/bookvoice/server/domain/entities"
)

// ErrConversationNotFound is returned when no conversation matches the given id
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository defines data access methods for conversation history
type ConversationRepository interface {
	Create(ctx context.Context, conversation *entities.Conversation) error
	GetByID(ctx context.Context, id string) (*entities.Conversation, error)
	Update(ctx context.Context, conversation *entities.Conversation) error
	// ListRecent returns conversations ordered by start time, newest first
	ListRecent(ctx context.Context, limit int) ([]*entities.Conversation, error)
	// AbandonStale marks active conversations started before cutoff as abandoned
	AbandonStale(ctx context.Context, cutoff time.Time) (int64, error)
}
