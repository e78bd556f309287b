package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
)

const maxListLimit = 100

// MemoryConversationRepository keeps conversation history in process memory.
// It is used when no MongoDB URI is configured.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation
}

// Ensure MemoryConversationRepository implements the repositories interface
var _ repositories.ConversationRepository = (*MemoryConversationRepository)(nil)

// NewMemoryConversationRepository creates a new in-memory conversation repository
func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{
		conversations: make(map[string]*entities.Conversation),
	}
}

// Create implements repositories.ConversationRepository
func (m *MemoryConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	if _, exists := m.conversations[conversation.ID]; exists {
		return errors.New("conversation with this ID already exists")
	}
	if conversation.StartedAt.IsZero() {
		conversation.StartedAt = time.Now()
	}

	m.conversations[conversation.ID] = clone(conversation)
	return nil
}

// GetByID implements repositories.ConversationRepository
func (m *MemoryConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return nil, repositories.ErrConversationNotFound
	}
	return clone(conversation), nil
}

// Update implements repositories.ConversationRepository
func (m *MemoryConversationRepository) Update(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversation.ID]; !exists {
		return repositories.ErrConversationNotFound
	}
	m.conversations[conversation.ID] = clone(conversation)
	return nil
}

// ListRecent implements repositories.ConversationRepository
func (m *MemoryConversationRepository) ListRecent(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	m.mu.RLock()
	all := make([]*entities.Conversation, 0, len(m.conversations))
	for _, conversation := range m.conversations {
		all = append(all, clone(conversation))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// AbandonStale implements repositories.ConversationRepository
func (m *MemoryConversationRepository) AbandonStale(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, conversation := range m.conversations {
		if conversation.Status == entities.ConversationActive && conversation.StartedAt.Before(cutoff) {
			conversation.Finish(entities.ConversationAbandoned, "stale")
			count++
		}
	}
	return count, nil
}

func clone(c *entities.Conversation) *entities.Conversation {
	copied := *c
	if c.EndedAt != nil {
		endedAt := *c.EndedAt
		copied.EndedAt = &endedAt
	}
	return &copied
}
