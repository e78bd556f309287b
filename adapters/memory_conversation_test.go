package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
)

func newTestConversation(clientID string, startedAt time.Time) *entities.Conversation {
	conversation := entities.NewConversation(clientID, entities.SessionParams{
		VoiceID:       "voice",
		FirstName:     "Jack",
		ChapterNumber: "1",
		LineText:      entities.DefaultLineText,
	})
	conversation.StartedAt = startedAt
	return conversation
}

func TestMemoryConversationRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryConversationRepository()
	ctx := context.Background()

	conversation := newTestConversation("client-1", time.Now())
	if err := repo.Create(ctx, conversation); err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	if conversation.ID == "" {
		t.Fatal("Expected ID to be generated")
	}

	retrieved, err := repo.GetByID(ctx, conversation.ID)
	if err != nil {
		t.Fatalf("Failed to get conversation: %v", err)
	}
	if retrieved.ClientID != "client-1" {
		t.Errorf("Expected client ID 'client-1', got '%s'", retrieved.ClientID)
	}

	// Stored records are copies.
	retrieved.Status = entities.ConversationFailed
	again, _ := repo.GetByID(ctx, conversation.ID)
	if again.Status != entities.ConversationActive {
		t.Errorf("Expected stored record unchanged, got %s", again.Status)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, repositories.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}

func TestMemoryConversationRepository_CreateInvalid(t *testing.T) {
	repo := NewMemoryConversationRepository()

	if err := repo.Create(context.Background(), nil); err == nil {
		t.Error("Expected error for nil conversation")
	}
	if err := repo.Create(context.Background(), &entities.Conversation{Status: entities.ConversationActive}); err == nil {
		t.Error("Expected error for missing client ID")
	}
}

func TestMemoryConversationRepository_Update(t *testing.T) {
	repo := NewMemoryConversationRepository()
	ctx := context.Background()

	conversation := newTestConversation("client-1", time.Now())
	if err := repo.Create(ctx, conversation); err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}

	conversation.Finish(entities.ConversationEnded, "stopped")
	if err := repo.Update(ctx, conversation); err != nil {
		t.Fatalf("Failed to update conversation: %v", err)
	}

	retrieved, _ := repo.GetByID(ctx, conversation.ID)
	if retrieved.Status != entities.ConversationEnded || retrieved.EndReason != "stopped" {
		t.Errorf("Unexpected conversation %+v", retrieved)
	}

	missing := newTestConversation("client-2", time.Now())
	missing.ID = "missing"
	if err := repo.Update(ctx, missing); !errors.Is(err, repositories.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}

func TestMemoryConversationRepository_ListRecent(t *testing.T) {
	repo := NewMemoryConversationRepository()
	ctx := context.Background()
	now := time.Now()

	for i, clientID := range []string{"oldest", "middle", "newest"} {
		conversation := newTestConversation(clientID, now.Add(time.Duration(i)*time.Minute))
		if err := repo.Create(ctx, conversation); err != nil {
			t.Fatalf("Failed to create conversation: %v", err)
		}
	}

	recent, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to list conversations: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 conversations, got %d", len(recent))
	}
	if recent[0].ClientID != "newest" || recent[1].ClientID != "middle" {
		t.Errorf("Expected newest first, got %s, %s", recent[0].ClientID, recent[1].ClientID)
	}

	all, _ := repo.ListRecent(ctx, 0)
	if len(all) != 3 {
		t.Errorf("Expected 3 conversations with default limit, got %d", len(all))
	}
}

func TestMemoryConversationRepository_AbandonStale(t *testing.T) {
	repo := NewMemoryConversationRepository()
	ctx := context.Background()
	now := time.Now()

	stale := newTestConversation("stale", now.Add(-3*time.Hour))
	fresh := newTestConversation("fresh", now)
	ended := newTestConversation("ended", now.Add(-3*time.Hour))
	ended.Finish(entities.ConversationEnded, "stopped")

	for _, c := range []*entities.Conversation{stale, fresh, ended} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Failed to create conversation: %v", err)
		}
	}

	count, err := repo.AbandonStale(ctx, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("AbandonStale failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 abandoned conversation, got %d", count)
	}

	retrieved, _ := repo.GetByID(ctx, stale.ID)
	if retrieved.Status != entities.ConversationAbandoned || retrieved.EndReason != "stale" {
		t.Errorf("Expected stale conversation abandoned, got %+v", retrieved)
	}
	retrieved, _ = repo.GetByID(ctx, fresh.ID)
	if retrieved.Status != entities.ConversationActive {
		t.Errorf("Expected fresh conversation active, got %s", retrieved.Status)
	}
}
