package websocket

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/bookvoice/server/adapters"
	"github.com/satriahrh/bookvoice/server/domain/entities"
)

func TestConversationReaper_RunOnce(t *testing.T) {
	repo := adapters.NewMemoryConversationRepository()
	ctx := context.Background()
	now := time.Now()

	stale := entities.NewConversation("client-1", entities.SessionParams{})
	stale.StartedAt = now.Add(-3 * time.Hour)
	fresh := entities.NewConversation("client-2", entities.SessionParams{})
	for _, c := range []*entities.Conversation{stale, fresh} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Failed to create conversation: %v", err)
		}
	}

	reaper := NewConversationReaper(repo, 2*time.Hour, zaptest.NewLogger(t))
	reaper.now = func() time.Time { return now }

	if count := reaper.RunOnce(); count != 1 {
		t.Errorf("Expected 1 abandoned conversation, got %d", count)
	}

	got, _ := repo.GetByID(ctx, stale.ID)
	if got.Status != entities.ConversationAbandoned {
		t.Errorf("Expected stale conversation abandoned, got %s", got.Status)
	}
	got, _ = repo.GetByID(ctx, fresh.ID)
	if got.Status != entities.ConversationActive {
		t.Errorf("Expected fresh conversation active, got %s", got.Status)
	}
}

func TestConversationReaper_StartStop(t *testing.T) {
	repo := adapters.NewMemoryConversationRepository()
	stale := entities.NewConversation("client-1", entities.SessionParams{})
	stale.StartedAt = time.Now().Add(-3 * time.Hour)
	if err := repo.Create(context.Background(), stale); err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}

	reaper := NewConversationReaper(repo, time.Hour, zaptest.NewLogger(t))
	reaper.initialDelay = 10 * time.Millisecond
	reaper.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := repo.GetByID(context.Background(), stale.ID)
		if got.Status == entities.ConversationAbandoned {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	reaper.Stop()

	got, _ := repo.GetByID(context.Background(), stale.ID)
	if got.Status != entities.ConversationAbandoned {
		t.Errorf("Expected background sweep to abandon conversation, got %s", got.Status)
	}
}
