package websocket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain/repositories"
)

const (
	defaultReapInterval = 30 * time.Minute
	initialReapDelay    = time.Minute
	reapTimeout         = 5 * time.Minute
)

// ConversationReaper marks conversation records abandoned when they stay active
// longer than any real session could, e.g. after a crash.
type ConversationReaper struct {
	conversations repositories.ConversationRepository
	maxAge        time.Duration
	interval      time.Duration
	initialDelay  time.Duration
	logger        *zap.Logger
	stopChan      chan struct{}
	doneChan      chan struct{}
	now           func() time.Time
}

// NewConversationReaper creates a new conversation reaper
func NewConversationReaper(conversations repositories.ConversationRepository, maxAge time.Duration, logger *zap.Logger) *ConversationReaper {
	return &ConversationReaper{
		conversations: conversations,
		maxAge:        maxAge,
		interval:      defaultReapInterval,
		initialDelay:  initialReapDelay,
		logger:        logger,
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start begins the background sweep
func (r *ConversationReaper) Start() {
	go r.reapLoop()
	r.logger.Info("Conversation reaper started", zap.Duration("maxAge", r.maxAge))
}

// Stop stops the sweep and waits for a running pass to finish
func (r *ConversationReaper) Stop() {
	close(r.stopChan)
	<-r.doneChan
	r.logger.Info("Conversation reaper stopped")
}

func (r *ConversationReaper) reapLoop() {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	initialTimer := time.NewTimer(r.initialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-initialTimer.C:
			r.RunOnce()
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce abandons every active conversation older than maxAge
func (r *ConversationReaper) RunOnce() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	cutoff := r.now().Add(-r.maxAge)
	count, err := r.conversations.AbandonStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("Failed to abandon stale conversations", zap.Error(err))
		return 0
	}

	r.logger.Info("Conversation sweep completed", zap.Int64("abandoned", count))
	return count
}
