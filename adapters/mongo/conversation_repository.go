package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/bookvoice/server/domain/entities"
	"github.com/satriahrh/bookvoice/server/domain/repositories"
)

const (
	conversationCollection = "conversations"
	maxListLimit           = 100
)

// ConversationRepository stores conversation history in MongoDB
type ConversationRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// Ensure ConversationRepository implements the repositories interface
var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

// NewConversationRepository creates a new MongoDB conversation repository
func NewConversationRepository(db *mongo.Database, logger *zap.Logger) *ConversationRepository {
	return &ConversationRepository{
		collection: db.Collection(conversationCollection),
		logger:     logger,
	}
}

// EnsureIndexes creates the indexes used by listing and the stale sweep
func (r *ConversationRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}}},
		{Keys: bson.D{{Key: "client_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}
	r.logger.Info("Conversation indexes created successfully")
	return nil
}

// Create implements repositories.ConversationRepository
func (r *ConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}
	if conversation.StartedAt.IsZero() {
		conversation.StartedAt = time.Now()
	}

	oid := primitive.NewObjectID()
	doc := bson.M{
		"_id":            oid,
		"client_id":      conversation.ClientID,
		"voice_id":       conversation.VoiceID,
		"first_name":     conversation.FirstName,
		"chapter_number": conversation.ChapterNumber,
		"line_text":      conversation.LineText,
		"status":         conversation.Status,
		"started_at":     conversation.StartedAt,
	}
	if conversation.ProviderID != "" {
		doc["provider_conversation_id"] = conversation.ProviderID
	}

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	conversation.ID = oid.Hex()

	return nil
}

// GetByID implements repositories.ConversationRepository
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, repositories.ErrConversationNotFound
	}

	var conversation entities.Conversation
	err = r.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	return &conversation, nil
}

// Update implements repositories.ConversationRepository
func (r *ConversationRepository) Update(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	objectID, err := primitive.ObjectIDFromHex(conversation.ID)
	if err != nil {
		return fmt.Errorf("invalid conversation ID format: %w", err)
	}

	set := bson.M{
		"status":     conversation.Status,
		"end_reason": conversation.EndReason,
	}
	if conversation.EndedAt != nil {
		set["ended_at"] = *conversation.EndedAt
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": objectID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrConversationNotFound
	}

	return nil
}

// ListRecent implements repositories.ConversationRepository
func (r *ConversationRepository) ListRecent(ctx context.Context, limit int) ([]*entities.Conversation, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	conversations := make([]*entities.Conversation, 0, limit)
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}

	return conversations, nil
}

// AbandonStale implements repositories.ConversationRepository
func (r *ConversationRepository) AbandonStale(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"status":     entities.ConversationActive,
		"started_at": bson.M{"$lt": cutoff},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     entities.ConversationAbandoned,
			"ended_at":   time.Now(),
			"end_reason": "stale",
		},
	}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale conversations: %w", err)
	}

	if result.ModifiedCount > 0 {
		r.logger.Info("Abandoned stale conversations", zap.Int64("count", result.ModifiedCount))
	}

	return result.ModifiedCount, nil
}
