package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDeviceTokenRepository implements domain.DeviceTokenRepository
type MongoDeviceTokenRepository struct {
	collection *mongo.Collection
}

func NewMongoDeviceTokenRepository(db *mongo.Database) *MongoDeviceTokenRepository {
	coll := db.Collection("device_tokens")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "enabled", Value: 1}}})

	return &MongoDeviceTokenRepository{collection: coll}
}

// Upsert registers a token and re-enables it
func (r *MongoDeviceTokenRepository) Upsert(ctx context.Context, token *domain.DeviceToken) error {
	update := bson.M{
		"$set": bson.M{
			"uid":        token.UID,
			"platform":   token.Platform,
			"enabled":    true,
			"updated_at": token.UpdatedAt,
		},
		"$unset":       bson.M{"disable_reason": "", "disabled_at": ""},
		"$setOnInsert": bson.M{"created_at": token.CreatedAt},
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": token.Token}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert device token: %w", err)
	}
	return nil
}

func (r *MongoDeviceTokenRepository) ListEnabled(ctx context.Context, limit int) ([]*domain.DeviceToken, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"enabled": true}, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list device tokens: %w", err)
	}
	defer cursor.Close(ctx)

	var tokens []*domain.DeviceToken
	for cursor.Next(ctx) {
		var t domain.DeviceToken
		if err := cursor.Decode(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, cursor.Err()
}

func (r *MongoDeviceTokenRepository) Disable(ctx context.Context, token, reason string, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"enabled":        false,
		"disable_reason": reason,
		"disabled_at":    at,
		"updated_at":     at,
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": token}, update)
	if err != nil {
		return fmt.Errorf("failed to disable device token: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
