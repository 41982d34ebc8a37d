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

const subscriberStatsID = "active_subscribers"

// MongoStatsRepository maintains the singleton subscriber stats document
type MongoStatsRepository struct {
	collection *mongo.Collection
}

func NewMongoStatsRepository(db *mongo.Database) *MongoStatsRepository {
	return &MongoStatsRepository{collection: db.Collection("stats")}
}

func (r *MongoStatsRepository) Get(ctx context.Context) (*domain.SubscriberStats, error) {
	var stats domain.SubscriberStats
	if err := r.collection.FindOne(ctx, bson.M{"_id": subscriberStatsID}).Decode(&stats); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &stats, nil
}

// Adjust applies one ±1 delta with the matching email set operation
func (r *MongoStatsRepository) Adjust(ctx context.Context, d domain.StatsDelta, at time.Time) error {
	inc := 1
	emailOp := bson.M{"$addToSet": bson.M{"emails": d.Email}}
	if !d.Add {
		inc = -1
		emailOp = bson.M{"$pull": bson.M{"emails": d.Email}}
	}

	update := bson.M{
		"$inc": bson.M{"count": inc},
		"$set": bson.M{"updated_at": at},
	}
	for k, v := range emailOp {
		update[k] = v
	}

	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": subscriberStatsID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to adjust stats: %w", err)
	}
	return nil
}

// Replace overwrites the document from a full scan
func (r *MongoStatsRepository) Replace(ctx context.Context, emails []string, at time.Time) error {
	if emails == nil {
		emails = []string{}
	}
	update := bson.M{"$set": bson.M{
		"count":            len(emails),
		"emails":           emails,
		"updated_at":       at,
		"last_manual_sync": at,
	}}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": subscriberStatsID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to replace stats: %w", err)
	}
	return nil
}
