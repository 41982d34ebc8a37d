package repository

import (
	"context"
	"fmt"

	"github.com/alcalc/playsync/internal/domain"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoAuditRepository stores archived webhook payloads in rtdn_raw
type MongoAuditRepository struct {
	collection *mongo.Collection
}

func NewMongoAuditRepository(db *mongo.Database) *MongoAuditRepository {
	return &MongoAuditRepository{collection: db.Collection("rtdn_raw")}
}

func (r *MongoAuditRepository) Insert(ctx context.Context, ev *domain.RawEvent) error {
	if _, err := r.collection.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("failed to insert raw event: %w", err)
	}
	return nil
}
