package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAnnouncementRepository implements domain.AnnouncementRepository
type MongoAnnouncementRepository struct {
	collection *mongo.Collection
}

func NewMongoAnnouncementRepository(db *mongo.Database) *MongoAnnouncementRepository {
	return &MongoAnnouncementRepository{collection: db.Collection("announcements")}
}

func (r *MongoAnnouncementRepository) Create(ctx context.Context, a *domain.Announcement) error {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	if _, err := r.collection.InsertOne(ctx, a); err != nil {
		return fmt.Errorf("failed to create announcement: %w", err)
	}
	return nil
}

func (r *MongoAnnouncementRepository) GetByID(ctx context.Context, id string) (*domain.Announcement, error) {
	var a domain.Announcement
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get announcement: %w", err)
	}
	return &a, nil
}

func (r *MongoAnnouncementRepository) SetDeleted(ctx context.Context, id string, deleted bool, at time.Time) (*domain.Announcement, *domain.Announcement, error) {
	update := bson.M{"$set": bson.M{"is_deleted": deleted, "updated_at": at}}

	var before domain.Announcement
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	if err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&before); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil, domain.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to update announcement: %w", err)
	}

	after := before
	after.IsDeleted = deleted
	after.UpdatedAt = at
	return &before, &after, nil
}
