package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// maxRevisionRetries bounds optimistic write retries on concurrent updates.
const maxRevisionRetries = 5

var errRevisionConflict = errors.New("revision conflict")

// MongoSubscriptionRepository implements domain.SubscriptionRepository over the
// play_subscriptions collection. Every write is a compare-and-swap on the
// document revision so callers always get an exact before/after pair.
type MongoSubscriptionRepository struct {
	collection *mongo.Collection
}

// NewMongoSubscriptionRepository creates a new subscription repository
func NewMongoSubscriptionRepository(db *mongo.Database) *MongoSubscriptionRepository {
	coll := db.Collection("play_subscriptions")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Sweeper and account backfill queries
	_, _ = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "expiry_time", Value: 1}}},
		{Keys: bson.D{{Key: "linked_account_id", Value: 1}}},
	})

	return &MongoSubscriptionRepository{
		collection: coll,
	}
}

func (r *MongoSubscriptionRepository) GetByToken(ctx context.Context, token string) (*domain.PlaySubscription, error) {
	var sub domain.PlaySubscription
	if err := r.collection.FindOne(ctx, bson.M{"_id": token}).Decode(&sub); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (r *MongoSubscriptionRepository) ApplyPatch(ctx context.Context, token string, patch domain.SubscriptionPatch) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	return r.mutate(ctx, token, true, func(cur *domain.PlaySubscription) *domain.PlaySubscription {
		return domain.MergePatch(cur, token, patch)
	})
}

func (r *MongoSubscriptionRepository) SetOwner(ctx context.Context, token, uid string) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	now := time.Now().UTC()
	return r.mutate(ctx, token, false, func(cur *domain.PlaySubscription) *domain.PlaySubscription {
		if cur.OwnerUID == uid {
			return nil
		}
		next := *cur
		next.OwnerUID = uid
		next.UpdatedAt = now
		return &next
	})
}

func (r *MongoSubscriptionRepository) MarkSwept(ctx context.Context, token string, now time.Time) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	return r.mutate(ctx, token, false, func(cur *domain.PlaySubscription) *domain.PlaySubscription {
		// Re-check: a webhook may have renewed the record since it was listed.
		if !cur.IsActive || domain.IsActiveAt(cur.ExpiryTime, now) {
			return nil
		}
		next := *cur
		next.IsActive = false
		next.LastSweepAt = &now
		next.UpdatedAt = now
		return &next
	})
}

func (r *MongoSubscriptionRepository) MarkProjected(ctx context.Context, token string, due int64) error {
	_, _, err := r.mutate(ctx, token, false, func(cur *domain.PlaySubscription) *domain.PlaySubscription {
		if cur.ProjectedRevision >= due {
			return nil
		}
		next := *cur
		next.ProjectedRevision = due
		return &next
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (r *MongoSubscriptionRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*domain.PlaySubscription, error) {
	filter := bson.M{
		"is_active":   true,
		"expiry_time": bson.M{"$lte": now},
	}
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "expiry_time", Value: 1}})
	return r.find(ctx, filter, opts)
}

func (r *MongoSubscriptionRepository) ListUnownedByAccount(ctx context.Context, accountID string, limit int) ([]*domain.PlaySubscription, error) {
	filter := bson.M{
		"linked_account_id": accountID,
		"$or": bson.A{
			bson.M{"owner_uid": bson.M{"$exists": false}},
			bson.M{"owner_uid": ""},
		},
	}
	return r.find(ctx, filter, options.Find().SetLimit(int64(limit)))
}

func (r *MongoSubscriptionRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.PlaySubscription, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer cursor.Close(ctx)

	var subs []*domain.PlaySubscription
	for cursor.Next(ctx) {
		var sub domain.PlaySubscription
		if err := cursor.Decode(&sub); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, cursor.Err()
}

// mutate reads the current record, derives the next one and swaps it in if
// the revision is unchanged. fn returning nil means nothing to write.
func (r *MongoSubscriptionRepository) mutate(ctx context.Context, token string, create bool, fn func(cur *domain.PlaySubscription) *domain.PlaySubscription) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	for attempt := 0; attempt < maxRevisionRetries; attempt++ {
		before, err := r.GetByToken(ctx, token)
		if err != nil && err != domain.ErrNotFound {
			return nil, nil, err
		}
		if before == nil && !create {
			return nil, nil, domain.ErrNotFound
		}

		after := fn(before)
		if after == nil {
			return before, nil, nil
		}

		err = r.swap(ctx, before, after)
		if errors.Is(err, errRevisionConflict) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return before, after, nil
	}
	return nil, nil, fmt.Errorf("failed to update subscription %s: %w", token, errRevisionConflict)
}

func (r *MongoSubscriptionRepository) swap(ctx context.Context, before, after *domain.PlaySubscription) error {
	if before == nil {
		after.Revision = 1
		domain.StampProjectionDue(nil, after)
		if _, err := r.collection.InsertOne(ctx, after); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return errRevisionConflict
			}
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	}

	after.Revision = before.Revision + 1
	domain.StampProjectionDue(before, after)
	filter := bson.M{"_id": before.PurchaseToken, "revision": before.Revision}
	if before.Revision == 0 {
		// Records written before revisions existed
		filter["revision"] = bson.M{"$in": bson.A{0, nil}}
	}
	result, err := r.collection.ReplaceOne(ctx, filter, after)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if result.MatchedCount == 0 {
		return errRevisionConflict
	}
	return nil
}
