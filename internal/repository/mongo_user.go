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

// MongoUserRepository implements domain.UserRepository. Users are keyed by
// Firebase uid.
type MongoUserRepository struct {
	collection *mongo.Collection
}

func NewMongoUserRepository(db *mongo.Database) *MongoUserRepository {
	coll := db.Collection("users")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "subscription_status", Value: 1}, {Key: "expiry_time", Value: 1}}},
		{Keys: bson.D{{Key: "last_provider_state.state", Value: 1}}},
	})

	return &MongoUserRepository{
		collection: coll,
	}
}

func (r *MongoUserRepository) GetByID(ctx context.Context, uid string) (*domain.User, error) {
	var user domain.User
	if err := r.collection.FindOne(ctx, bson.M{"_id": uid}).Decode(&user); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (r *MongoUserRepository) ApplyProjection(ctx context.Context, uid string, p domain.UserProjection) (*domain.User, *domain.User, error) {
	now := time.Now().UTC()
	state := p.LastProviderState

	set := bson.M{
		"subscription_status": p.SubscriptionStatus,
		"last_provider_state": state,
		"updated_at":          now,
	}
	unset := bson.M{}
	if p.ExpiryTime != nil {
		set["expiry_time"] = p.ExpiryTime
	} else {
		unset["expiry_time"] = ""
	}
	if p.StartTime != nil {
		set["start_time"] = p.StartTime
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	before, err := r.findAndUpsert(ctx, uid, update)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to project subscription onto user: %w", err)
	}

	after := copyUser(before, uid)
	after.SubscriptionStatus = p.SubscriptionStatus
	after.LastProviderState = &state
	after.ExpiryTime = p.ExpiryTime
	if p.StartTime != nil {
		after.StartTime = p.StartTime
	}
	after.UpdatedAt = now
	return before, after, nil
}

func (r *MongoUserRepository) SetEmail(ctx context.Context, uid, email string) (*domain.User, *domain.User, error) {
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{"email": email, "updated_at": now}}

	before, err := r.findAndUpsert(ctx, uid, update)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set user email: %w", err)
	}

	after := copyUser(before, uid)
	after.Email = email
	after.UpdatedAt = now
	return before, after, nil
}

func (r *MongoUserRepository) SetAffiliateCode(ctx context.Context, uid, code string, at time.Time) (*domain.User, *domain.User, error) {
	filter := bson.M{
		"_id":            uid,
		"affiliate_code": bson.M{"$in": bson.A{nil, ""}},
	}
	update := bson.M{"$set": bson.M{
		"affiliate_code":         code,
		"affiliate_code_used_at": at,
		"updated_at":             at,
	}}

	var before domain.User
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	if err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before); err != nil {
		if err != mongo.ErrNoDocuments {
			return nil, nil, fmt.Errorf("failed to set affiliate code: %w", err)
		}
		if _, getErr := r.GetByID(ctx, uid); getErr != nil {
			return nil, nil, getErr
		}
		return nil, nil, domain.ErrAffiliateCodeAlreadySet
	}

	after := copyUser(&before, uid)
	after.AffiliateCode = code
	after.AffiliateCodeUsedAt = &at
	after.UpdatedAt = at
	return &before, after, nil
}

func (r *MongoUserRepository) ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*domain.User, error) {
	filter := expiredActiveUserFilter(now)
	opts := options.Find().SetLimit(int64(limit)).SetProjection(bson.M{"_id": 1})
	return r.find(ctx, filter, opts)
}

// MarkInactive flips the given users that still match the expiry condition.
func (r *MongoUserRepository) MarkInactive(ctx context.Context, uids []string, now time.Time) (int64, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	filter := expiredActiveUserFilter(now)
	filter["_id"] = bson.M{"$in": uids}

	update := bson.M{"$set": bson.M{
		"subscription_status": domain.StatusInactive,
		"updated_at":          now,
	}}
	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to mark users inactive: %w", err)
	}
	return result.ModifiedCount, nil
}

func (r *MongoUserRepository) ListProviderActive(ctx context.Context) ([]*domain.User, error) {
	filter := bson.M{"last_provider_state.state": domain.StateActive}
	return r.find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1, "email": 1, "last_provider_state": 1}))
}

func (r *MongoUserRepository) findAndUpsert(ctx context.Context, uid string, update bson.M) (*domain.User, error) {
	var before domain.User
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": uid}, update, opts).Decode(&before)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &before, nil
}

func (r *MongoUserRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.User, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*domain.User
	for cursor.Next(ctx) {
		var user domain.User
		if err := cursor.Decode(&user); err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, cursor.Err()
}

func expiredActiveUserFilter(now time.Time) bson.M {
	return bson.M{
		"subscription_status": domain.StatusActive,
		"expiry_time":         bson.M{"$lte": now},
	}
}

func copyUser(u *domain.User, uid string) *domain.User {
	if u == nil {
		return &domain.User{UID: uid}
	}
	cp := *u
	if u.LastProviderState != nil {
		state := *u.LastProviderState
		cp.LastProviderState = &state
	}
	return &cp
}
