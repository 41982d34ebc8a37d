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

// MongoAffiliateRepository implements domain.AffiliateRepository. Subscriber
// writes and counter adjustments share one transaction, which needs a
// replica set deployment.
type MongoAffiliateRepository struct {
	client      *mongo.Client
	codes       *mongo.Collection
	affiliates  *mongo.Collection
	subscribers *mongo.Collection
	inputs      *mongo.Collection
}

func NewMongoAffiliateRepository(db *mongo.Database) *MongoAffiliateRepository {
	subscribers := db.Collection("affiliate_subscribers")
	inputs := db.Collection("affiliate_inputs")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = subscribers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "affiliate_id", Value: 1}, {Key: "uid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	_, _ = inputs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "affiliate_id", Value: 1}, {Key: "uid", Value: 1}},
		Options: options.Index().SetUnique(true),
	})

	return &MongoAffiliateRepository{
		client:      db.Client(),
		codes:       db.Collection("affiliate_codes"),
		affiliates:  db.Collection("affiliates"),
		subscribers: subscribers,
		inputs:      inputs,
	}
}

func (r *MongoAffiliateRepository) GetCode(ctx context.Context, code string) (*domain.AffiliateCode, error) {
	var ac domain.AffiliateCode
	if err := r.codes.FindOne(ctx, bson.M{"_id": code}).Decode(&ac); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get affiliate code: %w", err)
	}
	return &ac, nil
}

func (r *MongoAffiliateRepository) GetAffiliate(ctx context.Context, affiliateID string) (*domain.Affiliate, error) {
	var a domain.Affiliate
	if err := r.affiliates.FindOne(ctx, bson.M{"_id": affiliateID}).Decode(&a); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get affiliate: %w", err)
	}
	return &a, nil
}

// Initialize writes the code and the affiliate with a zero counter
func (r *MongoAffiliateRepository) Initialize(ctx context.Context, code *domain.AffiliateCode, affiliate *domain.Affiliate) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := r.codes.ReplaceOne(ctx, bson.M{"_id": code.Code}, code, opts); err != nil {
		return fmt.Errorf("failed to create affiliate code: %w", err)
	}
	if _, err := r.affiliates.ReplaceOne(ctx, bson.M{"_id": affiliate.ID}, affiliate, opts); err != nil {
		return fmt.Errorf("failed to create affiliate: %w", err)
	}
	return nil
}

func (r *MongoAffiliateRepository) RecordInput(ctx context.Context, input *domain.AffiliateInput) error {
	filter := bson.M{"affiliate_id": input.AffiliateID, "uid": input.UID}
	if _, err := r.inputs.ReplaceOne(ctx, filter, input, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to record affiliate input: %w", err)
	}
	return nil
}

func (r *MongoAffiliateRepository) GetSubscriber(ctx context.Context, affiliateID, uid string) (*domain.AffiliateSubscriber, error) {
	var s domain.AffiliateSubscriber
	filter := bson.M{"affiliate_id": affiliateID, "uid": uid}
	if err := r.subscribers.FindOne(ctx, filter).Decode(&s); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get affiliate subscriber: %w", err)
	}
	return &s, nil
}

// UpdateSubscriber reads the subscriber, lets fn decide, and writes the
// subscriber plus the $inc on the affiliate counter in one transaction.
// UpdateSubscriber runs fn and the counter adjustment in one transaction. A
// concurrent first insert of the same subscriber surfaces as a duplicate key;
// the mutation is then re-run against the committed document.
func (r *MongoAffiliateRepository) UpdateSubscriber(ctx context.Context, affiliateID, uid string, fn domain.SubscriberMutation) (int, error) {
	var err error
	for attempt := 0; attempt < maxRevisionRetries; attempt++ {
		var delta int
		delta, err = r.updateSubscriber(ctx, affiliateID, uid, fn)
		if !mongo.IsDuplicateKeyError(err) {
			return delta, err
		}
	}
	return 0, err
}

func (r *MongoAffiliateRepository) updateSubscriber(ctx context.Context, affiliateID, uid string, fn domain.SubscriberMutation) (int, error) {
	session, err := r.client.StartSession()
	if err != nil {
		return 0, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	filter := bson.M{"affiliate_id": affiliateID, "uid": uid}

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var current *domain.AffiliateSubscriber
		var found domain.AffiliateSubscriber
		err := r.subscribers.FindOne(sc, filter).Decode(&found)
		switch {
		case err == nil:
			current = &found
		case err != mongo.ErrNoDocuments:
			return 0, fmt.Errorf("failed to read affiliate subscriber: %w", err)
		}

		next, delta, err := fn(current)
		if err != nil {
			return 0, err
		}
		if next == nil {
			return 0, nil
		}

		next.AffiliateID = affiliateID
		next.UID = uid
		if _, err := r.subscribers.ReplaceOne(sc, filter, next, options.Replace().SetUpsert(true)); err != nil {
			return 0, fmt.Errorf("failed to write affiliate subscriber: %w", err)
		}

		if delta != 0 {
			res, err := r.affiliates.UpdateOne(sc, bson.M{"_id": affiliateID}, bson.M{
				"$inc": bson.M{"active_subscribers": delta},
			})
			if err != nil {
				return 0, fmt.Errorf("failed to adjust affiliate counter: %w", err)
			}
			if res.MatchedCount == 0 {
				return 0, domain.ErrNotFound
			}
		}
		return delta, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (r *MongoAffiliateRepository) ListSubscribers(ctx context.Context, affiliateID string) ([]*domain.AffiliateSubscriber, error) {
	cursor, err := r.subscribers.Find(ctx, bson.M{"affiliate_id": affiliateID})
	if err != nil {
		return nil, fmt.Errorf("failed to list affiliate subscribers: %w", err)
	}
	defer cursor.Close(ctx)

	var subs []*domain.AffiliateSubscriber
	for cursor.Next(ctx) {
		var s domain.AffiliateSubscriber
		if err := cursor.Decode(&s); err != nil {
			return nil, err
		}
		subs = append(subs, &s)
	}
	return subs, cursor.Err()
}
