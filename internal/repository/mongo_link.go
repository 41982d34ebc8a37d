package repository

import (
	"context"
	"fmt"

	"github.com/alcalc/playsync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoLinkRepository implements domain.LinkRepository over the
// purchase_links and account_links collections.
type MongoLinkRepository struct {
	purchaseLinks *mongo.Collection
	accountLinks  *mongo.Collection
}

func NewMongoLinkRepository(db *mongo.Database) *MongoLinkRepository {
	return &MongoLinkRepository{
		purchaseLinks: db.Collection("purchase_links"),
		accountLinks:  db.Collection("account_links"),
	}
}

func (r *MongoLinkRepository) GetPurchaseLink(ctx context.Context, token string) (*domain.PurchaseLink, error) {
	var link domain.PurchaseLink
	if err := r.purchaseLinks.FindOne(ctx, bson.M{"_id": token}).Decode(&link); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get purchase link: %w", err)
	}
	return &link, nil
}

// UpsertPurchaseLink merges the link, keeping the original created_at
func (r *MongoLinkRepository) UpsertPurchaseLink(ctx context.Context, link *domain.PurchaseLink) (*domain.PurchaseLink, error) {
	set := bson.M{
		"uid":            link.UID,
		"last_client_at": link.LastClientAt,
	}
	if link.PackageName != "" {
		set["package_name"] = link.PackageName
	}
	if link.Email != "" {
		set["email"] = link.Email
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"created_at": link.CreatedAt},
	}

	var stored domain.PurchaseLink
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	if err := r.purchaseLinks.FindOneAndUpdate(ctx, bson.M{"_id": link.PurchaseToken}, update, opts).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to upsert purchase link: %w", err)
	}
	return &stored, nil
}

func (r *MongoLinkRepository) GetAccountLink(ctx context.Context, accountID string) (*domain.AccountLink, error) {
	var link domain.AccountLink
	if err := r.accountLinks.FindOne(ctx, bson.M{"_id": accountID}).Decode(&link); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account link: %w", err)
	}
	return &link, nil
}

// UpsertAccountLink merges the link, keeping the original created_at
func (r *MongoLinkRepository) UpsertAccountLink(ctx context.Context, link *domain.AccountLink) (*domain.AccountLink, error) {
	update := bson.M{
		"$set": bson.M{
			"uid":            link.UID,
			"last_client_at": link.LastClientAt,
		},
		"$setOnInsert": bson.M{"created_at": link.CreatedAt},
	}

	var stored domain.AccountLink
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	if err := r.accountLinks.FindOneAndUpdate(ctx, bson.M{"_id": link.AccountID}, update, opts).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to upsert account link: %w", err)
	}
	return &stored, nil
}
