package domain

import (
	"context"
	"time"
)

// PurchaseLink associates a purchase token with the client that bought it.
type PurchaseLink struct {
	PurchaseToken string    `bson:"_id" json:"purchaseToken"`
	UID           string    `bson:"uid" json:"uid"`
	PackageName   string    `bson:"package_name,omitempty" json:"packageName,omitempty"`
	Email         string    `bson:"email,omitempty" json:"email,omitempty"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
	LastClientAt  time.Time `bson:"last_client_at" json:"lastClientAt"`
}

// AccountLink maps a provider obfuscated account id to a uid.
type AccountLink struct {
	AccountID    string    `bson:"_id" json:"accountId"`
	UID          string    `bson:"uid" json:"uid"`
	CreatedAt    time.Time `bson:"created_at" json:"createdAt"`
	LastClientAt time.Time `bson:"last_client_at" json:"lastClientAt"`
}

// Minimum identifier lengths accepted from clients
const (
	MinPurchaseTokenLength = 10
	MinAccountIDLength     = 6
)

// LinkRepository stores both identity association tables. Upserts keep the
// original created_at.
type LinkRepository interface {
	GetPurchaseLink(ctx context.Context, token string) (*PurchaseLink, error)
	UpsertPurchaseLink(ctx context.Context, link *PurchaseLink) (*PurchaseLink, error)
	GetAccountLink(ctx context.Context, accountID string) (*AccountLink, error)
	UpsertAccountLink(ctx context.Context, link *AccountLink) (*AccountLink, error)
}
