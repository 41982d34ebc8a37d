package domain

import (
	"context"
	"time"
)

// DeviceToken is a push delivery target registered by a client.
type DeviceToken struct {
	Token         string     `bson:"_id" json:"token"`
	UID           string     `bson:"uid" json:"uid"`
	Platform      string     `bson:"platform,omitempty" json:"platform,omitempty"`
	Enabled       bool       `bson:"enabled" json:"enabled"`
	DisableReason string     `bson:"disable_reason,omitempty" json:"disableReason,omitempty"`
	DisabledAt    *time.Time `bson:"disabled_at,omitempty" json:"disabledAt,omitempty"`
	CreatedAt     time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `bson:"updated_at" json:"updatedAt"`
}

// DeviceTokenRepository defines operations for device tokens.
type DeviceTokenRepository interface {
	Upsert(ctx context.Context, token *DeviceToken) error
	ListEnabled(ctx context.Context, limit int) ([]*DeviceToken, error)
	Disable(ctx context.Context, token, reason string, at time.Time) error
}

// BroadcastRecipient is the allow-list sentinel meaning every user.
const BroadcastRecipient = "Todos"

// Announcement is an operator message pushed to active subscribers.
type Announcement struct {
	ID         string    `bson:"_id" json:"id"`
	Title      string    `bson:"title" json:"title"`
	Body       string    `bson:"body" json:"body"`
	Recipients []string  `bson:"recipients,omitempty" json:"recipients,omitempty"`
	IsDeleted  bool      `bson:"is_deleted" json:"isDeleted"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updatedAt"`
}

// IsBroadcast reports whether the allow-list is absent or holds the sentinel.
func (a *Announcement) IsBroadcast() bool {
	if len(a.Recipients) == 0 {
		return true
	}
	for _, r := range a.Recipients {
		if r == BroadcastRecipient {
			return true
		}
	}
	return false
}

// ShouldFanOut is true when an announcement becomes visible: created visible,
// or restored from soft-deleted.
func ShouldFanOut(before, after *Announcement) bool {
	if after == nil || after.IsDeleted {
		return false
	}
	return before == nil || before.IsDeleted
}

// AnnouncementRepository defines operations for announcements.
type AnnouncementRepository interface {
	Create(ctx context.Context, a *Announcement) error
	GetByID(ctx context.Context, id string) (*Announcement, error)
	SetDeleted(ctx context.Context, id string, deleted bool, at time.Time) (before, after *Announcement, err error)
}

// PushMessage is one multicast delivery request.
type PushMessage struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

// PushResult aggregates per recipient outcomes of one multicast call.
// ErrorCodes is indexed like the request tokens; empty strings are successes.
type PushResult struct {
	SuccessCount int
	FailureCount int
	ErrorCodes   []string
}

// Push error codes that mean the token will never be deliverable again.
const (
	PushErrUnregistered = "messaging/registration-token-not-registered"
	PushErrInvalidToken = "messaging/invalid-registration-token"
)

// PushSender delivers multicast notifications.
type PushSender interface {
	SendMulticast(ctx context.Context, msg *PushMessage) (*PushResult, error)
}
