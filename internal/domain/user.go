package domain

import (
	"context"
	"time"
)

// Subscription status values projected onto users
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// User is the per identity record. SubscriptionStatus is a projection of the
// most recently reconciled PlaySubscription owned by the user.
type User struct {
	UID                 string         `bson:"_id" json:"uid"`
	Email               string         `bson:"email,omitempty" json:"email,omitempty"`
	SubscriptionStatus  string         `bson:"subscription_status,omitempty" json:"subscriptionStatus"`
	StartTime           *time.Time     `bson:"start_time,omitempty" json:"startTime,omitempty"`
	ExpiryTime          *time.Time     `bson:"expiry_time,omitempty" json:"expiryTime,omitempty"`
	LastProviderState   *ProviderState `bson:"last_provider_state,omitempty" json:"lastProviderState,omitempty"`
	AffiliateCode       string         `bson:"affiliate_code,omitempty" json:"affiliateCode,omitempty"`
	AffiliateCodeUsedAt *time.Time     `bson:"affiliate_code_used_at,omitempty" json:"affiliateCodeUsedAt,omitempty"`
	UpdatedAt           time.Time      `bson:"updated_at" json:"updatedAt"`
}

// ProviderState is the canonical source for affiliate and stats tracking.
type ProviderState struct {
	State            SubscriptionState `bson:"state" json:"subscriptionState"`
	NotificationType NotificationType  `bson:"notification_type,omitempty" json:"notificationType,omitempty"`
	RegionCode       string            `bson:"region_code,omitempty" json:"regionCode,omitempty"`
}

// ProviderStateOf returns the nested provider state, or "" when never projected.
func (u *User) ProviderStateOf() SubscriptionState {
	if u == nil || u.LastProviderState == nil {
		return ""
	}
	return u.LastProviderState.State
}

// UserProjection is the patch written onto a user by the reconciler.
type UserProjection struct {
	SubscriptionStatus string
	StartTime          *time.Time
	ExpiryTime         *time.Time
	LastProviderState  ProviderState
}

// ProjectionFor derives the user projection of a subscription record. The
// status is recomputed from expiry so it can never disagree with the record.
func ProjectionFor(sub *PlaySubscription, now time.Time) UserProjection {
	status := StatusInactive
	if IsActiveAt(sub.ExpiryTime, now) {
		status = StatusActive
	}
	return UserProjection{
		SubscriptionStatus: status,
		StartTime:          sub.StartTime,
		ExpiryTime:         sub.ExpiryTime,
		LastProviderState: ProviderState{
			State:            sub.State,
			NotificationType: sub.NotificationType,
			RegionCode:       sub.RegionCode,
		},
	}
}

// UserRepository defines operations for managing users.
// Write methods return the document before and after the write.
type UserRepository interface {
	GetByID(ctx context.Context, uid string) (*User, error)
	ApplyProjection(ctx context.Context, uid string, p UserProjection) (before, after *User, err error)
	SetEmail(ctx context.Context, uid, email string) (before, after *User, err error)
	// SetAffiliateCode fails with ErrAffiliateCodeAlreadySet when a code is present.
	SetAffiliateCode(ctx context.Context, uid, code string, at time.Time) (before, after *User, err error)
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*User, error)
	MarkInactive(ctx context.Context, uids []string, now time.Time) (int64, error)
	ListProviderActive(ctx context.Context) ([]*User, error)
}
