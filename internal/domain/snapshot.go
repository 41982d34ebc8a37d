package domain

import (
	"context"
	"time"
)

// Snapshot is the canonical provider view of one purchase token.
type Snapshot struct {
	State      SubscriptionState `json:"subscriptionState"`
	StartTime  *time.Time        `json:"startTime,omitempty"`
	EndTime    *time.Time        `json:"expiryTime,omitempty"`
	RegionCode string            `json:"regionCode,omitempty"`
	AccountID  string            `json:"-"`
}

// BillingProvider queries the external billing system for a purchase token.
// Implementations return *ProviderError on failure and never touch storage.
type BillingProvider interface {
	FetchSubscription(ctx context.Context, packageName, purchaseToken string) (*Snapshot, error)
}

// ShouldProject reports whether a write changed anything the user projection
// depends on. A nil before (first sighting) is always relevant.
func ShouldProject(before, after *PlaySubscription) bool {
	if after == nil {
		return false
	}
	if before == nil {
		return true
	}
	return before.IsActive != after.IsActive ||
		!sameInstant(before.ExpiryTime, after.ExpiryTime) ||
		before.State != after.State ||
		before.RegionCode != after.RegionCode ||
		before.NotificationType != after.NotificationType
}

// NeedsProjection is ShouldProject plus any earlier relevant write whose
// projection never completed.
func NeedsProjection(before, after *PlaySubscription) bool {
	return ShouldProject(before, after) || after.ProjectionPending()
}

// StampProjectionDue marks after as owing a projection when the write is
// relevant. after.Revision must already hold the new revision.
func StampProjectionDue(before, after *PlaySubscription) {
	if ShouldProject(before, after) {
		after.ProjectionDue = after.Revision
	}
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
