package domain

import (
	"context"
	"time"
)

// SubscriptionState is the provider lifecycle state, passed through verbatim.
type SubscriptionState string

const (
	StateUnspecified             SubscriptionState = "SUBSCRIPTION_STATE_UNSPECIFIED"
	StatePending                 SubscriptionState = "SUBSCRIPTION_STATE_PENDING"
	StateActive                  SubscriptionState = "SUBSCRIPTION_STATE_ACTIVE"
	StatePaused                  SubscriptionState = "SUBSCRIPTION_STATE_PAUSED"
	StateInGracePeriod           SubscriptionState = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	StateOnHold                  SubscriptionState = "SUBSCRIPTION_STATE_ON_HOLD"
	StateCanceled                SubscriptionState = "SUBSCRIPTION_STATE_CANCELED"
	StateExpired                 SubscriptionState = "SUBSCRIPTION_STATE_EXPIRED"
	StatePendingPurchaseCanceled SubscriptionState = "SUBSCRIPTION_STATE_PENDING_PURCHASE_CANCELED"
)

// PlaySubscription is the per purchase token record. Provider derived fields
// (state, window, region, linked account) are written only by the reconciler;
// OwnerUID only by identity resolution.
type PlaySubscription struct {
	PurchaseToken    string            `bson:"_id" json:"purchaseToken"`
	PackageName      string            `bson:"package_name" json:"packageName"`
	SubscriptionID   string            `bson:"subscription_id,omitempty" json:"subscriptionId,omitempty"`
	OwnerUID         string            `bson:"owner_uid,omitempty" json:"uid,omitempty"`
	State            SubscriptionState `bson:"state" json:"subscriptionState"`
	StartTime        *time.Time        `bson:"start_time,omitempty" json:"startTime,omitempty"`
	ExpiryTime       *time.Time        `bson:"expiry_time,omitempty" json:"expiryTime,omitempty"`
	IsActive         bool              `bson:"is_active" json:"isActive"`
	RegionCode       string            `bson:"region_code,omitempty" json:"regionCode,omitempty"`
	LinkedAccountID  string            `bson:"linked_account_id,omitempty" json:"-"`
	NotificationType NotificationType  `bson:"notification_type,omitempty" json:"notificationType,omitempty"`
	EventTime        *time.Time        `bson:"event_time,omitempty" json:"eventTime,omitempty"`
	Source           string            `bson:"source,omitempty" json:"source,omitempty"`
	LastFetchAt      *time.Time        `bson:"last_fetch_at,omitempty" json:"lastFetchAt,omitempty"`
	LastEventAt      *time.Time        `bson:"last_event_at,omitempty" json:"lastEventAt,omitempty"`
	LastSweepAt      *time.Time        `bson:"last_sweep_at,omitempty" json:"-"`
	CreatedAt        time.Time         `bson:"created_at" json:"-"`
	UpdatedAt        time.Time         `bson:"updated_at" json:"-"`
	Revision         int64             `bson:"revision" json:"-"`
	// ProjectionDue is the revision of the last write the owner must see;
	// ProjectedRevision the highest one a projection has reached.
	ProjectionDue     int64 `bson:"projection_due,omitempty" json:"-"`
	ProjectedRevision int64 `bson:"projected_revision,omitempty" json:"-"`
}

// ProjectionPending reports whether a relevant write has not reached the
// owner yet, for example because the projection failed after the write.
func (s *PlaySubscription) ProjectionPending() bool {
	return s != nil && s.ProjectedRevision < s.ProjectionDue
}

// IsActiveAt is the single activity predicate: expiry must be set and strictly
// after now. There is no grace period.
func IsActiveAt(expiry *time.Time, now time.Time) bool {
	if expiry == nil || expiry.IsZero() {
		return false
	}
	return expiry.After(now)
}

// LineItem holds one billing line item's window in epoch milliseconds.
// Zero or negative means the provider did not report the value.
type LineItem struct {
	StartMillis int64
	EndMillis   int64
}

// Window is the governing subscription window.
type Window struct {
	Start *time.Time
	End   *time.Time
}

// PickWindow returns the union of all line item windows: earliest start and
// latest end. Upgrades and downgrades leave several line items behind.
func PickWindow(items []LineItem) Window {
	var start, end int64
	for _, li := range items {
		if li.StartMillis > 0 && (start == 0 || li.StartMillis < start) {
			start = li.StartMillis
		}
		if li.EndMillis > 0 && li.EndMillis > end {
			end = li.EndMillis
		}
	}
	return Window{Start: millisPtr(start), End: millisPtr(end)}
}

func millisPtr(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

// SubscriptionPatch carries the provider derived fields the reconciler merges
// into a PlaySubscription.
type SubscriptionPatch struct {
	PackageName string
	Snapshot    Snapshot
	Event       *EventMeta
	Source      string
	FetchedAt   time.Time
}

// EventMeta is the webhook context of an update, absent for verification calls.
type EventMeta struct {
	SubscriptionID   string
	NotificationType NotificationType
	EventTime        *time.Time
	ReceivedAt       time.Time
}

// MergePatch returns current with the patch applied, or a new record when
// current is nil. IsActive is always derived from the incoming expiry.
func MergePatch(current *PlaySubscription, token string, patch SubscriptionPatch) *PlaySubscription {
	next := &PlaySubscription{PurchaseToken: token, CreatedAt: patch.FetchedAt}
	if current != nil {
		cp := *current
		next = &cp
	}

	if patch.PackageName != "" {
		next.PackageName = patch.PackageName
	}
	next.State = patch.Snapshot.State
	next.StartTime = patch.Snapshot.StartTime
	next.ExpiryTime = patch.Snapshot.EndTime
	next.IsActive = IsActiveAt(patch.Snapshot.EndTime, patch.FetchedAt)
	next.RegionCode = patch.Snapshot.RegionCode
	if patch.Snapshot.AccountID != "" {
		next.LinkedAccountID = patch.Snapshot.AccountID
	}
	if patch.Source != "" {
		next.Source = patch.Source
	}

	fetched := patch.FetchedAt
	next.LastFetchAt = &fetched
	if ev := patch.Event; ev != nil {
		if ev.SubscriptionID != "" {
			next.SubscriptionID = ev.SubscriptionID
		}
		next.NotificationType = ev.NotificationType
		next.EventTime = ev.EventTime
		received := ev.ReceivedAt
		next.LastEventAt = &received
	}
	next.UpdatedAt = patch.FetchedAt
	return next
}

// SubscriptionRepository defines operations for managing purchase token records.
// Write methods return the record before and after the write; before is nil
// when the write created the record and after is nil when nothing was written.
type SubscriptionRepository interface {
	GetByToken(ctx context.Context, token string) (*PlaySubscription, error)
	ApplyPatch(ctx context.Context, token string, patch SubscriptionPatch) (before, after *PlaySubscription, err error)
	SetOwner(ctx context.Context, token, uid string) (before, after *PlaySubscription, err error)
	MarkSwept(ctx context.Context, token string, now time.Time) (before, after *PlaySubscription, err error)
	ListExpiredActive(ctx context.Context, now time.Time, limit int) ([]*PlaySubscription, error)
	ListUnownedByAccount(ctx context.Context, accountID string, limit int) ([]*PlaySubscription, error)
	// MarkProjected raises the projection watermark to due. It never lowers it
	// and is not announced as a subscription change.
	MarkProjected(ctx context.Context, token string, due int64) error
}
