package domain

import (
	"context"
	"time"
)

// AffiliateCode is a redeemable code pointing at an affiliate.
type AffiliateCode struct {
	Code          string    `bson:"_id" json:"code"`
	AffiliateID   string    `bson:"affiliate_id" json:"affiliateId"`
	AffiliateName string    `bson:"affiliate_name" json:"affiliateName"`
	IsActive      bool      `bson:"is_active" json:"isActive"`
	CreatedAt     time.Time `bson:"created_at" json:"createdAt"`
}

// Affiliate is the aggregate document holding the active subscriber counter.
type Affiliate struct {
	ID                string    `bson:"_id" json:"affiliateId"`
	Code              string    `bson:"code" json:"code"`
	Name              string    `bson:"name" json:"name"`
	IsActive          bool      `bson:"is_active" json:"isActive"`
	ActiveSubscribers int       `bson:"active_subscribers" json:"activeSubscribers"`
	CreatedAt         time.Time `bson:"created_at" json:"createdAt"`
}

// AffiliateSubscriber tracks one user's activation lineage under an affiliate.
type AffiliateSubscriber struct {
	AffiliateID      string     `bson:"affiliate_id" json:"affiliateId"`
	UID              string     `bson:"uid" json:"uid"`
	Email            string     `bson:"email,omitempty" json:"email,omitempty"`
	IsActive         bool       `bson:"is_active" json:"isActive"`
	HasEverCancelled bool       `bson:"has_ever_cancelled" json:"hasEverCancelled"`
	Credited         bool       `bson:"credited" json:"credited"` // included in ActiveSubscribers
	FirstPaymentDate *time.Time `bson:"first_payment_date,omitempty" json:"firstPaymentDate,omitempty"`
	CancelledAt      *time.Time `bson:"cancelled_at,omitempty" json:"cancelledAt,omitempty"`
	UpdatedAt        time.Time  `bson:"updated_at" json:"updatedAt"`
}

// AffiliateInput records a code redemption.
type AffiliateInput struct {
	AffiliateID string    `bson:"affiliate_id" json:"affiliateId"`
	UID         string    `bson:"uid" json:"uid"`
	Email       string    `bson:"email,omitempty" json:"email,omitempty"`
	Code        string    `bson:"code" json:"code"`
	UsedAt      time.Time `bson:"used_at" json:"usedAt"`
}

// SubscriberMutation computes the next subscriber document and the counter
// delta from the current one (nil when absent). Returning nil skips the write.
type SubscriberMutation func(current *AffiliateSubscriber) (next *AffiliateSubscriber, delta int, err error)

// AffiliateRepository defines operations for affiliate codes and counters.
type AffiliateRepository interface {
	GetCode(ctx context.Context, code string) (*AffiliateCode, error)
	GetAffiliate(ctx context.Context, affiliateID string) (*Affiliate, error)
	Initialize(ctx context.Context, code *AffiliateCode, affiliate *Affiliate) error
	RecordInput(ctx context.Context, input *AffiliateInput) error
	GetSubscriber(ctx context.Context, affiliateID, uid string) (*AffiliateSubscriber, error)
	// UpdateSubscriber runs fn against the current subscriber and applies the
	// subscriber write and the counter delta atomically.
	UpdateSubscriber(ctx context.Context, affiliateID, uid string, fn SubscriberMutation) (delta int, err error)
	ListSubscribers(ctx context.Context, affiliateID string) ([]*AffiliateSubscriber, error)
}

// deactivatingStates move a subscriber out of the active count when entered from ACTIVE.
var deactivatingStates = map[SubscriptionState]bool{
	StateCanceled: true,
	StateExpired:  true,
	StateOnHold:   true,
	StatePaused:   true,
	StatePending:  true,
}

// DecideAffiliateTransition applies the counting rules for a provider state
// change to the current subscriber document.
//
// Entering ACTIVE creates the subscriber (+1), reactivates a never-cancelled
// one (+1), or reactivates a cancelled one without credit. Leaving ACTIVE for a
// deactivating state marks an active subscriber cancelled, with -1 only when
// it was credited. Anything else is a no-op with a nil next document. The
// counter therefore always equals the number of credited subscribers.
func DecideAffiliateTransition(before, after SubscriptionState, current *AffiliateSubscriber, now time.Time) (*AffiliateSubscriber, int) {
	if before == after {
		return nil, 0
	}

	if after == StateActive {
		if current == nil {
			return &AffiliateSubscriber{
				IsActive:         true,
				HasEverCancelled: false,
				Credited:         true,
				FirstPaymentDate: &now,
				UpdatedAt:        now,
			}, 1
		}
		next := *current
		next.IsActive = true
		next.UpdatedAt = now
		// A cancelled subscriber is never credited again. One that is already
		// credited was counted on its first activation; counting it again
		// (a redelivered or concurrent ACTIVE) would push the counter past
		// the number of credited subscribers.
		if current.HasEverCancelled || current.Credited {
			return &next, 0
		}
		next.Credited = true
		return &next, 1
	}

	if before == StateActive && deactivatingStates[after] {
		if current == nil || !current.IsActive {
			return nil, 0
		}
		next := *current
		next.IsActive = false
		next.HasEverCancelled = true
		next.CancelledAt = &now
		next.UpdatedAt = now
		if !current.Credited {
			return &next, 0
		}
		next.Credited = false
		return &next, -1
	}

	return nil, 0
}
