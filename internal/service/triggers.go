package service

import (
	"context"
	"errors"
	"log"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/trigger"
)

// Projection paths, used as metric labels
const (
	PathMirror          = "mirror"
	PathBackfill        = "backfill"
	PathAccountBackfill = "account_backfill"
	PathVerify          = "verify"
)

// accountBackfillLimit bounds how many owner-less records one account link converges
const accountBackfillLimit = 100

// Mirror re-projects a subscription record onto its owner after any write.
// It is the convergence path: writers without identity still end up projected,
// and a record whose projection failed is projected again on its next write.
type Mirror struct {
	resolver   *IdentityResolver
	reconciler *Reconciler
}

// NewMirror creates a new mirror trigger
func NewMirror(resolver *IdentityResolver, reconciler *Reconciler) *Mirror {
	return &Mirror{resolver: resolver, reconciler: reconciler}
}

// OnSubscriptionChange handles one record write.
func (m *Mirror) OnSubscriptionChange(ctx context.Context, ev trigger.SubscriptionChange) error {
	if !domain.NeedsProjection(ev.Before, ev.After) {
		return nil
	}
	sub := ev.After

	uid := sub.OwnerUID
	if uid == "" {
		resolved, err := m.resolver.ResolveUID(ctx, sub.PurchaseToken, sub.LinkedAccountID)
		if err != nil {
			return err
		}
		if resolved == "" {
			log.Printf("[Mirror] No identity yet for token %s, projection deferred", tokenPrefix(sub.PurchaseToken))
			return nil
		}
		uid = resolved

		// Writing the owner back is itself announced and may already have
		// projected the record.
		fresh, err := m.resolver.subs.GetByToken(ctx, sub.PurchaseToken)
		if err != nil {
			return err
		}
		if !fresh.ProjectionPending() {
			return nil
		}
		sub = fresh
	}

	_, err := m.reconciler.Project(ctx, uid, sub, PathMirror)
	return err
}

// Backfill closes the race where the webhook lands before the client links
// its purchase token.
type Backfill struct {
	subs       domain.SubscriptionRepository
	reconciler *Reconciler
	publisher  trigger.Publisher
}

// NewBackfill creates a new backfill trigger
func NewBackfill(subs domain.SubscriptionRepository, reconciler *Reconciler, publisher trigger.Publisher) *Backfill {
	return &Backfill{subs: subs, reconciler: reconciler, publisher: publisher}
}

// OnPurchaseLinkChange sets the owner on an existing record and projects it.
func (b *Backfill) OnPurchaseLinkChange(ctx context.Context, ev trigger.PurchaseLinkChange) error {
	if ev.Link == nil || ev.Link.UID == "" {
		return nil
	}
	sub, err := b.subs.GetByToken(ctx, ev.Link.PurchaseToken)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return b.adopt(ctx, sub, ev.Link.UID, PathBackfill)
}

// OnAccountLinkChange adopts owner-less records whose provider account id
// matches the new link.
func (b *Backfill) OnAccountLinkChange(ctx context.Context, ev trigger.AccountLinkChange) error {
	if ev.Link == nil || ev.Link.UID == "" {
		return nil
	}
	subs, err := b.subs.ListUnownedByAccount(ctx, ev.Link.AccountID, accountBackfillLimit)
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := b.adopt(ctx, sub, ev.Link.UID, PathAccountBackfill); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Backfill) adopt(ctx context.Context, sub *domain.PlaySubscription, uid, path string) error {
	before, after, err := b.subs.SetOwner(ctx, sub.PurchaseToken, uid)
	if err != nil {
		return err
	}
	if after != nil {
		log.Printf("[Backfill] token %s now owned by %s (%s)", tokenPrefix(sub.PurchaseToken), uid, path)
		if err := b.publisher.SubscriptionChanged(ctx, trigger.SubscriptionChange{Before: before, After: after}); err != nil {
			return err
		}
		sub = after

		// A pending record is projected by the Mirror on the owner write.
		if after.ProjectionPending() {
			fresh, err := b.subs.GetByToken(ctx, sub.PurchaseToken)
			if err != nil {
				return err
			}
			if !fresh.ProjectionPending() {
				return nil
			}
			sub = fresh
		}
	}

	_, err = b.reconciler.Project(ctx, uid, sub, path)
	return err
}
