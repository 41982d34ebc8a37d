package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/trigger"
)

// IdentityResolver maps purchase tokens to uids. Lookup order: the record's
// own owner, then the client purchase link, then the provider account link.
// A uid found through a link is written back onto the record.
type IdentityResolver struct {
	subs      domain.SubscriptionRepository
	links     domain.LinkRepository
	publisher trigger.Publisher
}

// NewIdentityResolver creates a new resolver
func NewIdentityResolver(subs domain.SubscriptionRepository, links domain.LinkRepository, publisher trigger.Publisher) *IdentityResolver {
	return &IdentityResolver{subs: subs, links: links, publisher: publisher}
}

// ResolveUID returns the owning uid, or "" when no channel knows it yet.
// accountID may be empty; the stored linked account id is used then.
func (r *IdentityResolver) ResolveUID(ctx context.Context, token, accountID string) (string, error) {
	sub, err := r.subs.GetByToken(ctx, token)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	if sub != nil {
		if sub.OwnerUID != "" {
			return sub.OwnerUID, nil
		}
		if accountID == "" {
			accountID = sub.LinkedAccountID
		}
	}

	uid, via, err := r.lookupLinks(ctx, token, accountID)
	if err != nil || uid == "" {
		return "", err
	}

	if sub != nil {
		before, after, err := r.subs.SetOwner(ctx, token, uid)
		if err != nil {
			return "", fmt.Errorf("failed to persist owner: %w", err)
		}
		if after != nil {
			log.Printf("[Identity] token %s resolved to %s via %s", tokenPrefix(token), uid, via)
			if err := r.publisher.SubscriptionChanged(ctx, trigger.SubscriptionChange{Before: before, After: after}); err != nil {
				return uid, err
			}
		}
	}
	return uid, nil
}

func (r *IdentityResolver) lookupLinks(ctx context.Context, token, accountID string) (string, string, error) {
	link, err := r.links.GetPurchaseLink(ctx, token)
	switch {
	case err == nil && link.UID != "":
		return link.UID, "purchase link", nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return "", "", fmt.Errorf("failed to read purchase link: %w", err)
	}

	if accountID == "" {
		return "", "", nil
	}
	acct, err := r.links.GetAccountLink(ctx, accountID)
	switch {
	case err == nil && acct.UID != "":
		return acct.UID, "account link", nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return "", "", fmt.Errorf("failed to read account link: %w", err)
	}
	return "", "", nil
}

// tokenPrefix shortens a purchase token for logs
func tokenPrefix(token string) string {
	if len(token) <= 10 {
		return token
	}
	return token[:10]
}
