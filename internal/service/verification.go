package service

import (
	"context"
	"fmt"
	"log"

	"github.com/alcalc/playsync/internal/domain"
)

// VerifyRequest is a client triggered verification of one purchase.
type VerifyRequest struct {
	ClaimedUID    string
	VerifiedUID   string // bearer token subject, empty when unauthenticated
	PackageName   string
	PurchaseToken string
}

// VerificationService reconciles a purchase on behalf of the client that
// made it. Identity comes from the caller instead of the link tables.
type VerificationService struct {
	provider       domain.BillingProvider
	reconciler     *Reconciler
	subs           domain.SubscriptionRepository
	strictMatch    bool
	defaultPackage string
}

// NewVerificationService creates a new verification service
func NewVerificationService(provider domain.BillingProvider, reconciler *Reconciler, subs domain.SubscriptionRepository, strictMatch bool, defaultPackage string) *VerificationService {
	return &VerificationService{
		provider:       provider,
		reconciler:     reconciler,
		subs:           subs,
		strictMatch:    strictMatch,
		defaultPackage: defaultPackage,
	}
}

// Verify fetches the purchase from the provider, applies it, takes ownership
// for the caller and projects it onto the caller's user record.
func (s *VerificationService) Verify(ctx context.Context, req VerifyRequest) (*domain.PlaySubscription, error) {
	uid := req.VerifiedUID
	if uid == "" {
		uid = req.ClaimedUID
	}
	packageName := req.PackageName
	if packageName == "" {
		packageName = s.defaultPackage
	}
	if uid == "" || packageName == "" || req.PurchaseToken == "" {
		return nil, fmt.Errorf("%w: uid, packageName and purchaseToken are required", domain.ErrInvalidInput)
	}

	if req.VerifiedUID != "" && req.ClaimedUID != "" && req.VerifiedUID != req.ClaimedUID {
		log.Printf("[Verify] Identity mismatch token=%s claimed=%s verified=%s", tokenPrefix(req.PurchaseToken), req.ClaimedUID, req.VerifiedUID)
		if s.strictMatch {
			return nil, domain.ErrIdentityMismatch
		}
	}

	snap, err := s.provider.FetchSubscription(ctx, packageName, req.PurchaseToken)
	if err != nil {
		return nil, err
	}

	_, sub, err := s.reconciler.Apply(ctx, ApplyInput{
		PurchaseToken: req.PurchaseToken,
		PackageName:   packageName,
		Snapshot:      snap,
		Source:        "verify",
	})
	if err != nil {
		return nil, err
	}

	before, after, err := s.subs.SetOwner(ctx, req.PurchaseToken, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to set owner: %w", err)
	}
	if after != nil {
		if err := s.reconciler.publishSubscription(ctx, before, after); err != nil {
			return nil, err
		}
		sub = after
	}

	if _, err := s.reconciler.Project(ctx, uid, sub, PathVerify); err != nil {
		return nil, fmt.Errorf("failed to project subscription: %w", err)
	}
	return sub, nil
}
