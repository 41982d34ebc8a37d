package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/trigger"
)

// LinkService records client side identity associations and device tokens.
type LinkService struct {
	links     domain.LinkRepository
	users     domain.UserRepository
	devices   domain.DeviceTokenRepository
	publisher trigger.Publisher
	now       func() time.Time
}

// NewLinkService creates a new link service
func NewLinkService(links domain.LinkRepository, users domain.UserRepository, devices domain.DeviceTokenRepository, publisher trigger.Publisher) *LinkService {
	return &LinkService{links: links, users: users, devices: devices, publisher: publisher, now: time.Now}
}

// PurchaseLinkRequest associates a purchase token with the caller.
type PurchaseLinkRequest struct {
	UID           string
	Email         string
	PurchaseToken string
	PackageName   string
}

// LinkPurchaseToken upserts the link and triggers the backfill.
func (s *LinkService) LinkPurchaseToken(ctx context.Context, req PurchaseLinkRequest) (*domain.PurchaseLink, error) {
	token := strings.TrimSpace(req.PurchaseToken)
	if req.UID == "" || len(token) < domain.MinPurchaseTokenLength {
		return nil, fmt.Errorf("%w: purchaseToken must be at least %d characters", domain.ErrInvalidInput, domain.MinPurchaseTokenLength)
	}

	if err := s.touchEmail(ctx, req.UID, req.Email); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	link, err := s.links.UpsertPurchaseLink(ctx, &domain.PurchaseLink{
		PurchaseToken: token,
		UID:           req.UID,
		PackageName:   req.PackageName,
		Email:         req.Email,
		CreatedAt:     now,
		LastClientAt:  now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.publisher.PurchaseLinkChanged(ctx, trigger.PurchaseLinkChange{Link: link}); err != nil {
		return link, err
	}
	return link, nil
}

// LinkAccount upserts an obfuscated account id link and triggers the
// account backfill.
func (s *LinkService) LinkAccount(ctx context.Context, uid, email, accountID string) (*domain.AccountLink, error) {
	accountID = strings.TrimSpace(accountID)
	if uid == "" || len(accountID) < domain.MinAccountIDLength {
		return nil, fmt.Errorf("%w: accountId must be at least %d characters", domain.ErrInvalidInput, domain.MinAccountIDLength)
	}

	if err := s.touchEmail(ctx, uid, email); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	link, err := s.links.UpsertAccountLink(ctx, &domain.AccountLink{
		AccountID:    accountID,
		UID:          uid,
		CreatedAt:    now,
		LastClientAt: now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.publisher.AccountLinkChanged(ctx, trigger.AccountLinkChange{Link: link}); err != nil {
		return link, err
	}
	return link, nil
}

// RegisterDevice enables a push token for the caller.
func (s *LinkService) RegisterDevice(ctx context.Context, uid, token, platform string) (*domain.DeviceToken, error) {
	token = strings.TrimSpace(token)
	if uid == "" || token == "" {
		return nil, fmt.Errorf("%w: token is required", domain.ErrInvalidInput)
	}

	now := s.now().UTC()
	device := &domain.DeviceToken{
		Token:     token,
		UID:       uid,
		Platform:  platform,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.devices.Upsert(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// touchEmail keeps the user's email current so stats can track it.
func (s *LinkService) touchEmail(ctx context.Context, uid, email string) error {
	if email == "" {
		return nil
	}
	before, after, err := s.users.SetEmail(ctx, uid, email)
	if err != nil {
		return err
	}
	if before != nil && before.Email == email {
		return nil
	}
	return s.publisher.UserChanged(ctx, trigger.UserChange{Before: before, After: after})
}
