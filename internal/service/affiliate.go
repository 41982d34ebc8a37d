package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/alcalc/playsync/internal/trigger"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Redemption messages shown to the client
const (
	MsgCodeInvalid    = "CÓDIGO NO VÁLIDO"
	MsgCodeAlreadySet = "Ya tienes un código asociado"
	MsgCodeRedeemed   = "Código canjeado exitosamente"
)

const defaultAffiliateName = "Afiliado"

const affiliateCodeCacheSize = 1024

// AffiliateService counts active subscribers per affiliate and handles code
// redemption.
type AffiliateService struct {
	repo      domain.AffiliateRepository
	users     domain.UserRepository
	publisher trigger.Publisher
	codes     *lru.Cache[string, string] // code -> affiliate id
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewAffiliateService creates a new affiliate service
func NewAffiliateService(repo domain.AffiliateRepository, users domain.UserRepository, publisher trigger.Publisher, metrics *telemetry.Metrics) *AffiliateService {
	// lru.New only errors on a non-positive size.
	codes, _ := lru.New[string, string](affiliateCodeCacheSize)
	return &AffiliateService{
		repo:      repo,
		users:     users,
		publisher: publisher,
		codes:     codes,
		metrics:   metrics,
		now:       time.Now,
	}
}

// OnUserChange adjusts the affiliate counter when the user's provider state
// changes. The subscriber write and the counter move in one transaction.
func (s *AffiliateService) OnUserChange(ctx context.Context, ev trigger.UserChange) error {
	if ev.Before == nil || ev.After == nil {
		return nil
	}
	prev, next := ev.Before.ProviderStateOf(), ev.After.ProviderStateOf()
	if prev == next || ev.After.AffiliateCode == "" {
		return nil
	}

	affiliateID, err := s.affiliateFor(ctx, ev.After.AffiliateCode)
	if errors.Is(err, domain.ErrNotFound) {
		log.Printf("[Affiliate] Code %s of user %s does not exist", ev.After.AffiliateCode, ev.After.UID)
		return nil
	}
	if err != nil {
		return err
	}

	now := s.now().UTC()
	email := ev.After.Email
	delta, err := s.repo.UpdateSubscriber(ctx, affiliateID, ev.After.UID, func(current *domain.AffiliateSubscriber) (*domain.AffiliateSubscriber, int, error) {
		sub, delta := domain.DecideAffiliateTransition(prev, next, current, now)
		if sub != nil && email != "" {
			sub.Email = email
		}
		return sub, delta, nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		log.Printf("[Affiliate] Affiliate %s missing, counter not adjusted", affiliateID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to update affiliate subscriber: %w", err)
	}

	if delta != 0 {
		log.Printf("[Affiliate] %s %s -> %s: affiliate %s %+d", ev.After.UID, prev, next, affiliateID, delta)
		s.metrics.AffiliateAdjustment(ctx, affiliateID, delta)
	}
	return nil
}

func (s *AffiliateService) affiliateFor(ctx context.Context, code string) (string, error) {
	if id, ok := s.codes.Get(code); ok {
		return id, nil
	}
	c, err := s.repo.GetCode(ctx, code)
	if err != nil {
		return "", err
	}
	s.codes.Add(code, c.AffiliateID)
	return c.AffiliateID, nil
}

// RedeemResult is the client facing outcome of a redemption.
type RedeemResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	AffiliateName string `json:"affiliateName,omitempty"`
}

// Redeem associates an affiliate code with the user. Business rejections are
// reported in the result, not as errors.
func (s *AffiliateService) Redeem(ctx context.Context, uid, email, code string) (*RedeemResult, error) {
	code = strings.TrimSpace(code)
	if uid == "" || code == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidInput)
	}

	ac, err := s.repo.GetCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !ac.IsActive) {
		return &RedeemResult{Message: MsgCodeInvalid}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	before, after, err := s.users.SetAffiliateCode(ctx, uid, code, now)
	if errors.Is(err, domain.ErrNotFound) {
		// First contact: create the user record, then retry.
		if _, _, err := s.users.SetEmail(ctx, uid, email); err != nil {
			return nil, err
		}
		before, after, err = s.users.SetAffiliateCode(ctx, uid, code, now)
	}
	if errors.Is(err, domain.ErrAffiliateCodeAlreadySet) {
		return &RedeemResult{Message: MsgCodeAlreadySet}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.repo.RecordInput(ctx, &domain.AffiliateInput{
		AffiliateID: ac.AffiliateID,
		UID:         uid,
		Email:       after.Email,
		Code:        code,
		UsedAt:      now,
	}); err != nil {
		return nil, err
	}
	if err := s.publisher.UserChanged(ctx, trigger.UserChange{Before: before, After: after}); err != nil {
		log.Printf("[Affiliate] User change after redeem failed: %v", err)
	}

	log.Printf("[Affiliate] Code %s redeemed by %s", code, uid)
	name := ac.AffiliateName
	if name == "" {
		name = defaultAffiliateName
	}
	return &RedeemResult{Success: true, Message: MsgCodeRedeemed, AffiliateName: name}, nil
}

// InitializeRequest creates an affiliate and its code.
type InitializeRequest struct {
	AffiliateID string `json:"affiliateId"`
	Code        string `json:"code"`
	Name        string `json:"name"`
}

// Initialize writes the code and the affiliate with a zero counter.
func (s *AffiliateService) Initialize(ctx context.Context, req InitializeRequest) (*domain.Affiliate, error) {
	if req.AffiliateID == "" || strings.TrimSpace(req.Code) == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: affiliateId, code and name are required", domain.ErrInvalidInput)
	}

	now := s.now().UTC()
	code := strings.TrimSpace(req.Code)
	affiliate := &domain.Affiliate{
		ID:        req.AffiliateID,
		Code:      code,
		Name:      req.Name,
		IsActive:  true,
		CreatedAt: now,
	}
	err := s.repo.Initialize(ctx, &domain.AffiliateCode{
		Code:          code,
		AffiliateID:   req.AffiliateID,
		AffiliateName: req.Name,
		IsActive:      true,
		CreatedAt:     now,
	}, affiliate)
	if err != nil {
		return nil, err
	}
	s.codes.Remove(code)

	log.Printf("[Affiliate] Initialized affiliate %s with code %s", req.AffiliateID, code)
	return affiliate, nil
}
