package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/alcalc/playsync/internal/trigger"
	"golang.org/x/sync/errgroup"
)

const defaultPushTitle = "AL Calculadora"

// FanoutConfig bounds one announcement delivery.
type FanoutConfig struct {
	BatchSize   int
	MaxTokens   int
	Concurrency int
}

// FanoutResult aggregates delivery counts across batches.
type FanoutResult struct {
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	Disabled   int `json:"disabled"`
}

// FanoutService pushes announcements to active subscribers.
type FanoutService struct {
	devices domain.DeviceTokenRepository
	users   domain.UserRepository
	sender  domain.PushSender
	cfg     FanoutConfig
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewFanoutService creates a new fan-out service
func NewFanoutService(devices domain.DeviceTokenRepository, users domain.UserRepository, sender domain.PushSender, cfg FanoutConfig, metrics *telemetry.Metrics) *FanoutService {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 500 {
		cfg.BatchSize = 500
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 10000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &FanoutService{devices: devices, users: users, sender: sender, cfg: cfg, metrics: metrics, now: time.Now}
}

// OnAnnouncementChange delivers an announcement when it becomes visible.
func (s *FanoutService) OnAnnouncementChange(ctx context.Context, ev trigger.AnnouncementChange) error {
	if !domain.ShouldFanOut(ev.Before, ev.After) {
		return nil
	}
	res, err := s.Deliver(ctx, ev.After)
	if err != nil {
		return err
	}
	log.Printf("[Fanout] Announcement %s: %d recipients, %d delivered, %d failed, %d tokens disabled",
		ev.After.ID, res.Recipients, res.Delivered, res.Failed, res.Disabled)
	return nil
}

// Deliver sends a to every enabled token whose owner is an allowed, active
// subscriber. Batch failures are counted and do not stop the run.
func (s *FanoutService) Deliver(ctx context.Context, a *domain.Announcement) (*FanoutResult, error) {
	tokens, err := s.devices.ListEnabled(ctx, s.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}

	recipients := s.eligible(ctx, a, tokens)
	result := &FanoutResult{Recipients: len(recipients)}
	if len(recipients) == 0 {
		return result, nil
	}

	title := a.Title
	if title == "" {
		title = defaultPushTitle
	}
	data := map[string]string{"type": "announcement", "announcementId": a.ID}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for start := 0; start < len(recipients); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(recipients))
		batch := recipients[start:end]

		g.Go(func() error {
			res, err := s.sender.SendMulticast(ctx, &domain.PushMessage{Tokens: batch, Title: title, Body: a.Body, Data: data})
			if err != nil {
				log.Printf("[Fanout] Batch of %d failed: %v", len(batch), err)
				mu.Lock()
				result.Failed += len(batch)
				mu.Unlock()
				return nil
			}

			disabled := s.pruneTokens(ctx, batch, res.ErrorCodes)
			mu.Lock()
			result.Delivered += res.SuccessCount
			result.Failed += res.FailureCount
			result.Disabled += disabled
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.PushOutcome(ctx, result.Delivered, result.Failed, result.Disabled)
	return result, nil
}

// eligible filters tokens by allow-list and owner activity, checking each
// owner once.
func (s *FanoutService) eligible(ctx context.Context, a *domain.Announcement, tokens []*domain.DeviceToken) []string {
	var allowed map[string]bool
	if !a.IsBroadcast() {
		allowed = make(map[string]bool, len(a.Recipients))
		for _, uid := range a.Recipients {
			allowed[uid] = true
		}
	}

	active := make(map[string]bool)
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.UID == "" || (allowed != nil && !allowed[t.UID]) {
			continue
		}
		ok, cached := active[t.UID]
		if !cached {
			ok = s.isActive(ctx, t.UID)
			active[t.UID] = ok
		}
		if ok {
			out = append(out, t.Token)
		}
	}
	return out
}

func (s *FanoutService) isActive(ctx context.Context, uid string) bool {
	u, err := s.users.GetByID(ctx, uid)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Printf("[Fanout] Failed to read user %s: %v", uid, err)
		}
		return false
	}
	return u.SubscriptionStatus == domain.StatusActive
}

// pruneTokens disables tokens the provider reported as permanently invalid.
func (s *FanoutService) pruneTokens(ctx context.Context, batch, codes []string) int {
	disabled := 0
	for i, code := range codes {
		if i >= len(batch) || (code != domain.PushErrUnregistered && code != domain.PushErrInvalidToken) {
			continue
		}
		if err := s.devices.Disable(ctx, batch[i], code, s.now().UTC()); err != nil {
			log.Printf("[Fanout] Failed to disable token: %v", err)
			continue
		}
		disabled++
	}
	return disabled
}
