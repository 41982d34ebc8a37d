package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/alcalc/playsync/internal/trigger"
	"github.com/robfig/cron/v3"
)

const sweepLeaseName = "sweeper"

// LeaseLocker grants a named, expiring lease to one process at a time.
type LeaseLocker interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (release func(context.Context), acquired bool, err error)
}

// SweeperConfig bounds one sweep pass.
type SweeperConfig struct {
	BatchSize int
	Timeout   time.Duration
	LeaseTTL  time.Duration
}

// SweepResult reports what one pass changed.
type SweepResult struct {
	Skipped       bool  `json:"skipped"`
	Subscriptions int   `json:"subscriptions"`
	Users         int64 `json:"users"`
}

// Sweeper flips records whose expiry passed without an explicit event.
type Sweeper struct {
	subs      domain.SubscriptionRepository
	users     domain.UserRepository
	publisher trigger.Publisher
	lease     LeaseLocker
	cfg       SweeperConfig
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewSweeper creates a new sweeper. lease may be nil for a single replica.
func NewSweeper(subs domain.SubscriptionRepository, users domain.UserRepository, publisher trigger.Publisher, lease LeaseLocker, cfg SweeperConfig, metrics *telemetry.Metrics) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 450
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	return &Sweeper{
		subs:      subs,
		users:     users,
		publisher: publisher,
		lease:     lease,
		cfg:       cfg,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Sweep runs one bounded pass. Subscription records are flipped first and
// cascade to their owners through the mirror; users left active past expiry
// are flipped directly afterwards.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if s.lease != nil {
		release, ok, err := s.lease.AcquireLease(ctx, sweepLeaseName, s.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sweep lease: %w", err)
		}
		if !ok {
			log.Println("[Sweeper] Another replica holds the lease, skipping")
			return &SweepResult{Skipped: true}, nil
		}
		defer release(context.WithoutCancel(ctx))
	}

	now := s.now().UTC()
	result := &SweepResult{}

	expired, err := s.subs.ListExpiredActive(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	for _, sub := range expired {
		before, after, err := s.subs.MarkSwept(ctx, sub.PurchaseToken, now)
		if err != nil {
			log.Printf("[Sweeper] Failed to flip token %s: %v", tokenPrefix(sub.PurchaseToken), err)
			continue
		}
		if after == nil {
			continue
		}
		result.Subscriptions++
		if err := s.publisher.SubscriptionChanged(ctx, trigger.SubscriptionChange{Before: before, After: after}); err != nil {
			log.Printf("[Sweeper] Cascade failed for token %s: %v", tokenPrefix(sub.PurchaseToken), err)
		}
	}
	s.metrics.SweepFlips(ctx, "subscription", int64(result.Subscriptions))

	stale, err := s.users.ListExpiredActive(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list expired users: %w", err)
	}
	if len(stale) > 0 {
		uids := make([]string, 0, len(stale))
		for _, u := range stale {
			uids = append(uids, u.UID)
		}
		n, err := s.users.MarkInactive(ctx, uids, now)
		if err != nil {
			return result, fmt.Errorf("failed to flip expired users: %w", err)
		}
		result.Users = n
		s.metrics.SweepFlips(ctx, "user", n)
	}

	if result.Subscriptions > 0 || result.Users > 0 {
		log.Printf("[Sweeper] Flipped %d subscriptions and %d users", result.Subscriptions, result.Users)
	}
	return result, nil
}

// SweepScheduler runs the sweeper on a fixed interval.
type SweepScheduler struct {
	sweeper  *Sweeper
	cron     *cron.Cron
	interval time.Duration
	stopOnce sync.Once
}

// NewSweepScheduler creates a scheduler; call Start to begin ticking.
func NewSweepScheduler(sweeper *Sweeper, interval time.Duration) *SweepScheduler {
	logger := cron.PrintfLogger(log.New(os.Stdout, "[Sweeper] ", log.LstdFlags))
	return &SweepScheduler{
		sweeper:  sweeper,
		cron:     cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		interval: interval,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *SweepScheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("failed to schedule sweep %q: %w", spec, err)
	}
	s.cron.Start()
	log.Printf("[Sweeper] Scheduled every %s", s.interval)
	return nil
}

// Stop halts scheduling and waits for a running pass up to ctx.
func (s *SweepScheduler) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
			log.Println("[Sweeper] Shutdown timed out waiting for running pass")
		}
	})
}

func (s *SweepScheduler) run() {
	if _, err := s.sweeper.Sweep(context.Background()); err != nil {
		log.Printf("[Sweeper] Pass failed: %v", err)
	}
}
