package service

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/trigger"
)

// StatsService maintains the global active subscriber panel.
type StatsService struct {
	stats domain.StatsRepository
	users domain.UserRepository
	now   func() time.Time
}

// NewStatsService creates a new stats service
func NewStatsService(stats domain.StatsRepository, users domain.UserRepository) *StatsService {
	return &StatsService{stats: stats, users: users, now: time.Now}
}

// OnUserChange applies the incremental adjustments of one user write.
func (s *StatsService) OnUserChange(ctx context.Context, ev trigger.UserChange) error {
	for _, d := range domain.StatsDeltas(ev.Before, ev.After) {
		if err := s.stats.Adjust(ctx, d, s.now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

// Sync recomputes the panel from every user whose provider state is ACTIVE.
// With dryRun set nothing is written.
func (s *StatsService) Sync(ctx context.Context, dryRun bool) (*domain.SubscriberStats, error) {
	users, err := s.users.ListProviderActive(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(users))
	emails := make([]string, 0, len(users))
	for _, u := range users {
		if u.Email == "" || seen[u.Email] {
			continue
		}
		seen[u.Email] = true
		emails = append(emails, u.Email)
	}
	sort.Strings(emails)

	now := s.now().UTC()
	result := &domain.SubscriberStats{Count: len(emails), Emails: emails, UpdatedAt: now, LastManualSync: &now}
	if dryRun {
		return result, nil
	}
	if err := s.stats.Replace(ctx, emails, now); err != nil {
		return nil, err
	}
	log.Printf("[Stats] Synced %d active subscribers", len(emails))
	return result, nil
}
