package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/trigger"
	"github.com/oklog/ulid/v2"
)

// AnnouncementService manages operator announcements.
type AnnouncementService struct {
	repo      domain.AnnouncementRepository
	publisher trigger.Publisher
	now       func() time.Time
}

// NewAnnouncementService creates a new announcement service
func NewAnnouncementService(repo domain.AnnouncementRepository, publisher trigger.Publisher) *AnnouncementService {
	return &AnnouncementService{repo: repo, publisher: publisher, now: time.Now}
}

// Create stores a visible announcement, which fans out to subscribers.
func (s *AnnouncementService) Create(ctx context.Context, title, body string, recipients []string) (*domain.Announcement, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: body is required", domain.ErrInvalidInput)
	}

	now := s.now().UTC()
	a := &domain.Announcement{
		ID:         ulid.Make().String(),
		Title:      title,
		Body:       body,
		Recipients: recipients,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	if err := s.publisher.AnnouncementChanged(ctx, trigger.AnnouncementChange{After: a}); err != nil {
		return a, err
	}
	return a, nil
}

// SetDeleted toggles visibility. Restoring a deleted announcement fans it
// out again.
func (s *AnnouncementService) SetDeleted(ctx context.Context, id string, deleted bool) (*domain.Announcement, error) {
	before, after, err := s.repo.SetDeleted(ctx, id, deleted, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.publisher.AnnouncementChanged(ctx, trigger.AnnouncementChange{Before: before, After: after}); err != nil {
		return after, err
	}
	return after, nil
}
