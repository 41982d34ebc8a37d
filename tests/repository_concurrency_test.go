package tests

import (
	"context"
	"testing"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestAffiliateRepository_ConcurrentActivationCreditsOnce(t *testing.T) {
	db, cleanup := SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	repo := repository.NewMongoAffiliateRepository(db)
	require.NoError(t, repo.Initialize(ctx,
		&domain.AffiliateCode{Code: "PROMO10", AffiliateID: "aff-1"},
		&domain.Affiliate{ID: "aff-1", Name: "Ana"},
	))

	now := time.Now().UTC()
	activate := func(current *domain.AffiliateSubscriber) (*domain.AffiliateSubscriber, int, error) {
		next, delta := domain.DecideAffiliateTransition(domain.StatePending, domain.StateActive, current, now)
		return next, delta, nil
	}

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := repo.UpdateSubscriber(ctx, "aff-1", "U1", activate)
			return err
		})
	}
	require.NoError(t, g.Wait())

	aff, err := repo.GetAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	assert.Equal(t, 1, aff.ActiveSubscribers)

	sub, err := repo.GetSubscriber(ctx, "aff-1", "U1")
	require.NoError(t, err)
	assert.True(t, sub.Credited)
}

func TestSubscriptionRepository_ProjectionWatermark(t *testing.T) {
	db, cleanup := SetupTestDB(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	repo := repository.NewMongoSubscriptionRepository(db)
	now := time.Now().UTC()
	expiry := now.Add(24 * time.Hour)
	patch := domain.SubscriptionPatch{
		PackageName: testPackage,
		Snapshot:    domain.Snapshot{State: domain.StateActive, EndTime: &expiry},
		Source:      "test",
		FetchedAt:   now,
	}

	_, created, err := repo.ApplyPatch(ctx, "ptok-0000000042", patch)
	require.NoError(t, err)
	assert.True(t, created.ProjectionPending())

	// Same provider view again: bookkeeping only, the debt remains.
	patch.FetchedAt = now.Add(time.Minute)
	_, replayed, err := repo.ApplyPatch(ctx, "ptok-0000000042", patch)
	require.NoError(t, err)
	assert.Equal(t, created.ProjectionDue, replayed.ProjectionDue)
	assert.True(t, replayed.ProjectionPending())

	require.NoError(t, repo.MarkProjected(ctx, "ptok-0000000042", replayed.ProjectionDue))
	require.NoError(t, repo.MarkProjected(ctx, "ptok-0000000042", 0), "watermark never moves back")

	stored, err := repo.GetByToken(ctx, "ptok-0000000042")
	require.NoError(t, err)
	assert.False(t, stored.ProjectionPending())
	assert.Equal(t, replayed.ProjectionDue, stored.ProjectedRevision)
}
