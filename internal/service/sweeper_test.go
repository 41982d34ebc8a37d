package service

import (
	"context"
	"testing"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_FlipsExpiredRecordAndOwnerThenStaysStable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	token := "token-sweep-00001"
	_, err := env.links.UpsertPurchaseLink(ctx, &domain.PurchaseLink{PurchaseToken: token, UID: "U1"})
	require.NoError(t, err)
	env.provider.set(token, env.snapshot(domain.StateActive, time.Hour))

	_, err = env.engine.Webhook.Handle(ctx, []byte(rtdnJSON(token, int(domain.NotificationRenewed))))
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, env.users.get("U1").SubscriptionStatus)

	env.now = env.now.Add(2 * time.Hour)

	res, err := env.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Subscriptions)

	sub, err := env.subs.GetByToken(ctx, token)
	require.NoError(t, err)
	assert.False(t, sub.IsActive)
	assert.NotNil(t, sub.LastSweepAt)
	assert.Equal(t, domain.StatusInactive, env.users.get("U1").SubscriptionStatus)

	projections := env.users.projections
	for i := 0; i < 3; i++ {
		res, err = env.engine.Sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Subscriptions)
		assert.Zero(t, res.Users)
	}
	assert.Equal(t, projections, env.users.projections, "no flapping")
	assert.Equal(t, domain.StatusInactive, env.users.get("U1").SubscriptionStatus)
}

func TestSweeper_FlipsUsersWithoutLinkedRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()

	_, _, err := env.users.ApplyProjection(ctx, "U2", domain.UserProjection{
		SubscriptionStatus: domain.StatusActive,
		ExpiryTime:         env.at(-time.Minute),
		LastProviderState:  domain.ProviderState{State: domain.StateActive},
	})
	require.NoError(t, err)

	res, err := env.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Subscriptions)
	assert.Equal(t, int64(1), res.Users)
	assert.Equal(t, domain.StatusInactive, env.users.get("U2").SubscriptionStatus)
}

func TestSweeper_DoesNotFlipRenewedRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.subs.put(&domain.PlaySubscription{
		PurchaseToken: "token-sweep-00002",
		State:         domain.StateActive,
		IsActive:      true,
		ExpiryTime:    env.at(time.Hour),
	})

	res, err := env.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Subscriptions)
}

func TestSweeper_RespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	env.engine.Sweeper.cfg.BatchSize = 2
	for _, token := range []string{"token-batch-00001", "token-batch-00002", "token-batch-00003"} {
		env.subs.put(&domain.PlaySubscription{PurchaseToken: token, IsActive: true, ExpiryTime: env.at(-time.Hour)})
	}

	res, err := env.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Subscriptions)

	res, err = env.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Subscriptions)
}

func TestSweeper_SkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv()
	lease := &stubLease{}
	env.engine.Sweeper.lease = lease

	res, err := env.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, lease.released)

	lease.held = true
	res, err = env.engine.Sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestSweepScheduler_StartStop(t *testing.T) {
	env := newTestEnv()
	s := NewSweepScheduler(env.engine.Sweeper, time.Hour)
	require.NoError(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}
