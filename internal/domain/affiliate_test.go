package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideAffiliateTransition(t *testing.T) {
	now := time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)

	t.Run("first activation creates subscriber and credits", func(t *testing.T) {
		next, delta := DecideAffiliateTransition(StatePending, StateActive, nil, now)
		require.NotNil(t, next)
		assert.Equal(t, 1, delta)
		assert.True(t, next.IsActive)
		assert.False(t, next.HasEverCancelled)
		require.NotNil(t, next.FirstPaymentDate)
		assert.Equal(t, now, *next.FirstPaymentDate)
	})

	t.Run("reactivation of never cancelled inactive subscriber credits", func(t *testing.T) {
		current := &AffiliateSubscriber{IsActive: false, HasEverCancelled: false}
		next, delta := DecideAffiliateTransition(StateInGracePeriod, StateActive, current, now)
		require.NotNil(t, next)
		assert.Equal(t, 1, delta)
		assert.True(t, next.IsActive)
	})

	t.Run("reactivation after cancellation sets active without credit", func(t *testing.T) {
		current := &AffiliateSubscriber{IsActive: false, HasEverCancelled: true}
		next, delta := DecideAffiliateTransition(StateCanceled, StateActive, current, now)
		require.NotNil(t, next)
		assert.Equal(t, 0, delta)
		assert.True(t, next.IsActive)
		assert.True(t, next.HasEverCancelled)
	})

	t.Run("already active subscriber is not credited twice", func(t *testing.T) {
		current := &AffiliateSubscriber{IsActive: true, Credited: true}
		_, delta := DecideAffiliateTransition(StateInGracePeriod, StateActive, current, now)
		assert.Equal(t, 0, delta)
	})

	for _, state := range []SubscriptionState{StateCanceled, StateExpired, StateOnHold, StatePaused, StatePending} {
		t.Run("leaving active for "+string(state)+" debits", func(t *testing.T) {
			current := &AffiliateSubscriber{IsActive: true, Credited: true}
			next, delta := DecideAffiliateTransition(StateActive, state, current, now)
			require.NotNil(t, next)
			assert.Equal(t, -1, delta)
			assert.False(t, next.IsActive)
			assert.False(t, next.Credited)
			assert.True(t, next.HasEverCancelled)
			require.NotNil(t, next.CancelledAt)
		})
	}

	t.Run("uncredited reactivation is deactivated without debit", func(t *testing.T) {
		current := &AffiliateSubscriber{IsActive: true, HasEverCancelled: true}
		next, delta := DecideAffiliateTransition(StateActive, StateCanceled, current, now)
		require.NotNil(t, next)
		assert.Equal(t, 0, delta)
		assert.False(t, next.IsActive)
	})

	t.Run("duplicate cancellation is a no-op", func(t *testing.T) {
		current := &AffiliateSubscriber{IsActive: false, HasEverCancelled: true}
		next, delta := DecideAffiliateTransition(StateActive, StateCanceled, current, now)
		assert.Nil(t, next)
		assert.Equal(t, 0, delta)
	})

	t.Run("cancellation without subscriber is a no-op", func(t *testing.T) {
		next, delta := DecideAffiliateTransition(StateActive, StateExpired, nil, now)
		assert.Nil(t, next)
		assert.Equal(t, 0, delta)
	})

	t.Run("inactive state reached from non active state is ignored", func(t *testing.T) {
		current := &AffiliateSubscriber{IsActive: true}
		next, delta := DecideAffiliateTransition(StateInGracePeriod, StateExpired, current, now)
		assert.Nil(t, next)
		assert.Equal(t, 0, delta)
	})

	t.Run("grace period from active is not a deactivation", func(t *testing.T) {
		current := &AffiliateSubscriber{IsActive: true}
		next, delta := DecideAffiliateTransition(StateActive, StateInGracePeriod, current, now)
		assert.Nil(t, next)
		assert.Equal(t, 0, delta)
	})

	t.Run("unchanged state", func(t *testing.T) {
		next, delta := DecideAffiliateTransition(StateActive, StateActive, nil, now)
		assert.Nil(t, next)
		assert.Equal(t, 0, delta)
	})
}

func TestDecideAffiliateTransition_NoDoubleCreditAfterCancellation(t *testing.T) {
	now := time.Now()
	var current *AffiliateSubscriber
	total := 0
	prev := StatePending

	sequence := []SubscriptionState{
		StateActive, StateCanceled, StateActive, StateExpired,
		StateActive, StateOnHold, StateActive, StateCanceled, StateActive,
	}
	for i, state := range sequence {
		next, delta := DecideAffiliateTransition(prev, state, current, now)
		if next != nil {
			current = next
		}
		total += delta
		prev = state

		require.NotNil(t, current)
		credited := 0
		if current.Credited {
			credited = 1
		}
		assert.Equal(t, credited, total, "counter drift at step %d", i)
		if i > 0 {
			assert.True(t, current.HasEverCancelled)
			assert.Equal(t, 0, total, "credit after cancellation at step %d", i)
		}
	}
	assert.True(t, current.IsActive)
}

func TestStatsDeltas(t *testing.T) {
	active := &ProviderState{State: StateActive}
	canceled := &ProviderState{State: StateCanceled}

	tests := []struct {
		name   string
		before *User
		after  *User
		want   []StatsDelta
	}{
		{
			name:  "created active",
			after: &User{Email: "a@x.io", LastProviderState: active},
			want:  []StatsDelta{{Email: "a@x.io", Add: true}},
		},
		{
			name:   "became inactive",
			before: &User{Email: "a@x.io", LastProviderState: active},
			after:  &User{Email: "a@x.io", LastProviderState: canceled},
			want:   []StatsDelta{{Email: "a@x.io", Add: false}},
		},
		{
			name:   "email changed while active",
			before: &User{Email: "a@x.io", LastProviderState: active},
			after:  &User{Email: "b@x.io", LastProviderState: active},
			want:   []StatsDelta{{Email: "a@x.io", Add: false}, {Email: "b@x.io", Add: true}},
		},
		{
			name:   "deleted while active",
			before: &User{Email: "a@x.io", LastProviderState: active},
			want:   []StatsDelta{{Email: "a@x.io", Add: false}},
		},
		{
			name:   "inactive without email",
			before: &User{LastProviderState: canceled},
			after:  &User{LastProviderState: active},
			want:   nil,
		},
		{
			name:   "unchanged",
			before: &User{Email: "a@x.io", LastProviderState: active},
			after:  &User{Email: "a@x.io", LastProviderState: active},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatsDeltas(tt.before, tt.after))
		})
	}
}

func TestShouldFanOut(t *testing.T) {
	visible := &Announcement{ID: "a1"}
	deleted := &Announcement{ID: "a1", IsDeleted: true}

	assert.True(t, ShouldFanOut(nil, visible))
	assert.True(t, ShouldFanOut(deleted, visible))
	assert.False(t, ShouldFanOut(visible, visible))
	assert.False(t, ShouldFanOut(nil, deleted))
	assert.False(t, ShouldFanOut(visible, deleted))
}

func TestAnnouncementIsBroadcast(t *testing.T) {
	assert.True(t, (&Announcement{}).IsBroadcast())
	assert.True(t, (&Announcement{Recipients: []string{"u1", BroadcastRecipient}}).IsBroadcast())
	assert.False(t, (&Announcement{Recipients: []string{"u1"}}).IsBroadcast())
}
