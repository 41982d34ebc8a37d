package trigger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/cenkalti/backoff/v5"
)

// SubscriptionChange is emitted after a PlaySubscription write.
type SubscriptionChange struct {
	Before *domain.PlaySubscription
	After  *domain.PlaySubscription
}

// PurchaseLinkChange is emitted after a PurchaseLink upsert.
type PurchaseLinkChange struct {
	Link *domain.PurchaseLink
}

// AccountLinkChange is emitted after an AccountLink upsert.
type AccountLinkChange struct {
	Link *domain.AccountLink
}

// UserChange is emitted after a User write. After is nil on delete.
type UserChange struct {
	Before *domain.User
	After  *domain.User
}

// AnnouncementChange is emitted after an Announcement write.
type AnnouncementChange struct {
	Before *domain.Announcement
	After  *domain.Announcement
}

// Publisher is what writers use to announce record changes.
type Publisher interface {
	SubscriptionChanged(ctx context.Context, ev SubscriptionChange) error
	PurchaseLinkChanged(ctx context.Context, ev PurchaseLinkChange) error
	AccountLinkChanged(ctx context.Context, ev AccountLinkChange) error
	UserChanged(ctx context.Context, ev UserChange) error
	AnnouncementChanged(ctx context.Context, ev AnnouncementChange) error
}

// Handler reacts to one change event.
type Handler[E any] func(ctx context.Context, ev E) error

type namedHandler[E any] struct {
	name string
	fn   Handler[E]
}

// Topic is a list of handlers for one event type. Publish runs every handler
// in registration order and joins their errors.
type Topic[E any] struct {
	name     string
	mu       sync.RWMutex
	handlers []namedHandler[E]
	tries    uint
	interval time.Duration
}

// Subscribe registers a handler under a name used in logs.
func (t *Topic[E]) Subscribe(name string, fn Handler[E]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, namedHandler[E]{name: name, fn: fn})
}

// Publish delivers ev synchronously. Handlers may publish further events.
func (t *Topic[E]) Publish(ctx context.Context, ev E) error {
	t.mu.RLock()
	handlers := make([]namedHandler[E], len(t.handlers))
	copy(handlers, t.handlers)
	tries, interval := t.tries, t.interval
	t.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := t.call(ctx, h, ev, tries, interval); err != nil {
			log.Printf("[Trigger] %s handler %s failed: %v", t.name, h.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// call runs one handler, retrying only that handler so the others are not
// applied twice.
func (t *Topic[E]) call(ctx context.Context, h namedHandler[E], ev E, tries uint, interval time.Duration) error {
	if tries <= 1 {
		return h.fn(ctx, ev)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h.fn(ctx, ev)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("[Trigger] %s handler %s failed, retrying in %s: %v", t.name, h.name, next, err)
		}),
	)
	return err
}

func (t *Topic[E]) setRetry(tries uint, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tries, t.interval = tries, interval
}

// Bus routes record change events to the engine's handlers. It is the
// in-process stand-in for datastore triggers.
type Bus struct {
	Subscriptions Topic[SubscriptionChange]
	PurchaseLinks Topic[PurchaseLinkChange]
	AccountLinks  Topic[AccountLinkChange]
	Users         Topic[UserChange]
	Announcements Topic[AnnouncementChange]
}

// NewBus creates an empty bus
func NewBus() *Bus {
	b := &Bus{}
	b.Subscriptions.name = "play_subscriptions"
	b.PurchaseLinks.name = "purchase_links"
	b.AccountLinks.name = "account_links"
	b.Users.name = "users"
	b.Announcements.name = "announcements"
	return b
}

// SetHandlerRetry makes every topic retry a failing handler up to tries
// attempts with exponential backoff from interval. Used when events come from
// a change stream, where nobody redelivers a failed event.
func (b *Bus) SetHandlerRetry(tries uint, interval time.Duration) {
	b.Subscriptions.setRetry(tries, interval)
	b.PurchaseLinks.setRetry(tries, interval)
	b.AccountLinks.setRetry(tries, interval)
	b.Users.setRetry(tries, interval)
	b.Announcements.setRetry(tries, interval)
}

func (b *Bus) SubscriptionChanged(ctx context.Context, ev SubscriptionChange) error {
	return b.Subscriptions.Publish(ctx, ev)
}

func (b *Bus) PurchaseLinkChanged(ctx context.Context, ev PurchaseLinkChange) error {
	return b.PurchaseLinks.Publish(ctx, ev)
}

func (b *Bus) AccountLinkChanged(ctx context.Context, ev AccountLinkChange) error {
	return b.AccountLinks.Publish(ctx, ev)
}

func (b *Bus) UserChanged(ctx context.Context, ev UserChange) error {
	return b.Users.Publish(ctx, ev)
}

func (b *Bus) AnnouncementChanged(ctx context.Context, ev AnnouncementChange) error {
	return b.Announcements.Publish(ctx, ev)
}

// Discard drops every event. Writers use it when changes are delivered by a
// ChangeStreamSource instead.
type Discard struct{}

func (Discard) SubscriptionChanged(context.Context, SubscriptionChange) error { return nil }
func (Discard) PurchaseLinkChanged(context.Context, PurchaseLinkChange) error { return nil }
func (Discard) AccountLinkChanged(context.Context, AccountLinkChange) error { return nil }
func (Discard) UserChanged(context.Context, UserChange) error { return nil }
func (Discard) AnnouncementChanged(context.Context, AnnouncementChange) error { return nil }
