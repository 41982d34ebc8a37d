package service

import (
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/alcalc/playsync/internal/trigger"
)

// EngineConfig holds the tunables of every engine component.
type EngineConfig struct {
	DefaultPackageName  string
	StrictIdentityMatch bool
	ProcessedTTL        time.Duration
	Sweeper             SweeperConfig
	Fanout              FanoutConfig

	// ExternalTriggers disables in-process publishing; a change stream
	// feeds Bus instead.
	ExternalTriggers bool
}

// EngineDeps are the stores and collaborators the engine runs on.
type EngineDeps struct {
	Subscriptions domain.SubscriptionRepository
	Users         domain.UserRepository
	Links         domain.LinkRepository
	Affiliates    domain.AffiliateRepository
	Devices       domain.DeviceTokenRepository
	Announcements domain.AnnouncementRepository
	Stats         domain.StatsRepository
	Audit         domain.AuditRepository
	Archive       domain.PayloadArchive // optional
	Provider      domain.BillingProvider
	Push          domain.PushSender
	Processed     ProcessedStore // optional
	Lease         LeaseLocker    // optional
	Metrics       *telemetry.Metrics
}

// Change stream events are not redelivered, so handlers are retried in place.
const (
	externalHandlerTries   = 4
	externalHandlerBackoff = 500 * time.Millisecond
)

// Engine is the wired reconciliation engine. Bus carries record changes to
// the trigger handlers.
type Engine struct {
	Bus           *trigger.Bus
	Resolver      *IdentityResolver
	Reconciler    *Reconciler
	Mirror        *Mirror
	Backfill      *Backfill
	Webhook       *WebhookService
	Verification  *VerificationService
	Links         *LinkService
	Sweeper       *Sweeper
	Affiliates    *AffiliateService
	Stats         *StatsService
	Fanout        *FanoutService
	Announcements *AnnouncementService
}

// NewEngine builds every component and subscribes the triggers to the bus.
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	bus := trigger.NewBus()
	var pub trigger.Publisher = bus
	if cfg.ExternalTriggers {
		pub = trigger.Discard{}
		bus.SetHandlerRetry(externalHandlerTries, externalHandlerBackoff)
	}

	resolver := NewIdentityResolver(deps.Subscriptions, deps.Links, pub)
	reconciler := NewReconciler(deps.Subscriptions, deps.Users, pub, deps.Metrics, nil)
	audit := NewAuditRecorder(deps.Audit, deps.Archive)
	webhook := NewWebhookService(deps.Provider, reconciler, audit, deps.Processed, WebhookConfig{
		DefaultPackageName: cfg.DefaultPackageName,
		ProcessedTTL:       cfg.ProcessedTTL,
	}, deps.Metrics)

	e := &Engine{
		Bus:           bus,
		Resolver:      resolver,
		Reconciler:    reconciler,
		Mirror:        NewMirror(resolver, reconciler),
		Backfill:      NewBackfill(deps.Subscriptions, reconciler, pub),
		Webhook:       webhook,
		Verification:  NewVerificationService(deps.Provider, reconciler, deps.Subscriptions, cfg.StrictIdentityMatch, cfg.DefaultPackageName),
		Links:         NewLinkService(deps.Links, deps.Users, deps.Devices, pub),
		Sweeper:       NewSweeper(deps.Subscriptions, deps.Users, pub, deps.Lease, cfg.Sweeper, deps.Metrics),
		Affiliates:    NewAffiliateService(deps.Affiliates, deps.Users, pub, deps.Metrics),
		Stats:         NewStatsService(deps.Stats, deps.Users),
		Fanout:        NewFanoutService(deps.Devices, deps.Users, deps.Push, cfg.Fanout, deps.Metrics),
		Announcements: NewAnnouncementService(deps.Announcements, pub),
	}

	bus.Subscriptions.Subscribe("mirror", e.Mirror.OnSubscriptionChange)
	bus.PurchaseLinks.Subscribe("backfill", e.Backfill.OnPurchaseLinkChange)
	bus.AccountLinks.Subscribe("account_backfill", e.Backfill.OnAccountLinkChange)
	bus.Users.Subscribe("affiliate_counter", e.Affiliates.OnUserChange)
	bus.Users.Subscribe("stats", e.Stats.OnUserChange)
	bus.Announcements.Subscribe("fanout", e.Fanout.OnAnnouncementChange)
	return e
}
