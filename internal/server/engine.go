package server

import (
	"github.com/alcalc/playsync/internal/config"
	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/repository"
	"github.com/alcalc/playsync/internal/service"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Backends are the external collaborators of the engine
type Backends struct {
	Provider domain.BillingProvider
	Push     domain.PushSender
	Redis    *redis.Client         // optional
	Archive  domain.PayloadArchive // optional
	Metrics  *telemetry.Metrics
}

// NewEngine wires the engine over the MongoDB repositories
func NewEngine(cfg *config.Config, db *mongo.Database, b Backends) *service.Engine {
	deps := service.EngineDeps{
		Subscriptions: repository.NewMongoSubscriptionRepository(db),
		Users:         repository.NewMongoUserRepository(db),
		Links:         repository.NewMongoLinkRepository(db),
		Affiliates:    repository.NewMongoAffiliateRepository(db),
		Devices:       repository.NewMongoDeviceTokenRepository(db),
		Announcements: repository.NewMongoAnnouncementRepository(db),
		Stats:         repository.NewMongoStatsRepository(db),
		Audit:         repository.NewMongoAuditRepository(db),
		Archive:       b.Archive,
		Provider:      b.Provider,
		Push:          b.Push,
		Metrics:       b.Metrics,
	}
	if b.Redis != nil {
		store := repository.NewRedisStore(b.Redis)
		deps.Processed = store
		deps.Lease = store
	}

	return service.NewEngine(deps, service.EngineConfig{
		DefaultPackageName:  cfg.Play.DefaultPackageName,
		StrictIdentityMatch: cfg.Identity.StrictMatch,
		ProcessedTTL:        cfg.Redis.ProcessedTTL,
		Sweeper: service.SweeperConfig{
			BatchSize: cfg.Sweeper.BatchSize,
			Timeout:   cfg.Sweeper.Timeout,
			LeaseTTL:  cfg.Sweeper.LeaseTTL,
		},
		Fanout: service.FanoutConfig{
			BatchSize:   cfg.Fanout.BatchSize,
			MaxTokens:   cfg.Fanout.MaxTokens,
			Concurrency: cfg.Fanout.Concurrency,
		},
		ExternalTriggers: cfg.Triggers.Source == config.TriggerSourceChangeStream,
	})
}
