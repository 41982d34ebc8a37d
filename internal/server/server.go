package server

import (
	"log"

	"github.com/alcalc/playsync/internal/config"
	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/handler"
	"github.com/alcalc/playsync/internal/middleware"
	"github.com/alcalc/playsync/internal/service"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

// AppDependencies holds the dependencies required to start the application
type AppDependencies struct {
	Config      *config.Config
	Engine      *service.Engine
	RedisClient *redis.Client // optional, enables idempotent replays
	AuthClient  middleware.AuthClient

	// TokenValidator checks Pub/Sub push tokens when OIDC verification is on
	TokenValidator middleware.TokenValidator
}

// NewApp creates and configures the Fiber application with the given dependencies
func NewApp(deps AppDependencies) *fiber.App {
	engine := deps.Engine

	// Initialize handlers
	rtdnHandler := handler.NewRTDNHandler(engine.Webhook)
	subscriptionHandler := handler.NewSubscriptionHandler(engine.Verification)
	linkHandler := handler.NewLinkHandler(engine.Links)
	affiliateHandler := handler.NewAffiliateHandler(engine.Affiliates)
	adminHandler := handler.NewAdminHandler(engine.Announcements, engine.Sweeper, engine.Stats)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "AL Calc Play Sync",
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(telemetry.FiberMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Correlation-ID",
		AllowMethods: "GET, POST, PATCH, OPTIONS",
	}))

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "playsync",
		})
	})

	// API v1 routes
	v1 := app.Group("/v1")

	// ===========================================
	// PROVIDER WEBHOOK - /v1/rtdn
	// ===========================================
	if deps.Config.PubSub.VerifyOIDC && deps.TokenValidator != nil {
		v1.Post("/rtdn",
			middleware.PubSubAuth(deps.TokenValidator, deps.Config.PubSub.Audience, deps.Config.PubSub.ServiceAccount),
			rtdnHandler.Receive,
		)
	} else {
		if deps.Config.PubSub.VerifyOIDC {
			log.Println("Warning: PUBSUB_VERIFY_OIDC set without a token validator, /v1/rtdn is unauthenticated")
		}
		v1.Post("/rtdn", rtdnHandler.Receive)
	}

	// Replays are keyed per path, so the webhook keeps its own message id dedupe
	idempotent := func(c *fiber.Ctx) error { return c.Next() }
	if deps.RedisClient != nil {
		idempotent = middleware.IdempotencyMiddleware(deps.RedisClient, deps.Config.Server.IdempotencyTTL)
	}

	// ===========================================
	// CLIENT API - Firebase ID token
	// ===========================================
	firebaseAuth := middleware.FirebaseAuth(deps.AuthClient)

	v1.Post("/subscriptions/verify", middleware.OptionalFirebaseAuth(deps.AuthClient), idempotent, subscriptionHandler.Verify)

	links := v1.Group("/links")
	links.Use(firebaseAuth, idempotent)
	links.Post("/purchase-token", linkHandler.LinkPurchaseToken)
	links.Post("/account", linkHandler.LinkAccount)

	v1.Post("/devices", firebaseAuth, idempotent, linkHandler.RegisterDevice)
	v1.Post("/affiliates/redeem", firebaseAuth, idempotent, affiliateHandler.Redeem)

	// ===========================================
	// ADMIN API - /v1/admin/* (requires 'admin' role)
	// ===========================================
	admin := v1.Group("/admin")
	admin.Use(middleware.VerifyAdminToken(deps.Config.JWT.AdminSecret))
	admin.Use(middleware.AuthorizeRole(domain.RoleAdmin))
	admin.Use(idempotent)

	admin.Post("/affiliates", affiliateHandler.Initialize)
	admin.Post("/announcements", adminHandler.CreateAnnouncement)
	admin.Patch("/announcements/:id", adminHandler.UpdateAnnouncement)
	admin.Post("/sweep", adminHandler.Sweep)
	admin.Post("/stats/sync", adminHandler.SyncStats)

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	log.Printf("Error: %v", err)
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
