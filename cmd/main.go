package main

import (
	"context"
	"encoding/base64"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alcalc/playsync/internal/config"
	"github.com/alcalc/playsync/internal/infrastructure/fcm"
	"github.com/alcalc/playsync/internal/infrastructure/playbilling"
	"github.com/alcalc/playsync/internal/middleware"
	"github.com/alcalc/playsync/internal/repository"
	"github.com/alcalc/playsync/internal/server"
	"github.com/alcalc/playsync/internal/service"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/alcalc/playsync/internal/trigger"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Starting Play subscription sync service...")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Grafana Cloud requires Basic auth with instanceId:apiToken base64 encoded
	authString := cfg.OTEL.InstanceID + ":" + cfg.OTEL.Token
	authEncoded := base64.StdEncoding.EncodeToString([]byte(authString))

	otelProvider, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    cfg.OTEL.ServiceName,
		ServiceVersion: cfg.OTEL.ServiceVersion,
		Environment:    cfg.OTEL.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
		OTLPHeaders: map[string]string{
			"Authorization": "Basic " + authEncoded,
		},
		Enabled:        cfg.OTEL.Enabled,
		SampleRatio:    cfg.OTEL.SampleRatio,
		TriggerSource:  cfg.Triggers.Source,
		PackageName:    cfg.Play.DefaultPackageName,
		SweeperEnabled: cfg.Sweeper.Enabled,
	})
	if err != nil {
		log.Printf("Warning: Failed to initialize OpenTelemetry: %v", err)
	}
	if otelProvider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			otelProvider.Shutdown(shutdownCtx)
		}()
	}
	metrics := telemetry.NewMetrics()

	// One service account serves Firebase and the Play Developer API
	credentialsJSON, err := middleware.ServiceAccountJSON(
		cfg.Firebase.ProjectID,
		cfg.Firebase.PrivateKey,
		cfg.Firebase.ClientEmail,
	)
	if err != nil {
		log.Fatalf("Failed to build service account credentials: %v", err)
	}

	// Initialize Firebase
	firebaseApp, err := middleware.InitFirebase(ctx, credentialsJSON, cfg.Firebase.ProjectID)
	if err != nil {
		log.Fatalf("Failed to initialize Firebase: %v", err)
	}
	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		log.Fatalf("Failed to get Firebase Auth client: %v", err)
	}
	messagingClient, err := firebaseApp.Messaging(ctx)
	if err != nil {
		log.Fatalf("Failed to get Firebase Messaging client: %v", err)
	}
	log.Println("✓ Firebase initialized")

	// Play Developer API
	playOpts := []option.ClientOption{option.WithCredentialsJSON(credentialsJSON)}
	if cfg.Play.Endpoint != "" {
		playOpts = append(playOpts, option.WithEndpoint(cfg.Play.Endpoint))
	}
	playClient, err := playbilling.NewClient(ctx, playOpts...)
	if err != nil {
		log.Fatalf("Failed to create Play client: %v", err)
	}
	log.Println("✓ Play Developer API client ready")

	// Connect to MongoDB with OpenTelemetry instrumentation
	ctxMongo, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mongoOpts := options.Client().ApplyURI(cfg.MongoDB.URI)
	if cfg.OTEL.Enabled {
		mongoOpts.SetMonitor(otelmongo.NewMonitor())
	}

	mongoClient, err := mongo.Connect(ctxMongo, mongoOpts)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}()

	if err := mongoClient.Ping(ctxMongo, nil); err != nil {
		log.Fatalf("Failed to ping MongoDB: %v", err)
	}
	log.Println("✓ MongoDB connected")

	mongoDB := mongoClient.Database(cfg.MongoDB.Database)

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("✓ Redis connected")

	backends := server.Backends{
		Provider: playClient,
		Push:     fcm.NewClient(messagingClient),
		Redis:    redisClient,
		Metrics:  metrics,
	}

	// Raw payload archive (optional)
	if cfg.S3.Enabled {
		archive, err := repository.NewS3PayloadArchive(ctx, cfg.S3)
		if err != nil {
			log.Printf("Warning: Failed to initialize S3 archive, payloads stay inline: %v", err)
		} else {
			backends.Archive = archive
			log.Println("✓ S3 payload archive ready")
		}
	}

	engine := server.NewEngine(cfg, mongoDB, backends)

	if cfg.Triggers.Source == config.TriggerSourceChangeStream {
		source := trigger.NewChangeStreamSource(mongoDB, engine.Bus)
		go func() {
			if err := source.Run(ctx); err != nil {
				log.Printf("[Triggers] Change stream stopped: %v", err)
			}
		}()
		log.Println("✓ Change stream triggers running")
	}

	var validator middleware.TokenValidator
	if cfg.PubSub.VerifyOIDC {
		v, err := idtoken.NewValidator(ctx)
		if err != nil {
			log.Fatalf("Failed to create Pub/Sub token validator: %v", err)
		}
		validator = v
	}

	var scheduler *service.SweepScheduler
	if cfg.Sweeper.Enabled {
		scheduler = service.NewSweepScheduler(engine.Sweeper, cfg.Sweeper.Interval)
		if err := scheduler.Start(); err != nil {
			log.Fatalf("Failed to start sweeper: %v", err)
		}
		log.Printf("✓ Sweeper scheduled every %s", cfg.Sweeper.Interval)
	}

	// Initialize App using Server package
	app := server.NewApp(server.AppDependencies{
		Config:         cfg,
		Engine:         engine,
		RedisClient:    redisClient,
		AuthClient:     authClient,
		TokenValidator: validator,
	})

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down gracefully...")
		if scheduler != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sweeper.Timeout)
			scheduler.Stop(shutdownCtx)
			cancel()
		}
		stop()
		app.Shutdown()
	}()

	// Start server
	log.Printf("🚀 Server starting on port %s", cfg.Server.Port)
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
