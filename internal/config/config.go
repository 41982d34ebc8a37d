package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Trigger sources
const (
	TriggerSourceInProcess    = "inprocess"
	TriggerSourceChangeStream = "changestream"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	MongoDB  MongoDBConfig
	Redis    RedisConfig
	Firebase FirebaseConfig
	Play     PlayConfig
	PubSub   PubSubConfig
	JWT      JWTConfig
	S3       S3Config
	OTEL     OTELConfig
	Sweeper  SweeperConfig
	Fanout   FanoutConfig
	Identity IdentityConfig
	Triggers TriggersConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string
	IdempotencyTTL time.Duration
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string

	// ProcessedTTL is how long delivered webhook message ids are remembered
	ProcessedTTL time.Duration
}

// FirebaseConfig holds Firebase Admin SDK configuration
type FirebaseConfig struct {
	ProjectID   string
	PrivateKey  string // Base64 encoded
	ClientEmail string
}

// PlayConfig holds Google Play Developer API configuration
type PlayConfig struct {
	DefaultPackageName string

	// Endpoint overrides the API base URL (emulators, tests)
	Endpoint string
}

// PubSubConfig holds push subscription authentication settings
type PubSubConfig struct {
	VerifyOIDC     bool
	Audience       string
	ServiceAccount string
}

// JWTConfig holds the operator token secret
type JWTConfig struct {
	AdminSecret string
}

// S3Config holds object storage settings for the raw payload archive
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// OTELConfig holds OpenTelemetry exporter settings
type OTELConfig struct {
	Enabled        bool
	Endpoint       string
	InstanceID     string
	Token          string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SampleRatio    float64
}

// SweeperConfig holds the periodic expiry sweep settings
type SweeperConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration
	LeaseTTL  time.Duration
}

// FanoutConfig holds notification fan-out limits
type FanoutConfig struct {
	BatchSize   int
	MaxTokens   int
	Concurrency int
}

// IdentityConfig holds identity verification policy
type IdentityConfig struct {
	// StrictMatch rejects verification calls whose body uid differs from the
	// bearer token subject. When false the mismatch is only logged.
	StrictMatch bool
}

// TriggersConfig selects where record change events come from
type TriggersConfig struct {
	Source string
}

// Load reads configuration from environment variables
// It attempts to load from .env file first, then falls back to system env vars
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
			Database: getEnv("MONGODB_DATABASE", "playsync"),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			ProcessedTTL: getEnvAsDuration("RTDN_PROCESSED_TTL", 7*24*time.Hour),
		},
		Firebase: FirebaseConfig{
			ProjectID:   getEnv("FIREBASE_PROJECT_ID", ""),
			PrivateKey:  getEnv("FIREBASE_PRIVATE_KEY", ""),
			ClientEmail: getEnv("FIREBASE_CLIENT_EMAIL", ""),
		},
		Play: PlayConfig{
			DefaultPackageName: getEnv("PLAY_DEFAULT_PACKAGE_NAME", ""),
			Endpoint:           getEnv("PLAY_API_ENDPOINT", ""),
		},
		PubSub: PubSubConfig{
			VerifyOIDC:     getEnvAsBool("PUBSUB_VERIFY_OIDC", false),
			Audience:       getEnv("PUBSUB_AUDIENCE", ""),
			ServiceAccount: getEnv("PUBSUB_SERVICE_ACCOUNT", ""),
		},
		JWT: JWTConfig{
			AdminSecret: getEnv("JWT_ADMIN_SECRET", ""),
		},
		S3: S3Config{
			Enabled:   getEnvAsBool("S3_ARCHIVE_ENABLED", false),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    getEnv("S3_BUCKET", "rtdn-archive"),
			AccessKey: getEnv("S3_ACCESS_KEY", "any"),
			SecretKey: getEnv("S3_SECRET_KEY", "any"),
		},
		OTEL: OTELConfig{
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			InstanceID:     getEnv("OTEL_INSTANCE_ID", ""),
			Token:          getEnv("OTEL_TOKEN", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "playsync"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getEnv("OTEL_ENVIRONMENT", "development"),
			SampleRatio:    getEnvAsFloat("OTEL_SAMPLE_RATIO", 1),
		},
		Sweeper: SweeperConfig{
			Enabled:   getEnvAsBool("SWEEP_ENABLED", true),
			Interval:  getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
			BatchSize: getEnvAsInt("SWEEP_BATCH_SIZE", 450),
			Timeout:   getEnvAsDuration("SWEEP_TIMEOUT", 60*time.Second),
			LeaseTTL:  getEnvAsDuration("SWEEP_LEASE_TTL", 2*time.Minute),
		},
		Fanout: FanoutConfig{
			BatchSize:   getEnvAsInt("FANOUT_BATCH_SIZE", 500),
			MaxTokens:   getEnvAsInt("FANOUT_MAX_TOKENS", 10000),
			Concurrency: getEnvAsInt("FANOUT_CONCURRENCY", 4),
		},
		Identity: IdentityConfig{
			StrictMatch: getEnvAsBool("STRICT_IDENTITY_MATCH", false),
		},
		Triggers: TriggersConfig{
			Source: getEnv("TRIGGER_SOURCE", TriggerSourceInProcess),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Firebase.ProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}
	if c.Firebase.PrivateKey == "" {
		return fmt.Errorf("FIREBASE_PRIVATE_KEY is required")
	}
	if c.Firebase.ClientEmail == "" {
		return fmt.Errorf("FIREBASE_CLIENT_EMAIL is required")
	}
	if c.JWT.AdminSecret == "" {
		return fmt.Errorf("JWT_ADMIN_SECRET is required")
	}
	if c.PubSub.VerifyOIDC && c.PubSub.Audience == "" {
		return fmt.Errorf("PUBSUB_AUDIENCE is required when PUBSUB_VERIFY_OIDC is set")
	}
	switch c.Triggers.Source {
	case TriggerSourceInProcess, TriggerSourceChangeStream:
	default:
		return fmt.Errorf("TRIGGER_SOURCE must be %q or %q", TriggerSourceInProcess, TriggerSourceChangeStream)
	}
	if c.Sweeper.BatchSize <= 0 || c.Fanout.BatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE and FANOUT_BATCH_SIZE must be positive")
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go duration strings such as "5m" or "90s"
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
