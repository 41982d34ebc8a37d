package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	processedMessageKeyPrefix = "rtdn:processed:"
	leaseKeyPrefix            = "lease:"
)

// releaseLeaseScript deletes the lease only if it is still held by the caller.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps short lived coordination state: processed webhook
// deliveries and sweep leases.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
	}
}

// IsProcessed reports whether a push delivery was already handled successfully
func (r *RedisStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	tracer := otel.Tracer("redis")
	ctx, span := tracer.Start(ctx, "redis.IsProcessed",
		trace.WithAttributes(attribute.String("rtdn.message_id", messageID)),
	)
	defer span.End()

	n, err := r.client.Exists(ctx, processedMessageKeyPrefix+messageID).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("redis exists error: %w", err)
	}
	span.SetAttributes(attribute.Bool("rtdn.processed", n > 0))
	return n > 0, nil
}

// MarkProcessed records a handled push delivery for ttl
func (r *RedisStore) MarkProcessed(ctx context.Context, messageID string, ttl time.Duration) error {
	tracer := otel.Tracer("redis")
	ctx, span := tracer.Start(ctx, "redis.MarkProcessed",
		trace.WithAttributes(
			attribute.String("rtdn.message_id", messageID),
			attribute.Int64("cache.ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	if err := r.client.Set(ctx, processedMessageKeyPrefix+messageID, time.Now().UTC().Unix(), ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// AcquireLease takes a named lease with SET NX. When acquired, the returned
// release func gives it back early; otherwise it expires after ttl.
func (r *RedisStore) AcquireLease(ctx context.Context, name string, ttl time.Duration) (func(context.Context), bool, error) {
	tracer := otel.Tracer("redis")
	ctx, span := tracer.Start(ctx, "redis.AcquireLease",
		trace.WithAttributes(attribute.String("lease.name", name)),
	)
	defer span.End()

	key := leaseKeyPrefix + name
	holder := ulid.Make().String()

	ok, err := r.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("redis setnx error: %w", err)
	}
	span.SetAttributes(attribute.Bool("lease.acquired", ok))
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		_ = releaseLeaseScript.Run(ctx, r.client, []string{key}, holder).Err()
	}
	return release, true, nil
}
