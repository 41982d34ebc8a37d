package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyMiddleware replays responses for repeated mutating requests that
// carry the same X-Correlation-ID within the TTL
func IdempotencyMiddleware(redisClient *redis.Client, ttl time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Only apply to mutating methods
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPatch && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		correlationID := c.Get("X-Correlation-ID")
		if correlationID == "" {
			// No correlation ID = no idempotency check
			return c.Next()
		}

		key := fmt.Sprintf("idempotency:%s:%s:%s", c.Method(), c.Path(), correlationID)

		// Check if we have a cached response
		if raw, err := redisClient.Get(c.UserContext(), key).Bytes(); err == nil && len(raw) > 0 {
			var cached cachedResponse
			if json.Unmarshal(raw, &cached) == nil {
				c.Set("X-Idempotent-Replay", "true")
				c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
				return c.Status(cached.Status).Send(cached.Body)
			}
		}

		// Process the request
		if err := c.Next(); err != nil {
			return err
		}

		// Cache successful responses (2xx status codes)
		statusCode := c.Response().StatusCode()
		if statusCode < 200 || statusCode >= 300 {
			return nil
		}
		body := append([]byte(nil), c.Response().Body()...)
		if len(body) == 0 {
			return nil
		}
		payload, err := json.Marshal(cachedResponse{Status: statusCode, Body: body})
		if err != nil {
			return nil
		}

		// Cache with TTL (fire and forget)
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			redisClient.Set(bgCtx, key, payload, ttl)
		}()

		return nil
	}
}
