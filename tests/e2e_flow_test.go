package tests

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/alcalc/playsync/internal/config"
	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/infrastructure/fcm"
	"github.com/alcalc/playsync/internal/infrastructure/playbilling"
	"github.com/alcalc/playsync/internal/repository"
	"github.com/alcalc/playsync/internal/server"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"google.golang.org/api/option"
)

const (
	testPackage     = "com.alcalc.app"
	testAdminSecret = "test-admin-secret-123"
)

func activePayload(expiry time.Time) string {
	return fmt.Sprintf(`{
  "kind": "androidpublisher#subscriptionPurchaseV2",
  "regionCode": "MX",
  "subscriptionState": "SUBSCRIPTION_STATE_ACTIVE",
  "startTime": "2026-01-01T00:00:00Z",
  "lineItems": [{"productId": "monthly", "expiryTime": %q}]
}`, expiry.UTC().Format(time.RFC3339))
}

func expiredPayload(expiry time.Time) string {
	return fmt.Sprintf(`{
  "kind": "androidpublisher#subscriptionPurchaseV2",
  "regionCode": "MX",
  "subscriptionState": "SUBSCRIPTION_STATE_EXPIRED",
  "startTime": "2026-01-01T00:00:00Z",
  "lineItems": [{"productId": "monthly", "expiryTime": %q}]
}`, expiry.UTC().Format(time.RFC3339))
}

// pushEnvelope wraps a developer notification the way Pub/Sub push delivers it
func pushEnvelope(messageID string, notification map[string]interface{}) map[string]interface{} {
	raw, _ := json.Marshal(notification)
	return map[string]interface{}{
		"message": map[string]interface{}{
			"data":      base64.StdEncoding.EncodeToString(raw),
			"messageId": messageID,
		},
		"subscription": "projects/alcalc/subscriptions/rtdn-push",
	}
}

func subscriptionNotification(token string, notificationType int, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"version":         "1.0",
		"packageName":     testPackage,
		"eventTimeMillis": fmt.Sprintf("%d", at.UnixMilli()),
		"subscriptionNotification": map[string]interface{}{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    token,
			"subscriptionId":   "monthly",
		},
	}
}

func adminToken(t *testing.T) string {
	claims := domain.AdminClaims{
		Subject: "ops",
		Roles:   []string{domain.RoleAdmin},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testAdminSecret))
	require.NoError(t, err)
	return signed
}

type testStack struct {
	app       *fiber.App
	db        *mongo.Database
	play      *FakePlayServer
	messaging *MockMessaging
}

func setupStack(t *testing.T) *testStack {
	// MongoDB (Container)
	db, cleanupDB := SetupTestDB(t)
	t.Cleanup(cleanupDB)

	// Redis (Miniredis for speed/simplicity)
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	mockAuth := NewMockAuthClient()
	mockAuth.AddMockUser("token-u1", "u1", "u1@example.com")
	mockAuth.AddMockUser("token-u2", "u2", "u2@example.com")

	play := NewFakePlayServer(t)
	playClient, err := playbilling.NewClient(context.Background(),
		option.WithEndpoint(play.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)

	mockMessaging := &MockMessaging{}

	// Config (Minimal)
	cfg := &config.Config{}
	cfg.JWT.AdminSecret = testAdminSecret
	cfg.Play.DefaultPackageName = testPackage
	cfg.Redis.ProcessedTTL = time.Hour
	cfg.Server.IdempotencyTTL = time.Hour
	cfg.Sweeper.BatchSize = 100
	cfg.Sweeper.Timeout = 30 * time.Second
	cfg.Sweeper.LeaseTTL = time.Minute
	cfg.Fanout.BatchSize = 500
	cfg.Fanout.MaxTokens = 1000
	cfg.Fanout.Concurrency = 2
	cfg.Triggers.Source = config.TriggerSourceInProcess

	engine := server.NewEngine(cfg, db, server.Backends{
		Provider: playClient,
		Push:     fcm.NewClient(mockMessaging),
		Redis:    redisClient,
	})

	app := server.NewApp(server.AppDependencies{
		Config:      cfg,
		Engine:      engine,
		RedisClient: redisClient,
		AuthClient:  mockAuth,
	})

	return &testStack{app: app, db: db, play: play, messaging: mockMessaging}
}

func (s *testStack) request(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(jsonBytes)
	}
	req, _ := http.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)

	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func TestGoldenPath(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	admin := adminToken(t)
	users := repository.NewMongoUserRepository(s.db)
	affiliates := repository.NewMongoAffiliateRepository(s.db)

	// ==========================================
	// STEP 1: Operator creates an affiliate
	// ==========================================
	resp, body := s.request(t, "POST", "/v1/admin/affiliates", admin, map[string]string{
		"affiliateId": "aff-1",
		"code":        "ALCALC10",
		"name":        "Ana",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)

	// ==========================================
	// STEP 2: Client redeems the code, links the purchase and registers a device
	// ==========================================
	resp, body = s.request(t, "POST", "/v1/affiliates/redeem", "token-u1", map[string]string{"code": "ALCALC10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Ana", body["affiliateName"])

	resp, body = s.request(t, "POST", "/v1/affiliates/redeem", "token-u1", map[string]string{"code": "ALCALC10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["success"])

	resp, _ = s.request(t, "POST", "/v1/links/purchase-token", "token-u1", map[string]string{
		"purchaseToken": "ptok-0000000001",
		"packageName":   testPackage,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.request(t, "POST", "/v1/devices", "token-u1", map[string]string{
		"token":    "fcm-u1",
		"platform": "android",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// ==========================================
	// STEP 3: Provider reports the purchase
	// ==========================================
	s.play.Set("ptok-0000000001", activePayload(time.Now().Add(30*24*time.Hour)))

	purchased := pushEnvelope("m-1", subscriptionNotification("ptok-0000000001", 4, time.Now().Add(-time.Minute)))
	resp, body = s.request(t, "POST", "/v1/rtdn", "", purchased)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "processed", body["outcome"])

	u1, err := users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, u1.SubscriptionStatus)
	assert.Equal(t, domain.StateActive, u1.ProviderStateOf())
	assert.Equal(t, "u1@example.com", u1.Email)

	aff, err := affiliates.GetAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	assert.Equal(t, 1, aff.ActiveSubscribers)

	// Redelivery of the same message is acknowledged without a provider call
	calls := s.play.Calls()
	resp, body = s.request(t, "POST", "/v1/rtdn", "", purchased)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", body["outcome"])
	assert.Equal(t, calls, s.play.Calls())

	// ==========================================
	// STEP 4: Stats and announcements see the subscriber
	// ==========================================
	resp, body = s.request(t, "POST", "/v1/admin/stats/sync?dryRun=true", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := body["data"].(map[string]interface{})
	assert.EqualValues(t, 1, stats["count"])
	assert.Equal(t, []interface{}{"u1@example.com"}, stats["emails"])

	resp, body = s.request(t, "POST", "/v1/admin/announcements", admin, map[string]string{
		"title": "Novedades",
		"body":  "Nueva versión disponible",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, [][]string{{"fcm-u1"}}, s.messaging.Sent())

	// ==========================================
	// STEP 5: Provider reports the expiry
	// ==========================================
	s.play.Set("ptok-0000000001", expiredPayload(time.Now().Add(-time.Hour)))

	expired := pushEnvelope("m-2", subscriptionNotification("ptok-0000000001", 13, time.Now()))
	resp, body = s.request(t, "POST", "/v1/rtdn", "", expired)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processed", body["outcome"])

	u1, err = users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, u1.SubscriptionStatus)
	assert.Equal(t, domain.StateExpired, u1.ProviderStateOf())

	aff, err = affiliates.GetAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	assert.Equal(t, 0, aff.ActiveSubscribers)
}

func TestDeferredOwnerLink(t *testing.T) {
	s := setupStack(t)
	ctx := context.Background()
	users := repository.NewMongoUserRepository(s.db)

	// The notification arrives before the client ever linked the token
	s.play.Set("ptok-0000000002", activePayload(time.Now().Add(7*24*time.Hour)))
	resp, body := s.request(t, "POST", "/v1/rtdn", "", pushEnvelope("m-10", subscriptionNotification("ptok-0000000002", 4, time.Now())))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processed", body["outcome"])

	_, err := users.GetByID(ctx, "u2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Linking later projects the stored record onto the user
	resp, _ = s.request(t, "POST", "/v1/links/purchase-token", "token-u2", map[string]string{
		"purchaseToken": "ptok-0000000002",
		"packageName":   testPackage,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	u2, err := users.GetByID(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, u2.SubscriptionStatus)
}

func TestVerifyEndpoint(t *testing.T) {
	s := setupStack(t)

	s.play.Set("ptok-0000000003", activePayload(time.Now().Add(24*time.Hour)))

	resp, body := s.request(t, "POST", "/v1/subscriptions/verify", "token-u1", map[string]string{
		"uid":           "u1",
		"purchaseToken": "ptok-0000000003",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "ptok-0000000003", body["purchaseToken"])
	assert.Equal(t, "u1", body["uid"])

	resp, body = s.request(t, "POST", "/v1/subscriptions/verify", "token-u1", map[string]string{
		"uid":           "u1",
		"purchaseToken": "ptok-unknown-000",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["ok"])
}

func TestRejectsUnauthenticatedCalls(t *testing.T) {
	s := setupStack(t)

	resp, _ := s.request(t, "POST", "/v1/links/account", "", map[string]string{"accountId": "acct-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.request(t, "POST", "/v1/admin/sweep", "token-u1", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := s.request(t, "POST", "/v1/rtdn", "", map[string]interface{}{
		"version":          "1.0",
		"packageName":      testPackage,
		"testNotification": map[string]string{"version": "1.0"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", body["outcome"])
}
