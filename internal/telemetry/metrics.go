package telemetry

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "playsync-engine"

// Metrics holds the engine counters. A nil *Metrics records nothing.
type Metrics struct {
	webhookEvents        metric.Int64Counter
	projections          metric.Int64Counter
	affiliateAdjustments metric.Int64Counter
	sweepFlips           metric.Int64Counter
	pushDelivered        metric.Int64Counter
	pushFailed           metric.Int64Counter
	tokensDisabled       metric.Int64Counter
}

// NewMetrics creates counters on the global meter provider
func NewMetrics() *Metrics {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.webhookEvents, "rtdn.events", "Webhook deliveries by outcome"},
		{&m.projections, "subscription.projections", "User projections written by trigger path"},
		{&m.affiliateAdjustments, "affiliate.adjustments", "Affiliate counter adjustments by direction"},
		{&m.sweepFlips, "sweep.flips", "Records flipped inactive by the sweeper"},
		{&m.pushDelivered, "push.delivered", "Push notifications delivered"},
		{&m.pushFailed, "push.failed", "Push notifications failed"},
		{&m.tokensDisabled, "push.tokens_disabled", "Device tokens disabled after permanent failures"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			log.Printf("Warning: failed to create counter %s: %v", c.name, err)
			continue
		}
		*c.dst = counter
	}
	return m
}

func add(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

// WebhookEvent counts one webhook delivery outcome
func (m *Metrics) WebhookEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	add(ctx, m.webhookEvents, 1, attribute.String("outcome", outcome))
}

// Projection counts one user projection
func (m *Metrics) Projection(ctx context.Context, path string) {
	if m == nil {
		return
	}
	add(ctx, m.projections, 1, attribute.String("path", path))
}

// AffiliateAdjustment records a counter delta
func (m *Metrics) AffiliateAdjustment(ctx context.Context, affiliateID string, delta int) {
	if m == nil || delta == 0 {
		return
	}
	direction := "increment"
	if delta < 0 {
		direction = "decrement"
	}
	add(ctx, m.affiliateAdjustments, 1, attribute.String("direction", direction), attribute.String("affiliate_id", affiliateID))
}

// SweepFlips counts records flipped by one sweep pass
func (m *Metrics) SweepFlips(ctx context.Context, kind string, n int64) {
	if m == nil {
		return
	}
	add(ctx, m.sweepFlips, n, attribute.String("kind", kind))
}

// PushOutcome records the totals of one fan-out run
func (m *Metrics) PushOutcome(ctx context.Context, delivered, failed, disabled int) {
	if m == nil {
		return
	}
	add(ctx, m.pushDelivered, int64(delivered))
	add(ctx, m.pushFailed, int64(failed))
	add(ctx, m.tokensDisabled, int64(disabled))
}
