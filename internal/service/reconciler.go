package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/telemetry"
	"github.com/alcalc/playsync/internal/trigger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Reconciler is the only writer of provider derived subscription fields and
// of the user projection.
type Reconciler struct {
	subs      domain.SubscriptionRepository
	users     domain.UserRepository
	publisher trigger.Publisher
	metrics   *telemetry.Metrics
	now       func() time.Time
}

// NewReconciler creates a new reconciler
func NewReconciler(subs domain.SubscriptionRepository, users domain.UserRepository, publisher trigger.Publisher, metrics *telemetry.Metrics, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{subs: subs, users: users, publisher: publisher, metrics: metrics, now: now}
}

// ApplyInput is one provider snapshot to merge into a record.
type ApplyInput struct {
	PurchaseToken string
	PackageName   string
	Snapshot      *domain.Snapshot
	Event         *domain.EventMeta
	Source        string
}

// Apply merges the snapshot into the record (always writes, so bookkeeping
// advances) and announces the change.
func (r *Reconciler) Apply(ctx context.Context, in ApplyInput) (*domain.PlaySubscription, *domain.PlaySubscription, error) {
	ctx, span := otel.Tracer("reconciler").Start(ctx, "reconciler.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("subscription.source", in.Source))

	patch := domain.SubscriptionPatch{
		PackageName: in.PackageName,
		Snapshot:    *in.Snapshot,
		Event:       in.Event,
		Source:      in.Source,
		FetchedAt:   r.now().UTC(),
	}
	before, after, err := r.subs.ApplyPatch(ctx, in.PurchaseToken, patch)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to apply snapshot: %w", err)
	}
	span.SetAttributes(
		attribute.String("subscription.state", string(after.State)),
		attribute.Bool("subscription.active", after.IsActive),
		attribute.Bool("subscription.relevant", domain.ShouldProject(before, after)),
		attribute.Bool("subscription.projection_pending", after.ProjectionPending()),
	)

	if err := r.publishSubscription(ctx, before, after); err != nil {
		return before, after, err
	}
	return before, after, nil
}

func (r *Reconciler) publishSubscription(ctx context.Context, before, after *domain.PlaySubscription) error {
	return r.publisher.SubscriptionChanged(ctx, trigger.SubscriptionChange{Before: before, After: after})
}

// Project writes the subscription's projection onto the user, raises the
// record's projection watermark and announces the user change. path labels
// the trigger for metrics.
func (r *Reconciler) Project(ctx context.Context, uid string, sub *domain.PlaySubscription, path string) (*domain.User, error) {
	before, after, err := r.users.ApplyProjection(ctx, uid, domain.ProjectionFor(sub, r.now()))
	if err != nil {
		return nil, err
	}
	r.metrics.Projection(ctx, path)

	if sub.ProjectionPending() {
		if err := r.subs.MarkProjected(ctx, sub.PurchaseToken, sub.ProjectionDue); err != nil {
			return after, fmt.Errorf("failed to mark projection: %w", err)
		}
	}

	if err := r.publisher.UserChanged(ctx, trigger.UserChange{Before: before, After: after}); err != nil {
		return after, err
	}
	return after, nil
}
