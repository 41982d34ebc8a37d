package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/alcalc/playsync/internal/telemetry"
)

// Webhook outcomes, reported to metrics and to the HTTP layer
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeTest      = "test"
	OutcomeOneTime   = "one_time"
	OutcomeMalformed = "malformed"
	OutcomeRejected  = "fetch_error"
	OutcomeRetry     = "retry"
)

// ProcessedStore remembers delivered message ids.
type ProcessedStore interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string, ttl time.Duration) error
}

// pushEnvelope is the Pub/Sub push request body.
type pushEnvelope struct {
	Message *struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		MessageIDv1 string            `json:"message_id"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// developerNotification is the RTDN payload.
type developerNotification struct {
	Version                    string             `json:"version"`
	PackageName                string             `json:"packageName"`
	EventTimeMillis            flexMillis         `json:"eventTimeMillis"`
	SubscriptionNotification   *subscriptionEvent `json:"subscriptionNotification"`
	OneTimeProductNotification json.RawMessage    `json:"oneTimeProductNotification"`
	VoidedPurchaseNotification json.RawMessage    `json:"voidedPurchaseNotification"`
	TestNotification           json.RawMessage    `json:"testNotification"`
}

type subscriptionEvent struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

// flexMillis accepts epoch milliseconds as a JSON number or string.
type flexMillis int64

func (f *flexMillis) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n json.Number
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		n = json.Number(s)
	} else {
		n = json.Number(b)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("eventTimeMillis: %w", err)
	}
	*f = flexMillis(v)
	return nil
}

func (f flexMillis) time() *time.Time {
	if f <= 0 {
		return nil
	}
	t := time.UnixMilli(int64(f)).UTC()
	return &t
}

// WebhookService ingests provider lifecycle notifications.
type WebhookService struct {
	provider       domain.BillingProvider
	reconciler     *Reconciler
	audit          *AuditRecorder
	processed      ProcessedStore
	processedTTL   time.Duration
	defaultPackage string
	metrics        *telemetry.Metrics
	now            func() time.Time
}

// WebhookConfig holds ingestion settings.
type WebhookConfig struct {
	DefaultPackageName string
	ProcessedTTL       time.Duration
}

// NewWebhookService creates a new webhook service. processed may be nil.
func NewWebhookService(provider domain.BillingProvider, reconciler *Reconciler, audit *AuditRecorder, processed ProcessedStore, cfg WebhookConfig, metrics *telemetry.Metrics) *WebhookService {
	return &WebhookService{
		provider:       provider,
		reconciler:     reconciler,
		audit:          audit,
		processed:      processed,
		processedTTL:   cfg.ProcessedTTL,
		defaultPackage: cfg.DefaultPackageName,
		metrics:        metrics,
		now:            time.Now,
	}
}

// Handle processes one push body. A non-nil error means the delivery should
// be retried; every other outcome is acknowledged.
func (s *WebhookService) Handle(ctx context.Context, body []byte) (string, error) {
	outcome, err := s.handle(ctx, body)
	s.metrics.WebhookEvent(ctx, outcome)
	return outcome, err
}

func (s *WebhookService) handle(ctx context.Context, body []byte) (string, error) {
	payload, messageID, err := unwrapEnvelope(body)
	if err != nil {
		s.archive(ctx, domain.RawEvent{Tag: domain.AuditTagMalformed, Error: err.Error()}, body)
		return OutcomeMalformed, nil
	}

	if messageID != "" && s.processed != nil {
		done, err := s.processed.IsProcessed(ctx, messageID)
		if err != nil {
			log.Printf("[Webhook] Dedupe lookup failed for %s: %v", messageID, err)
		} else if done {
			return OutcomeDuplicate, nil
		}
	}

	var n developerNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		s.archive(ctx, domain.RawEvent{Tag: domain.AuditTagMalformed, MessageID: messageID, Error: err.Error()}, payload)
		return OutcomeMalformed, nil
	}

	if len(n.TestNotification) > 0 {
		log.Printf("[Webhook] Test notification received (%s)", messageID)
		s.archive(ctx, domain.RawEvent{Tag: domain.AuditTagTest, MessageID: messageID}, payload)
		return OutcomeTest, nil
	}

	if n.SubscriptionNotification == nil {
		s.archive(ctx, domain.RawEvent{Tag: domain.AuditTagOneTime, MessageID: messageID}, payload)
		return OutcomeOneTime, nil
	}

	token := n.SubscriptionNotification.PurchaseToken
	packageName := n.PackageName
	if packageName == "" {
		packageName = s.defaultPackage
	}
	if token == "" || packageName == "" {
		s.archive(ctx, domain.RawEvent{Tag: domain.AuditTagMalformed, MessageID: messageID, Error: "missing purchaseToken or packageName"}, payload)
		return OutcomeMalformed, nil
	}

	snap, err := s.provider.FetchSubscription(ctx, packageName, token)
	if err != nil {
		s.archive(ctx, domain.RawEvent{Tag: domain.AuditTagFetchError, MessageID: messageID, Token: token, Error: err.Error()}, payload)

		var perr *domain.ProviderError
		if errors.As(err, &perr) && perr.Permanent() {
			log.Printf("[Webhook] Provider rejected token %s: %v", tokenPrefix(token), err)
			return OutcomeRejected, nil
		}
		return OutcomeRetry, fmt.Errorf("failed to fetch subscription: %w", err)
	}

	_, _, err = s.reconciler.Apply(ctx, ApplyInput{
		PurchaseToken: token,
		PackageName:   packageName,
		Snapshot:      snap,
		Event: &domain.EventMeta{
			SubscriptionID:   n.SubscriptionNotification.SubscriptionID,
			NotificationType: domain.NotificationType(n.SubscriptionNotification.NotificationType),
			EventTime:        n.EventTimeMillis.time(),
			ReceivedAt:       s.now().UTC(),
		},
		Source: "rtdn",
	})
	if err != nil {
		return OutcomeRetry, err
	}

	if messageID != "" && s.processed != nil {
		if err := s.processed.MarkProcessed(ctx, messageID, s.processedTTL); err != nil {
			log.Printf("[Webhook] Failed to mark %s processed: %v", messageID, err)
		}
	}
	return OutcomeProcessed, nil
}

func (s *WebhookService) archive(ctx context.Context, ev domain.RawEvent, payload []byte) {
	if err := s.audit.Record(ctx, ev, payload); err != nil {
		log.Printf("[Webhook] Failed to archive %s payload: %v", ev.Tag, err)
	}
}

// unwrapEnvelope returns the RTDN bytes and the Pub/Sub message id. A body
// that is not a push envelope is returned as is.
func unwrapEnvelope(body []byte) ([]byte, string, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", fmt.Errorf("invalid JSON body: %w", err)
	}
	if env.Message == nil {
		return body, "", nil
	}

	messageID := env.Message.MessageID
	if messageID == "" {
		messageID = env.Message.MessageIDv1
	}
	if env.Message.Data == "" {
		return nil, messageID, fmt.Errorf("push message %s has no data", messageID)
	}
	data, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, messageID, fmt.Errorf("push message data is not base64: %w", err)
	}
	return data, messageID, nil
}
