package playbilling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/option/internaloption"
	htransport "google.golang.org/api/transport/http"
)

// Default Play Developer API endpoints, as registered by the generated client
const (
	defaultEndpoint         = "https://androidpublisher.googleapis.com/"
	defaultEndpointTemplate = "https://androidpublisher.UNIVERSE_DOMAIN/"
	defaultMTLSEndpoint     = "https://androidpublisher.mtls.googleapis.com/"

	subscriptionV2Path = "androidpublisher/v3/applications/{packageName}/purchases/subscriptionsv2/tokens/{token}"
)

// Client is the Google Play Developer API adapter. It implements
// domain.BillingProvider over purchases.subscriptionsv2.get. Responses are
// read raw so legacy field locations reach ParseSubscription.
type Client struct {
	http     *http.Client
	basePath string
}

// NewClient creates a Play client. Pass option.WithCredentialsJSON for a
// service account, or option.WithEndpoint + option.WithoutAuthentication for
// emulators and tests.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{internaloption.WithDefaultScopes(androidpublisher.AndroidpublisherScope)}, opts...)
	opts = append(opts,
		internaloption.WithDefaultEndpoint(defaultEndpoint),
		internaloption.WithDefaultEndpointTemplate(defaultEndpointTemplate),
		internaloption.WithDefaultMTLSEndpoint(defaultMTLSEndpoint),
		internaloption.EnableNewAuthLibrary(),
	)
	hc, endpoint, err := htransport.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create androidpublisher transport: %w", err)
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{http: hc, basePath: endpoint}, nil
}

// FetchSubscription queries the provider and normalizes the response.
// Any failure is returned as *domain.ProviderError.
func (c *Client) FetchSubscription(ctx context.Context, packageName, purchaseToken string) (*domain.Snapshot, error) {
	ctx, span := otel.Tracer("playbilling").Start(ctx, "playbilling.FetchSubscription")
	defer span.End()
	span.SetAttributes(attribute.String("play.package_name", packageName))

	raw, err := c.getSubscriptionV2(ctx, packageName, purchaseToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		return nil, classify(err)
	}

	snap, err := ParseSubscription(raw)
	if err != nil {
		return nil, &domain.ProviderError{StatusCode: http.StatusUnprocessableEntity, Err: err}
	}
	span.SetAttributes(attribute.String("play.subscription_state", string(snap.State)))
	return snap, nil
}

// getSubscriptionV2 performs subscriptionsv2.get and returns the body bytes
// untouched. Non-2xx answers come back as *googleapi.Error.
func (c *Client) getSubscriptionV2(ctx context.Context, packageName, purchaseToken string) ([]byte, error) {
	urls := googleapi.ResolveRelative(c.basePath, subscriptionV2Path) + "?alt=json&prettyPrint=false"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urls, nil)
	if err != nil {
		return nil, err
	}
	googleapi.Expand(req.URL, map[string]string{
		"packageName": packageName,
		"token":       purchaseToken,
	})
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer googleapi.CloseBody(res)
	if err := googleapi.CheckResponse(res); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read subscription response: %w", err)
	}
	return body, nil
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &domain.ProviderError{StatusCode: apiErr.Code, Err: err}
	}
	return &domain.ProviderError{Err: err}
}

// ParseSubscription normalizes a subscription purchase payload. Field
// locations moved between API versions, so every known location is tried.
func ParseSubscription(raw []byte) (*domain.Snapshot, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode subscription payload: %w", err)
	}

	snap := &domain.Snapshot{
		State:      domain.SubscriptionState(stringAt(doc, "subscriptionState")),
		RegionCode: stringAt(doc, "regionCode"),
	}
	if snap.State == "" {
		snap.State = domain.StateUnspecified
	}

	lineItems, _ := doc["lineItems"].([]any)
	items := make([]domain.LineItem, 0, len(lineItems)+1)
	for _, li := range lineItems {
		m, ok := li.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, domain.LineItem{
			StartMillis: firstInstant(m, "validTimeInterval.startTimeMillis", "startTimeMillis", "startTime", "validTimeInterval.startTime"),
			EndMillis:   firstInstant(m, "validTimeInterval.endTimeMillis", "expiryTimeMillis", "expiryTime", "validTimeInterval.endTime"),
		})
	}
	// Top level window fields from the legacy purchases.subscriptions shape
	items = append(items, domain.LineItem{
		StartMillis: firstInstant(doc, "startTimeMillis", "startTime"),
		EndMillis:   firstInstant(doc, "expiryTimeMillis"),
	})

	w := domain.PickWindow(items)
	snap.StartTime = w.Start
	snap.EndTime = w.End
	snap.AccountID = accountID(doc, lineItems)
	return snap, nil
}

func accountID(doc map[string]any, lineItems []any) string {
	if len(lineItems) > 0 {
		if first, ok := lineItems[0].(map[string]any); ok {
			for _, path := range []string{
				"linkedPurchaseToken.obfuscatedExternalAccountId",
				"obfuscatedExternalAccountId",
			} {
				if v := stringAt(first, path); v != "" {
					return v
				}
			}
		}
	}
	for _, path := range []string{
		"obfuscatedExternalAccountId",
		"externalAccountIdentifiers.obfuscatedExternalAccountId",
	} {
		if v := stringAt(doc, path); v != "" {
			return v
		}
	}
	return ""
}

// lookup walks a dotted path through nested objects
func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringAt(m map[string]any, path string) string {
	v, ok := lookup(m, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func firstInstant(m map[string]any, paths ...string) int64 {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		if ms := toMillis(v); ms > 0 {
			return ms
		}
	}
	return 0
}

// toMillis accepts epoch millis as number or string, or an RFC 3339 timestamp.
func toMillis(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return ms
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli()
		}
	}
	return 0
}
