// Package remote is the HTTP client for the MealLens entitlement backend.
// Every failure is reported as an *errors.RemoteError matching
// errors.ErrUnavailable; nothing panics past this boundary.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	rerrors "github.com/meallensai/entitlements/internal/errors"
	"github.com/meallensai/entitlements/internal/metrics"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	maxHTTPErrorBodyBytes = 4096
	maxResponseBodyBytes  = 1 << 20
	defaultTimeout        = 5 * time.Second
	userAgent             = "meallens-entitlements"
	userHeader            = "X-MealLens-User"
)

// Operation names used in errors, logs and metrics.
const (
	OpFetchSubscription = "fetch_subscription"
	OpFetchPlans        = "fetch_plans"
	OpCheckUsage        = "check_usage"
	OpPushUsage         = "push_usage"
	OpUsageSummary      = "usage_summary"
)

// Config holds configuration for the backend client.
type Config struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	DNSCacheTTL time.Duration
	// HTTPClient replaces the default transport stack when set.
	HTTPClient *http.Client
	Metrics    *metrics.EntitlementMetrics
	Logger     *zerolog.Logger
}

// UsageReport is the backend's informational view of one feature's usage.
type UsageReport struct {
	Feature      string `json:"feature"`
	CanUse       bool   `json:"can_use"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	Message      string `json:"message,omitempty"`
}

// UsageEvent is one usage record mirrored to the backend.
type UsageEvent struct {
	IdentityID     string
	Feature        string
	OccurredAt     time.Time
	IdempotencyKey string
}

// PushResult is the backend's acknowledgement of a usage event.
type PushResult struct {
	IsFirstUsage bool
	Message      string
}

// Client talks to the entitlement backend.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	dialer     *cachingDialer
	metrics    *metrics.EntitlementMetrics
	logger     zerolog.Logger

	mu        sync.RWMutex
	lastPlans []entitlements.PlanRef
}

// New creates a backend client. The base URL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	baseURL, err := normalizeBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	c := &Client{
		baseURL: baseURL,
		timeout: timeout,
		metrics: cfg.Metrics,
		logger:  logger.With().Str("component", "remote").Logger(),
	}

	if cfg.HTTPClient != nil {
		c.httpClient = cfg.HTTPClient
	} else {
		c.dialer = newCachingDialer(cfg.DNSCacheTTL)
		var transport http.RoundTripper = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         c.dialer.DialContext,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: timeout,
		}
		if token := strings.TrimSpace(cfg.Token); token != "" {
			transport = &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
				Base:   transport,
			}
		}
		c.httpClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return fmt.Errorf("server returned redirect to %s", req.URL)
			},
		}
	}

	return c, nil
}

// Close releases the DNS cache refresher.
func (c *Client) Close() {
	if c != nil && c.dialer != nil {
		c.dialer.Close()
	}
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// FetchSubscription returns the identity's subscription, or (nil, nil) when
// the backend reports none.
func (c *Client) FetchSubscription(ctx context.Context, identity entitlements.Identity) (*entitlements.SubscriptionSnapshot, error) {
	var resp subscriptionResponse
	err := c.do(ctx, OpFetchSubscription, identity.ID, "", http.MethodGet, "/payment/subscription", nil, &resp)
	if err != nil {
		if errors.Is(err, rerrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if resp.Subscription == nil {
		return nil, nil
	}

	snapshot, err := resp.Subscription.toSnapshot()
	if err != nil {
		return nil, rerrors.WrapValidationError(OpFetchSubscription, err)
	}
	return snapshot, nil
}

// FetchPlans returns the backend plan catalog and remembers it as the last
// known catalog.
func (c *Client) FetchPlans(ctx context.Context) ([]entitlements.PlanRef, error) {
	var resp plansResponse
	if err := c.do(ctx, OpFetchPlans, "", "", http.MethodGet, "/payment/plans", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Plans) == 0 {
		return nil, rerrors.WrapValidationError(OpFetchPlans, errors.New("empty plan list"))
	}

	plans := make([]entitlements.PlanRef, 0, len(resp.Plans))
	for _, dto := range resp.Plans {
		plan, err := dto.toPlan()
		if err != nil {
			return nil, rerrors.WrapValidationError(OpFetchPlans, err)
		}
		plans = append(plans, plan)
	}

	c.mu.Lock()
	c.lastPlans = entitlements.ClonePlans(plans)
	c.mu.Unlock()
	return plans, nil
}

// PlansOrFallback never fails: on error it returns the last known catalog,
// or the compiled-in default plans.
func (c *Client) PlansOrFallback(ctx context.Context) []entitlements.PlanRef {
	plans, err := c.FetchPlans(ctx)
	if err == nil {
		return plans
	}
	if last := c.LastKnownPlans(); len(last) > 0 {
		c.logger.Warn().Err(err).Msg("Plan fetch failed, using last known catalog")
		return last
	}
	c.logger.Warn().Err(err).Msg("Plan fetch failed, using default catalog")
	return entitlements.DefaultPlans()
}

// LastKnownPlans returns a copy of the last successfully fetched catalog.
func (c *Client) LastKnownPlans() []entitlements.PlanRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return entitlements.ClonePlans(c.lastPlans)
}

// CheckUsage asks the backend for its view of a feature's usage. The result
// is informational and never gates access.
func (c *Client) CheckUsage(ctx context.Context, identity entitlements.Identity, feature string) (UsageReport, error) {
	var resp checkUsageResponse
	path := "/payment/check-usage/" + url.PathEscape(feature)
	if err := c.do(ctx, OpCheckUsage, identity.ID, feature, http.MethodGet, path, nil, &resp); err != nil {
		return UsageReport{}, err
	}
	return UsageReport{
		Feature:      feature,
		CanUse:       resp.CanUse,
		CurrentUsage: resp.CurrentUsage,
		Limit:        resp.Limit,
		Remaining:    resp.Remaining,
		Message:      firstNonEmpty(resp.Message, resp.envelope.Message),
	}, nil
}

// PushUsageEvent mirrors one usage event. The idempotency key lets the
// backend drop duplicates when a journaled event is re-sent.
func (c *Client) PushUsageEvent(ctx context.Context, event UsageEvent) (PushResult, error) {
	if event.IdempotencyKey == "" {
		event.IdempotencyKey = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(recordUsageRequest{
		Count:          1,
		IdempotencyKey: event.IdempotencyKey,
		OccurredAt:     event.OccurredAt.UTC(),
	})
	if err != nil {
		return PushResult{}, rerrors.NewRemoteError(rerrors.ErrorTypeValidation, OpPushUsage, err).WithFeature(event.Feature)
	}

	var resp recordUsageResponse
	path := "/payment/record-usage/" + url.PathEscape(event.Feature)
	if err := c.do(ctx, OpPushUsage, event.IdentityID, event.Feature, http.MethodPost, path, body, &resp, withHeader("Idempotency-Key", event.IdempotencyKey)); err != nil {
		return PushResult{}, err
	}
	return PushResult{IsFirstUsage: resp.IsFirstUsage, Message: resp.Message}, nil
}

// UsageSummary returns the backend's per-feature usage counts.
func (c *Client) UsageSummary(ctx context.Context, identity entitlements.Identity) (map[string]int, error) {
	var resp usageSummaryResponse
	if err := c.do(ctx, OpUsageSummary, identity.ID, "", http.MethodGet, "/payment/usage", nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(resp.Usage))
	for feature, raw := range resp.Usage {
		if count, ok := usageCount(raw); ok {
			out[feature] = count
		}
	}
	return out, nil
}

type requestOption func(*http.Request)

func withHeader(key, value string) requestOption {
	return func(req *http.Request) { req.Header.Set(key, value) }
}

// failable is implemented by payloads carrying the status envelope.
type failable interface {
	failed() bool
	message() string
}

func (e envelope) message() string { return e.Message }

func (c *Client) do(ctx context.Context, op, identityID, feature, method, path string, body []byte, out failable, opts ...requestOption) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(rerrors.TypeOf(err))
		}
		c.metrics.RecordRemote(op, outcome, time.Since(started))
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, reqErr := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if reqErr != nil {
		return rerrors.NewRemoteError(rerrors.ErrorTypeValidation, op, fmt.Errorf("create request: %w", reqErr)).WithFeature(feature)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identityID != "" {
		req.Header.Set(userHeader, identityID)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return rerrors.Classify(op, doErr).WithFeature(feature)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn().Err(closeErr).Str("op", op).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return formatHTTPStatusError(resp, op).WithFeature(feature)
	}

	if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(out); decodeErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rerrors.Classify(op, ctxErr).WithFeature(feature)
		}
		return rerrors.NewRemoteError(rerrors.ErrorTypeValidation, op,
			fmt.Errorf("%w: decode response: %v", rerrors.ErrInvalidPayload, decodeErr)).WithFeature(feature)
	}
	if out.failed() {
		cause := errors.New(firstNonEmpty(out.message(), "backend reported an error"))
		if op == OpPushUsage {
			cause = fmt.Errorf("%w: %v", rerrors.ErrUsageRejected, cause)
		}
		return rerrors.NewRemoteError(rerrors.ErrorTypeAPI, op, cause).WithStatusCode(resp.StatusCode).WithFeature(feature)
	}
	return nil
}

func formatHTTPStatusError(resp *http.Response, op string) *rerrors.RemoteError {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyBytes))
	if readErr != nil {
		return rerrors.FromStatus(op, resp.StatusCode, fmt.Sprintf("(failed to read response body: %v)", readErr))
	}
	return rerrors.FromStatus(op, resp.StatusCode, string(body))
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("backend URL is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid backend URL scheme %q: must be http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid backend URL %q: missing host", raw)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
