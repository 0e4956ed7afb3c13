package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/meallensai/entitlements/pkg/entitlements"
)

// envelope is the status wrapper every backend payload carries.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (e envelope) failed() bool {
	return strings.EqualFold(strings.TrimSpace(e.Status), "error")
}

type subscriptionResponse struct {
	envelope
	Subscription *subscriptionDTO `json:"subscription"`
}

type subscriptionDTO struct {
	Subscription struct {
		ID                 string  `json:"id"`
		Status             string  `json:"status"`
		CurrentPeriodStart *string `json:"current_period_start"`
		CurrentPeriodEnd   *string `json:"current_period_end"`
		TrialEnd           *string `json:"trial_end"`
	} `json:"subscription"`
	Plan  *planDTO                   `json:"plan"`
	Usage map[string]json.RawMessage `json:"usage"`
}

type plansResponse struct {
	envelope
	Plans []planDTO `json:"plans"`
}

type planDTO struct {
	ID           json.RawMessage            `json:"id"`
	Name         string                     `json:"name"`
	DisplayName  string                     `json:"display_name"`
	Description  string                     `json:"description"`
	DurationDays int                        `json:"duration_days"`
	Limits       map[string]json.RawMessage `json:"limits"`
}

type checkUsageResponse struct {
	envelope
	CanUse       bool   `json:"can_use"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	Message      string `json:"message"`
}

type recordUsageRequest struct {
	Count          int       `json:"count"`
	IdempotencyKey string    `json:"idempotency_key"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type recordUsageResponse struct {
	envelope
	IsFirstUsage bool `json:"is_first_usage"`
}

type usageSummaryResponse struct {
	envelope
	Usage map[string]json.RawMessage `json:"usage"`
}

func (d *subscriptionDTO) toSnapshot() (*entitlements.SubscriptionSnapshot, error) {
	status, err := entitlements.ParseSubscriptionStatus(d.Subscription.Status)
	if err != nil {
		return nil, err
	}

	snapshot := &entitlements.SubscriptionSnapshot{
		ID:     strings.TrimSpace(d.Subscription.ID),
		Status: status,
	}
	if snapshot.PeriodStart, err = parseTimestamp(d.Subscription.CurrentPeriodStart); err != nil {
		return nil, fmt.Errorf("current_period_start: %w", err)
	}
	if snapshot.PeriodEnd, err = parseTimestamp(d.Subscription.CurrentPeriodEnd); err != nil {
		return nil, fmt.Errorf("current_period_end: %w", err)
	}
	if snapshot.TrialEnd, err = parseTimestamp(d.Subscription.TrialEnd); err != nil {
		return nil, fmt.Errorf("trial_end: %w", err)
	}
	if d.Plan != nil {
		if snapshot.Plan, err = d.Plan.toPlan(); err != nil {
			return nil, err
		}
	}
	if len(d.Usage) > 0 {
		snapshot.Usage = make(map[string]int, len(d.Usage))
		for feature, raw := range d.Usage {
			if count, ok := usageCount(raw); ok {
				snapshot.Usage[feature] = count
			}
		}
	}

	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (p planDTO) toPlan() (entitlements.PlanRef, error) {
	plan := entitlements.PlanRef{
		ID:           rawID(p.ID),
		Name:         strings.TrimSpace(p.Name),
		DisplayName:  strings.TrimSpace(p.DisplayName),
		Description:  strings.TrimSpace(p.Description),
		DurationDays: p.DurationDays,
	}
	if plan.Name == "" && plan.ID == "" {
		return entitlements.PlanRef{}, fmt.Errorf("plan has neither id nor name")
	}
	if plan.ID == "" {
		plan.ID = plan.Name
	}
	if plan.DisplayName == "" {
		plan.DisplayName = plan.Name
	}

	plan.Limits = make(map[string]int, len(p.Limits))
	for feature, raw := range p.Limits {
		quota, err := parseQuota(raw)
		if err != nil {
			return entitlements.PlanRef{}, fmt.Errorf("plan %q limit %q: %w", plan.ID, feature, err)
		}
		plan.Limits[feature] = quota
	}
	return plan, nil
}

// parseQuota accepts integers, numeric strings and the literal "unlimited".
func parseQuota(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("quota %v is not an integer", n)
		}
		if n < 0 {
			return entitlements.Unlimited, nil
		}
		return int(n), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("quota %s is neither a number nor a string", string(raw))
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "unlimited" {
		return entitlements.Unlimited, nil
	}
	parsed, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("quota %q: %w", s, err)
	}
	if parsed < 0 {
		return entitlements.Unlimited, nil
	}
	return parsed, nil
}

// usageCount reads a usage entry that is either a bare number or an object
// with a current_usage or count field.
func usageCount(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var obj struct {
		CurrentUsage *int `json:"current_usage"`
		Count        *int `json:"count"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, false
	}
	switch {
	case obj.CurrentUsage != nil:
		return *obj.CurrentUsage, true
	case obj.Count != nil:
		return *obj.Count, true
	default:
		return 0, false
	}
}

func rawID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(raw *string) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	value := strings.TrimSpace(*raw)
	if value == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("unrecognised timestamp %q", value)
}
