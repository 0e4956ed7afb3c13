package entitlements

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// SubscriptionStatus represents the backend lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusInactive  SubscriptionStatus = "inactive"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusTrial     SubscriptionStatus = "trial"
	StatusExpired   SubscriptionStatus = "expired"
)

var (
	// ErrInvalidStatus is returned when a status string is not a known SubscriptionStatus.
	ErrInvalidStatus = errors.New("invalid subscription status")
	// ErrInvalidPeriod is returned when a snapshot's period ends before it starts.
	ErrInvalidPeriod = errors.New("subscription period ends before it starts")
)

// ParseSubscriptionStatus normalizes a raw status string.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(raw)); normalized {
	case "active":
		return StatusActive, nil
	case "inactive":
		return StatusInactive, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	case "trial", "trialing":
		return StatusTrial, nil
	case "expired":
		return StatusExpired, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Identity is the authenticated user as pushed by the auth collaborator.
type Identity struct {
	ID            string    `json:"id"`
	Role          string    `json:"role,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Authenticated bool      `json:"authenticated"`
}

// Privileged reports whether the identity's role is in roles.
func (i Identity) Privileged(roles []string) bool {
	role := strings.TrimSpace(i.Role)
	if role == "" {
		return false
	}
	for _, candidate := range roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

// SubscriptionSnapshot is a point-in-time copy of server-held subscription
// state. A nil snapshot means the identity has no subscription.
type SubscriptionSnapshot struct {
	ID          string             `json:"id,omitempty"`
	Status      SubscriptionStatus `json:"status"`
	Plan        PlanRef            `json:"plan"`
	PeriodStart *time.Time         `json:"period_start,omitempty"`
	PeriodEnd   *time.Time         `json:"period_end,omitempty"`
	TrialEnd    *time.Time         `json:"trial_end,omitempty"`
	Usage       map[string]int     `json:"usage,omitempty"`
}

// IsActive reports whether the snapshot grants paid access.
func (s *SubscriptionSnapshot) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// Validate checks the snapshot's status and period bounds.
func (s *SubscriptionSnapshot) Validate() error {
	if s == nil {
		return nil
	}
	if _, err := ParseSubscriptionStatus(string(s.Status)); err != nil {
		return err
	}
	if s.PeriodStart != nil && s.PeriodEnd != nil && s.PeriodEnd.Before(*s.PeriodStart) {
		return fmt.Errorf("%w: start=%s end=%s", ErrInvalidPeriod,
			s.PeriodStart.Format(time.RFC3339), s.PeriodEnd.Format(time.RFC3339))
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (s *SubscriptionSnapshot) Clone() *SubscriptionSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Plan = s.Plan.Clone()
	cp.PeriodStart = cloneTimePtr(s.PeriodStart)
	cp.PeriodEnd = cloneTimePtr(s.PeriodEnd)
	cp.TrialEnd = cloneTimePtr(s.TrialEnd)
	if s.Usage != nil {
		cp.Usage = make(map[string]int, len(s.Usage))
		for key, value := range s.Usage {
			cp.Usage[key] = value
		}
	}
	return &cp
}

// SubscriptionDateInfo is the read model for subscription date widgets.
type SubscriptionDateInfo struct {
	Start           *time.Time `json:"start,omitempty"`
	End             *time.Time `json:"end,omitempty"`
	DaysUntilExpiry int        `json:"days_until_expiry"`
	Expired         bool       `json:"expired"`
	HasSubscription bool       `json:"has_subscription"`
}

// DaysUntilExpiry returns the whole days remaining in the current period,
// rounded up and clamped at zero. Zero when there is no period end.
func (s *SubscriptionSnapshot) DaysUntilExpiry(now time.Time) int {
	if s == nil || s.PeriodEnd == nil {
		return 0
	}
	return ceilDays(s.PeriodEnd.Sub(now))
}

// IsExpired reports whether the subscription is expired by status or by date.
func (s *SubscriptionSnapshot) IsExpired(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status == StatusExpired {
		return true
	}
	return s.PeriodEnd != nil && now.After(*s.PeriodEnd)
}

// DateInfo derives the date read model. A nil snapshot yields the zero value.
func (s *SubscriptionSnapshot) DateInfo(now time.Time) SubscriptionDateInfo {
	if s == nil {
		return SubscriptionDateInfo{}
	}
	return SubscriptionDateInfo{
		Start:           cloneTimePtr(s.PeriodStart),
		End:             cloneTimePtr(s.PeriodEnd),
		DaysUntilExpiry: s.DaysUntilExpiry(now),
		Expired:         s.IsExpired(now),
		HasSubscription: true,
	}
}

func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
