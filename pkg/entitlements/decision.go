package entitlements

import (
	"strings"
	"time"
)

// Reason explains an AccessDecision. UI layers translate it into messaging.
type Reason string

const (
	ReasonActiveSubscription Reason = "active_subscription"
	ReasonInTrial            Reason = "in_trial"
	ReasonFreeUsageRemaining Reason = "free_usage_remaining"
	ReasonFreeUsageExhausted Reason = "free_usage_exhausted"
	ReasonTrialExpiredNoSub  Reason = "trial_expired_no_sub"
	ReasonPrivileged         Reason = "privileged"
	ReasonUnavailable        Reason = "unavailable"
)

// Message returns a short user-facing explanation for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonActiveSubscription:
		return "Included in your subscription"
	case ReasonInTrial:
		return "Free trial active"
	case ReasonFreeUsageRemaining:
		return "Free uses remaining"
	case ReasonFreeUsageExhausted:
		return "Free uses exhausted, upgrade to continue"
	case ReasonTrialExpiredNoSub:
		return "Trial expired, subscribe to continue"
	case ReasonPrivileged:
		return "Unlimited administrator access"
	default:
		return "Entitlements unavailable"
	}
}

// AccessDecision is the derived, never-cached answer for one feature.
// Remaining is Unlimited (-1) when no bound applies.
type AccessDecision struct {
	Feature   string `json:"feature"`
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason"`
	Remaining int    `json:"remaining"`
}

// Locked is the negation of Allowed.
func (d AccessDecision) Locked() bool {
	return !d.Allowed
}

// Policy holds the tunable gating constants.
type Policy struct {
	TrialWindow     time.Duration `json:"trial_window"`
	MaxFreeUsage    int           `json:"max_free_usage"`
	PrivilegedRoles []string      `json:"privileged_roles"`
}

// Default policy values.
const (
	DefaultMaxFreeUsage  = 3
	DefaultPrivilegeRole = "admin"
)

// DefaultPolicy returns the stock gating policy.
func DefaultPolicy() Policy {
	return Policy{
		TrialWindow:     DefaultTrialWindow,
		MaxFreeUsage:    DefaultMaxFreeUsage,
		PrivilegedRoles: []string{DefaultPrivilegeRole},
	}
}

// Normalize fills invalid fields with defaults.
func (p Policy) Normalize() Policy {
	out := Policy{
		TrialWindow:  normalizeWindow(p.TrialWindow),
		MaxFreeUsage: p.MaxFreeUsage,
	}
	if out.MaxFreeUsage < 0 {
		out.MaxFreeUsage = 0
	}
	for _, role := range p.PrivilegedRoles {
		if role = strings.TrimSpace(role); role != "" {
			out.PrivilegedRoles = append(out.PrivilegedRoles, role)
		}
	}
	return out
}

// DecisionInput is everything Decide needs. Identity nil means no identity
// has been loaded yet.
type DecisionInput struct {
	Identity     *Identity
	Subscription *SubscriptionSnapshot
	Usage        UsageState
	Policy       Policy
	Now          time.Time
}

// Decide evaluates access to feature. First match wins:
// privileged role, active subscription, running trial, free usage left.
// Without an identity the decision is denied.
func Decide(feature string, in DecisionInput) AccessDecision {
	policy := in.Policy.Normalize()
	decision := AccessDecision{Feature: feature}

	if in.Identity == nil {
		decision.Reason = ReasonUnavailable
		return decision
	}

	if in.Identity.Privileged(policy.PrivilegedRoles) {
		decision.Allowed = true
		decision.Reason = ReasonPrivileged
		decision.Remaining = Unlimited
		return decision
	}

	if in.Subscription.IsActive() {
		decision.Allowed = true
		decision.Reason = ReasonActiveSubscription
		decision.Remaining = subscriptionRemaining(in.Subscription, feature)
		return decision
	}

	if in.Usage.Trial().Active(policy.TrialWindow, in.Now) {
		decision.Allowed = true
		decision.Reason = ReasonInTrial
		decision.Remaining = Unlimited
		return decision
	}

	if in.Usage.FreeUsageCount < policy.MaxFreeUsage {
		decision.Allowed = true
		decision.Reason = ReasonFreeUsageRemaining
		decision.Remaining = policy.MaxFreeUsage - in.Usage.FreeUsageCount
		return decision
	}

	if policy.MaxFreeUsage == 0 {
		decision.Reason = ReasonTrialExpiredNoSub
	} else {
		decision.Reason = ReasonFreeUsageExhausted
	}
	return decision
}

func subscriptionRemaining(s *SubscriptionSnapshot, feature string) int {
	quota, ok := s.Plan.QuotaFor(feature)
	if !ok || quota == Unlimited {
		return Unlimited
	}
	remaining := quota - s.Usage[feature]
	if remaining < 0 {
		return 0
	}
	return remaining
}
