package entitlements

import (
	"sort"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Unlimited is the quota and remaining-count value meaning "no limit".
const Unlimited = -1

// Plan identifiers used by the compiled-in catalog.
const (
	PlanFree     = "free"
	PlanWeekly   = "weekly"
	PlanTwoWeeks = "two_weeks"
	PlanMonthly  = "monthly"
)

// PlanRef is an immutable plan description fetched from the backend.
type PlanRef struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	DisplayName  string         `json:"display_name"`
	Description  string         `json:"description,omitempty"`
	DurationDays int            `json:"duration_days,omitempty"`
	Limits       map[string]int `json:"limits"`
}

// QuotaFor returns the quota for feature and whether the plan defines one.
// Exact keys win; otherwise wildcard keys such as "*" or "ai_*" are tried in
// lexical order.
func (p PlanRef) QuotaFor(feature string) (int, bool) {
	if quota, ok := p.Limits[feature]; ok {
		return quota, true
	}

	patterns := make([]string, 0)
	for key := range p.Limits {
		if strings.ContainsAny(key, "*?") {
			patterns = append(patterns, key)
		}
	}
	sort.Strings(patterns)
	for _, pattern := range patterns {
		if wildcard.Match(pattern, feature) {
			return p.Limits[pattern], true
		}
	}
	return 0, false
}

// IsUnlimited reports whether the plan grants unlimited use of feature.
func (p PlanRef) IsUnlimited(feature string) bool {
	quota, ok := p.QuotaFor(feature)
	return ok && quota == Unlimited
}

// Clone returns a deep copy of the plan.
func (p PlanRef) Clone() PlanRef {
	cp := p
	if p.Limits != nil {
		cp.Limits = make(map[string]int, len(p.Limits))
		for key, value := range p.Limits {
			cp.Limits[key] = value
		}
	}
	return cp
}

// DefaultPlans returns the compiled-in plan catalog used whenever the
// backend cannot supply one.
func DefaultPlans() []PlanRef {
	unlimited := func() map[string]int {
		return map[string]int{
			FeatureFoodDetection: Unlimited,
			FeatureMealPlanning:  Unlimited,
			FeatureAIKitchen:     Unlimited,
			"*":                  Unlimited,
		}
	}

	return []PlanRef{
		{
			ID:          PlanFree,
			Name:        PlanFree,
			DisplayName: "Free Plan",
			Description: "Basic features with limited usage",
			Limits: map[string]int{
				FeatureFoodDetection: 5,
				FeatureMealPlanning:  3,
				FeatureAIKitchen:     5,
			},
		},
		{
			ID:           PlanWeekly,
			Name:         PlanWeekly,
			DisplayName:  "Weekly Plan",
			Description:  "7 days of unlimited access",
			DurationDays: 7,
			Limits:       unlimited(),
		},
		{
			ID:           PlanTwoWeeks,
			Name:         PlanTwoWeeks,
			DisplayName:  "Two-Week Plan",
			Description:  "14 days of unlimited access",
			DurationDays: 14,
			Limits:       unlimited(),
		},
		{
			ID:           PlanMonthly,
			Name:         PlanMonthly,
			DisplayName:  "Monthly Plan",
			Description:  "30 days of unlimited access",
			DurationDays: 30,
			Limits:       unlimited(),
		},
	}
}

// FindPlan returns the plan with the given id or name.
func FindPlan(plans []PlanRef, idOrName string) (PlanRef, bool) {
	for _, plan := range plans {
		if plan.ID == idOrName || plan.Name == idOrName {
			return plan, true
		}
	}
	return PlanRef{}, false
}

// ClonePlans deep-copies a plan list.
func ClonePlans(plans []PlanRef) []PlanRef {
	if plans == nil {
		return nil
	}
	out := make([]PlanRef, len(plans))
	for i, plan := range plans {
		out[i] = plan.Clone()
	}
	return out
}
