package resolver

import (
	"time"

	"github.com/meallensai/entitlements/pkg/entitlements"
)

// FeatureStatus pairs catalog metadata with the current decision.
type FeatureStatus struct {
	entitlements.FeatureInfo
	Decision entitlements.AccessDecision `json:"decision"`
	Message  string                      `json:"message"`
}

// TrialStatus is the trial read model.
type TrialStatus struct {
	Started  bool       `json:"started"`
	Start    *time.Time `json:"start,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	DaysLeft int        `json:"days_left"`
	Active   bool       `json:"active"`
	Expired  bool       `json:"expired"`
}

// FreeUsageStatus is the free usage counter read model.
type FreeUsageStatus struct {
	Count     int `json:"count"`
	Max       int `json:"max"`
	Remaining int `json:"remaining"`
}

// Status is the read model republished to badges and other live consumers.
type Status struct {
	Identity     *entitlements.Identity             `json:"identity,omitempty"`
	Privileged   bool                               `json:"privileged"`
	Trial        TrialStatus                        `json:"trial"`
	FreeUsage    FreeUsageStatus                    `json:"free_usage"`
	Subscription *entitlements.SubscriptionSnapshot `json:"subscription,omitempty"`
	Dates        entitlements.SubscriptionDateInfo  `json:"dates"`
	Features     []FeatureStatus                    `json:"features"`
	Sequence     uint64                             `json:"sequence"`
	GeneratedAt  time.Time                          `json:"generated_at"`
}

// Status computes the read model from one consistent view of the state.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFn()
	trial := s.usage.Trial()
	window := s.policy.TrialWindow

	status := Status{
		Trial: TrialStatus{
			Started:  trial.Started(),
			Start:    trial.Start,
			EndsAt:   trial.EndsAt(window),
			DaysLeft: trial.DaysLeft(window, now),
			Active:   trial.Active(window, now),
			Expired:  trial.Expired(window, now),
		},
		FreeUsage: FreeUsageStatus{
			Count: s.usage.FreeUsageCount,
			Max:   s.policy.MaxFreeUsage,
		},
		Subscription: s.snapshot.Clone(),
		Dates:        s.snapshot.DateInfo(now),
		Sequence:     s.applied,
		GeneratedAt:  now,
	}
	if remaining := s.policy.MaxFreeUsage - s.usage.FreeUsageCount; remaining > 0 {
		status.FreeUsage.Remaining = remaining
	}
	if s.identity != nil {
		cp := *s.identity
		status.Identity = &cp
		status.Privileged = cp.Privileged(s.policy.PrivilegedRoles)
	}

	for _, info := range entitlements.Features() {
		decision := s.decideLocked(info.Name, now)
		status.Features = append(status.Features, FeatureStatus{
			FeatureInfo: info,
			Decision:    decision,
			Message:     decision.Reason.Message(),
		})
	}
	return status
}
