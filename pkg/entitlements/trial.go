package entitlements

import "time"

// DefaultTrialWindow is the trial length used when no policy overrides it.
const DefaultTrialWindow = 3 * 24 * time.Hour

// UsageState is the locally persisted, identity-scoped entitlement state.
type UsageState struct {
	TrialStart     *time.Time `json:"trial_start,omitempty"`
	FreeUsageCount int        `json:"free_usage_count"`
}

// Clone returns a deep copy of the usage state.
func (u UsageState) Clone() UsageState {
	return UsageState{
		TrialStart:     cloneTimePtr(u.TrialStart),
		FreeUsageCount: u.FreeUsageCount,
	}
}

// Trial returns the trial view of the usage state.
func (u UsageState) Trial() TrialState {
	return TrialState{Start: cloneTimePtr(u.TrialStart)}
}

// TrialState holds the lazily created trial start. Every derived value is
// recomputed from Start, the window and the supplied clock reading.
type TrialState struct {
	Start *time.Time
}

// Started reports whether the trial has been created.
func (t TrialState) Started() bool {
	return t.Start != nil
}

// EndsAt returns the trial end, or nil when the trial has not started.
func (t TrialState) EndsAt(window time.Duration) *time.Time {
	if t.Start == nil {
		return nil
	}
	end := t.Start.Add(normalizeWindow(window))
	return &end
}

// DaysElapsed returns whole days since the trial started.
func (t TrialState) DaysElapsed(now time.Time) int {
	if t.Start == nil || now.Before(*t.Start) {
		return 0
	}
	return int(now.Sub(*t.Start) / (24 * time.Hour))
}

// DaysLeft returns the days remaining in the trial, rounded up and clamped at
// zero. A trial that has not started reports zero.
func (t TrialState) DaysLeft(window time.Duration, now time.Time) int {
	end := t.EndsAt(window)
	if end == nil {
		return 0
	}
	return ceilDays(end.Sub(now))
}

// Active reports whether now falls inside the trial window.
func (t TrialState) Active(window time.Duration, now time.Time) bool {
	if t.Start == nil {
		return false
	}
	return now.Sub(*t.Start) < normalizeWindow(window)
}

// Expired reports whether a started trial has run out. A trial that has not
// started is not expired.
func (t TrialState) Expired(window time.Duration, now time.Time) bool {
	return t.Start != nil && !t.Active(window, now)
}

func normalizeWindow(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultTrialWindow
	}
	return window
}
