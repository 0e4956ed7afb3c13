// Package resolver owns the in-memory entitlement session: identity, policy,
// the last applied subscription snapshot and the identity-scoped usage
// state. Queries never touch the network and never fail.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/meallensai/entitlements/internal/logging"
	"github.com/meallensai/entitlements/internal/metrics"
	"github.com/meallensai/entitlements/internal/remote"
	"github.com/meallensai/entitlements/internal/usagestore"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/rs/zerolog"
)

// DefaultPushTimeout bounds a single usage mirror call.
const DefaultPushTimeout = 5 * time.Second

// Usage outcomes reported to metrics and logs.
const (
	OutcomePrivileged   = "privileged"
	OutcomeSubscription = "subscription"
	OutcomeTrialStarted = "trial_started"
	OutcomeTrial        = "trial"
	OutcomeCounted      = "counted"
	OutcomeSaturated    = "saturated"
	OutcomeNoIdentity   = "no_identity"
)

// UsagePusher mirrors usage events to the backend.
type UsagePusher interface {
	PushUsageEvent(ctx context.Context, event remote.UsageEvent) (remote.PushResult, error)
}

// Options configures a Service. Zero values select defaults; a zero Policy
// selects entitlements.DefaultPolicy().
type Options struct {
	Store       usagestore.Store
	Pusher      UsagePusher
	PushTimeout time.Duration
	Policy      entitlements.Policy
	Metrics     *metrics.EntitlementMetrics
	Logger      *zerolog.Logger
	Now         func() time.Time
}

// Service is the entitlement resolver for one logical session.
type Service struct {
	mu       sync.RWMutex
	identity *entitlements.Identity
	policy   entitlements.Policy
	snapshot *entitlements.SubscriptionSnapshot
	plans    []entitlements.PlanRef
	usage    entitlements.UsageState

	// requested is the newest fetch sequence handed out. applied and floor
	// guard ApplySnapshot: results older than either are stale.
	requested atomic.Uint64
	applied   uint64
	floor     uint64

	store       usagestore.Store
	journal     usagestore.Journal
	pusher      UsagePusher
	pushTimeout time.Duration
	metrics     *metrics.EntitlementMetrics
	logger      zerolog.Logger
	nowFn       func() time.Time

	// Called outside the lock after usage is recorded.
	onUsage func(feature string)
	mirrors sync.WaitGroup
	// Journal IDs currently owned by a push, guarded by s.mu.
	inflight map[string]struct{}
}

// NewService creates a resolver. Without a store, state is kept in memory.
func NewService(opts Options) *Service {
	store := opts.Store
	if store == nil {
		store = usagestore.NewMemoryStore()
	}
	journal, _ := store.(usagestore.Journal)

	pushTimeout := opts.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}

	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	policy := opts.Policy
	if policy.TrialWindow == 0 && policy.MaxFreeUsage == 0 && policy.PrivilegedRoles == nil {
		policy = entitlements.DefaultPolicy()
	}

	logger := logging.NewLogger("resolver")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Service{
		policy:      policy.Normalize(),
		plans:       entitlements.DefaultPlans(),
		store:       store,
		journal:     journal,
		pusher:      opts.Pusher,
		pushTimeout: pushTimeout,
		metrics:     opts.Metrics,
		logger:      logger,
		nowFn:       nowFn,
		inflight:    make(map[string]struct{}),
	}
}

// SetUsageCallback registers the hook fired after every recorded usage,
// typically the reconciliation trigger.
func (s *Service) SetUsageCallback(cb func(feature string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUsage = cb
}

// SetIdentity switches the session to identity and loads its usage state.
// Fetches started before the call can no longer be applied. Switching to a
// different identity also drops the snapshot; re-sending the current one
// (a role change, say) keeps it. A nil or unauthenticated identity signs the
// session out.
func (s *Service) SetIdentity(identity *entitlements.Identity) {
	var next *entitlements.Identity
	if identity != nil {
		cp := *identity
		cp.ID = strings.TrimSpace(cp.ID)
		switch {
		case cp.ID == "":
		case !cp.Authenticated:
			s.logger.Warn().Str("identity", cp.ID).Msg("Identity is not authenticated, treating session as signed out")
		default:
			next = &cp
		}
	}

	var state entitlements.UsageState
	if next != nil {
		loaded, err := s.store.Load(next.ID)
		if err != nil {
			s.metrics.RecordStoreError("load")
			s.logger.Error().Err(err).Str("identity", next.ID).Msg("Failed to load usage state, starting empty")
		} else {
			state = loaded
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	same := next != nil && s.identity != nil && s.identity.ID == next.ID
	s.identity = next
	s.floor = s.requested.Add(1)
	if !same {
		s.usage = state
		s.snapshot = nil
		s.applied = 0
	}

	switch {
	case same:
		s.logger.Info().Str("identity", next.ID).Str("role", next.Role).Msg("Identity updated")
	case next != nil:
		s.logger.Info().Str("identity", next.ID).Str("role", next.Role).Msg("Identity set")
	default:
		s.logger.Info().Msg("Identity cleared")
	}
}

// Identity returns a copy of the current identity, or nil.
func (s *Service) Identity() *entitlements.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil
	}
	cp := *s.identity
	return &cp
}

// SetPolicy replaces the gating policy.
func (s *Service) SetPolicy(policy entitlements.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy.Normalize()
	s.logger.Info().
		Dur("trial_window", s.policy.TrialWindow).
		Int("max_free_usage", s.policy.MaxFreeUsage).
		Strs("privileged_roles", s.policy.PrivilegedRoles).
		Msg("Entitlement policy updated")
}

// Policy returns the active policy.
func (s *Service) Policy() entitlements.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePolicy(s.policy)
}

// NextSequence reserves the sequence number for a new fetch.
func (s *Service) NextSequence() uint64 {
	return s.requested.Add(1)
}

// LatestSequence returns the newest reserved sequence number.
func (s *Service) LatestSequence() uint64 {
	return s.requested.Load()
}

// ApplySnapshot installs a fetched snapshot and plan catalog. It returns
// false when the result is stale: fetched for another identity, older than
// the last identity switch, or older than an already applied result.
// A nil snapshot means the identity has no subscription.
func (s *Service) ApplySnapshot(seq uint64, identityID string, snapshot *entitlements.SubscriptionSnapshot, plans []entitlements.PlanRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil || s.identity.ID != identityID {
		return false
	}
	if seq < s.floor || seq < s.applied {
		return false
	}

	s.snapshot = snapshot.Clone()
	if len(plans) > 0 {
		s.plans = entitlements.ClonePlans(plans)
	}
	s.applied = seq
	return true
}

// Snapshot returns a copy of the applied subscription snapshot, or nil.
func (s *Service) Snapshot() *entitlements.SubscriptionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Plans returns the plan catalog in use.
func (s *Service) Plans() []entitlements.PlanRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entitlements.ClonePlans(s.plans)
}

// Usage returns a copy of the local usage state.
func (s *Service) Usage() entitlements.UsageState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage.Clone()
}

// Decide evaluates access to feature against the current local state.
func (s *Service) Decide(feature string) entitlements.AccessDecision {
	s.mu.RLock()
	decision := s.decideLocked(feature, s.nowFn())
	s.mu.RUnlock()

	s.metrics.RecordDecision(string(decision.Reason))
	return decision
}

// CanUseFeature reports whether feature may be used right now.
func (s *Service) CanUseFeature(feature string) bool {
	return s.Decide(feature).Allowed
}

// IsFeatureLocked is the negation of CanUseFeature.
func (s *Service) IsFeatureLocked(feature string) bool {
	return !s.CanUseFeature(feature)
}

// Must be called while holding s.mu.
func (s *Service) decideLocked(feature string, now time.Time) entitlements.AccessDecision {
	return entitlements.Decide(feature, entitlements.DecisionInput{
		Identity:     s.identity,
		Subscription: s.snapshot,
		Usage:        s.usage,
		Policy:       s.policy,
		Now:          now,
	})
}

// RecordFeatureUsage records one genuine use of feature and returns the
// decision that holds afterwards. The first use outside a subscription starts
// the trial; uses after the trial advance the free counter. Local state is
// updated before returning; the backend mirror runs in the background and
// its outcome never changes the local grant.
func (s *Service) RecordFeatureUsage(ctx context.Context, feature string) entitlements.AccessDecision {
	now := s.nowFn()

	s.mu.Lock()
	if s.identity == nil {
		decision := s.decideLocked(feature, now)
		s.mu.Unlock()
		s.metrics.RecordUsage(OutcomeNoIdentity)
		s.logger.Warn().Str("feature", feature).Msg("Usage recorded without an identity, ignoring")
		return decision
	}

	ns := s.identity.ID
	outcome := s.applyUsageLocked(ns, now)
	event := s.journalLocked(ns, feature, now)
	if s.pusher != nil && event.ID != "" {
		s.inflight[event.ID] = struct{}{}
	}
	decision := s.decideLocked(feature, now)
	count := s.usage.FreeUsageCount
	hook := s.onUsage
	s.mu.Unlock()

	s.metrics.RecordUsage(outcome)
	s.logger.Debug().
		Str("identity", ns).
		Str("feature", feature).
		Str("outcome", outcome).
		Int("free_usage_count", count).
		Msg("Feature usage recorded")

	if s.pusher != nil {
		s.mirrors.Add(1)
		go func() {
			defer s.mirrors.Done()
			s.mirror(context.WithoutCancel(ctx), event)
		}()
	}
	if hook != nil {
		hook(feature)
	}
	return decision
}

// Must be called while holding s.mu.
func (s *Service) applyUsageLocked(ns string, now time.Time) string {
	if s.identity.Privileged(s.policy.PrivilegedRoles) {
		return OutcomePrivileged
	}
	if s.snapshot.IsActive() {
		return OutcomeSubscription
	}

	trial := s.usage.Trial()
	if !trial.Started() {
		start := now
		s.usage.TrialStart = &start
		if err := s.store.SaveTrialStart(ns, start); err != nil {
			s.metrics.RecordStoreError("save_trial_start")
			s.logger.Error().Err(err).Str("identity", ns).Msg("Failed to persist trial start")
		}
		s.logger.Info().Str("identity", ns).Time("trial_start", start).Msg("Trial started")
		return OutcomeTrialStarted
	}
	if trial.Active(s.policy.TrialWindow, now) {
		return OutcomeTrial
	}

	limit := s.policy.MaxFreeUsage
	before := s.usage.FreeUsageCount
	count, err := s.store.IncrementCount(ns, limit)
	if err != nil {
		s.metrics.RecordStoreError("increment")
		s.logger.Error().Err(err).Str("identity", ns).Msg("Failed to persist free usage count")
		count = before
		if count < limit {
			count++
		}
	}
	if count < before {
		count = before
	}
	s.usage.FreeUsageCount = count
	if count == before {
		return OutcomeSaturated
	}
	return OutcomeCounted
}

// Must be called while holding s.mu.
func (s *Service) journalLocked(ns, feature string, now time.Time) usagestore.UsageEvent {
	event := usagestore.UsageEvent{
		Namespace:      ns,
		Feature:        feature,
		OccurredAt:     now,
		IdempotencyKey: uuid.NewString(),
	}
	if s.journal == nil {
		return event
	}
	stored, err := s.journal.Append(event)
	if err != nil {
		s.metrics.RecordStoreError("journal_append")
		s.logger.Warn().Err(err).Str("feature", feature).Msg("Failed to journal usage event")
		return event
	}
	return stored
}

func (s *Service) mirror(ctx context.Context, event usagestore.UsageEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()

	_, err := s.pusher.PushUsageEvent(ctx, remote.UsageEvent{
		IdentityID:     event.Namespace,
		Feature:        event.Feature,
		OccurredAt:     event.OccurredAt,
		IdempotencyKey: event.IdempotencyKey,
	})
	s.settleMirror(event, err)
	s.releaseMirror(event.ID)
}

// MirrorPending re-sends journaled events that have not reached the backend
// and returns how many were mirrored. Each event is attempted at most
// usagestore.MaxPushAttempts times over its lifetime. Events already being
// pushed, by a background mirror or a concurrent call, are skipped.
func (s *Service) MirrorPending(ctx context.Context, limit int) int {
	if s.journal == nil || s.pusher == nil {
		return 0
	}
	pending, err := s.journal.Pending(limit)
	if err != nil {
		s.metrics.RecordStoreError("journal_pending")
		s.logger.Warn().Err(err).Msg("Failed to list pending usage events")
		return 0
	}

	mirrored := 0
	for _, event := range pending {
		if ctx.Err() != nil {
			break
		}
		if !s.claimMirror(event.ID) {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
		_, pushErr := s.pusher.PushUsageEvent(callCtx, remote.UsageEvent{
			IdentityID:     event.Namespace,
			Feature:        event.Feature,
			OccurredAt:     event.OccurredAt,
			IdempotencyKey: event.IdempotencyKey,
		})
		cancel()
		if s.settleMirror(event, pushErr) {
			mirrored++
		}
		s.releaseMirror(event.ID)
	}

	if remaining, err := s.journal.Pending(0); err == nil {
		s.metrics.SetPendingMirror(len(remaining))
	}
	return mirrored
}

// claimMirror marks id as owned by the caller's push. It returns false when
// another push already owns it.
func (s *Service) claimMirror(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) releaseMirror(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Service) settleMirror(event usagestore.UsageEvent, pushErr error) bool {
	if pushErr == nil {
		if s.journal != nil && event.ID != "" {
			if err := s.journal.MarkMirrored(event.ID, s.nowFn()); err != nil {
				s.logger.Warn().Err(err).Str("event", event.ID).Msg("Failed to mark usage event mirrored")
			}
		}
		return true
	}

	attempts := 1
	if s.journal != nil && event.ID != "" {
		n, err := s.journal.MarkFailed(event.ID, pushErr)
		if err != nil {
			s.logger.Warn().Err(err).Str("event", event.ID).Msg("Failed to mark usage event failed")
		} else {
			attempts = n
		}
	}
	s.logger.Warn().
		Err(pushErr).
		Str("feature", event.Feature).
		Str("identity", event.Namespace).
		Int("attempts", attempts).
		Msg("Usage mirror failed")
	return false
}

// WaitForMirrors blocks until in-flight background mirrors finish or ctx ends.
func (s *Service) WaitForMirrors(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mirrors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrialDaysLeft returns the days left in the trial, zero if not started.
func (s *Service) TrialDaysLeft() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage.Trial().DaysLeft(s.policy.TrialWindow, s.nowFn())
}

// IsInTrial reports whether the trial window is running.
func (s *Service) IsInTrial() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage.Trial().Active(s.policy.TrialWindow, s.nowFn())
}

// IsTrialExpired reports whether a started trial has run out.
func (s *Service) IsTrialExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage.Trial().Expired(s.policy.TrialWindow, s.nowFn())
}

// SubscriptionStartDate returns the current period start, or nil.
func (s *Service) SubscriptionStartDate() *time.Time {
	return s.DateInfo().Start
}

// SubscriptionEndDate returns the current period end, or nil.
func (s *Service) SubscriptionEndDate() *time.Time {
	return s.DateInfo().End
}

// DaysUntilExpiry returns whole days left in the period, zero without one.
func (s *Service) DaysUntilExpiry() int {
	return s.DateInfo().DaysUntilExpiry
}

// IsSubscriptionExpired reports whether the snapshot is expired. False
// without a subscription.
func (s *Service) IsSubscriptionExpired() bool {
	return s.DateInfo().Expired
}

// DateInfo returns the subscription date read model.
func (s *Service) DateInfo() entitlements.SubscriptionDateInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.DateInfo(s.nowFn())
}

// ResetFreeUsage sets the free usage counter back to zero.
func (s *Service) ResetFreeUsage() error {
	return s.reset(false)
}

// ResetAll clears the free usage counter and the trial start.
func (s *Service) ResetAll() error {
	return s.reset(true)
}

// reset persists before touching memory, so a failed write leaves the
// session and the store in agreement.
func (s *Service) reset(clearTrial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		if err := s.store.Reset(s.identity.ID, clearTrial); err != nil {
			s.metrics.RecordStoreError("reset")
			s.logger.Error().Err(err).Str("identity", s.identity.ID).Msg("Failed to persist usage reset")
			return fmt.Errorf("reset usage for %s: %w", s.identity.ID, err)
		}
		s.logger.Info().Str("identity", s.identity.ID).Bool("clear_trial", clearTrial).Msg("Usage state reset")
	}

	s.usage.FreeUsageCount = 0
	if clearTrial {
		s.usage.TrialStart = nil
	}
	return nil
}

// Feature returns catalog metadata for name.
func (s *Service) Feature(name string) (entitlements.FeatureInfo, bool) {
	return entitlements.LookupFeature(name)
}

func clonePolicy(p entitlements.Policy) entitlements.Policy {
	cp := p
	cp.PrivilegedRoles = append([]string(nil), p.PrivilegedRoles...)
	return cp
}
