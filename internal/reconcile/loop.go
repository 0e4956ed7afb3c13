// Package reconcile keeps the resolver's subscription snapshot fresh. Triggers
// are coalesced into at most one pending run, and results that a newer
// trigger has superseded are discarded rather than applied.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meallensai/entitlements/internal/logging"
	"github.com/meallensai/entitlements/internal/metrics"
	"github.com/meallensai/entitlements/internal/resolver"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TriggerKind names why a reconciliation was requested.
type TriggerKind string

const (
	TriggerIdentity TriggerKind = "identity"
	TriggerResume   TriggerKind = "resume"
	TriggerUsage    TriggerKind = "usage"
	TriggerManual   TriggerKind = "manual"
	TriggerPeriodic TriggerKind = "periodic"
)

// Run outcomes reported to metrics.
const (
	OutcomeApplied     = "applied"
	OutcomeStale       = "stale"
	OutcomeUnavailable = "unavailable"
	OutcomeNoIdentity  = "no_identity"
)

const (
	defaultRunTimeout  = 30 * time.Second
	defaultMirrorBatch = 50
)

// ErrStale is returned by RunOnce when a newer request superseded the run.
var ErrStale = errors.New("reconcile result superseded by a newer request")

// Fetcher is the subset of the remote client the loop needs.
type Fetcher interface {
	FetchSubscription(ctx context.Context, identity entitlements.Identity) (*entitlements.SubscriptionSnapshot, error)
	PlansOrFallback(ctx context.Context) []entitlements.PlanRef
}

// Config tunes the loop. Zero values select defaults; a zero Interval
// disables periodic refresh.
type Config struct {
	Interval    time.Duration
	RunTimeout  time.Duration
	MirrorBatch int
	Metrics     *metrics.EntitlementMetrics
	Logger      *zerolog.Logger
}

// Loop reconciles resolver state with the backend.
type Loop struct {
	svc     *resolver.Service
	fetcher Fetcher
	cfg     Config
	metrics *metrics.EntitlementMetrics
	logger  zerolog.Logger

	kick chan TriggerKind

	mu          sync.Mutex
	subscribers map[int]func(resolver.Status)
	nextSubID   int
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a loop and registers it as the resolver's usage callback.
func New(svc *resolver.Service, fetcher Fetcher, cfg Config) *Loop {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.MirrorBatch <= 0 {
		cfg.MirrorBatch = defaultMirrorBatch
	}

	logger := logging.NewLogger("reconcile")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	l := &Loop{
		svc:         svc,
		fetcher:     fetcher,
		cfg:         cfg,
		metrics:     cfg.Metrics,
		logger:      logger,
		kick:        make(chan TriggerKind, 1),
		subscribers: make(map[int]func(resolver.Status)),
	}
	svc.SetUsageCallback(func(string) { l.Trigger(TriggerUsage) })
	return l
}

// Subscribe registers fn to receive every republished status. The returned
// function removes the subscription.
func (l *Loop) Subscribe(fn func(resolver.Status)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

// SetIdentity switches the resolver to identity and requests a refresh.
func (l *Loop) SetIdentity(identity *entitlements.Identity) {
	l.svc.SetIdentity(identity)
	l.Publish()
	l.Trigger(TriggerIdentity)
}

// Trigger requests a run without blocking. A request made while one is
// pending is coalesced into it; a request made while a run is in flight
// supersedes that run's result.
func (l *Loop) Trigger(kind TriggerKind) {
	l.svc.NextSequence()
	select {
	case l.kick <- kind:
		l.logger.Debug().Str("trigger", string(kind)).Msg("Reconcile requested")
	default:
		l.logger.Debug().Str("trigger", string(kind)).Msg("Reconcile already pending, coalesced")
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		l.watch(ctx)
	}()
}

// Stop halts the loop and waits for an in-flight run to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *Loop) watch(ctx context.Context) {
	var tick <-chan time.Time
	if l.cfg.Interval > 0 {
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-l.kick:
			l.runLatest(ctx, kind)
		case <-tick:
			l.svc.NextSequence()
			l.runLatest(ctx, TriggerPeriodic)
		}
	}
}

func (l *Loop) runLatest(ctx context.Context, kind TriggerKind) {
	seq := l.svc.LatestSequence()
	if err := l.run(ctx, kind, seq); err != nil && !errors.Is(err, ErrStale) {
		l.logger.Warn().Err(err).Str("trigger", string(kind)).Uint64("seq", seq).Msg("Reconcile failed, keeping local state")
	}
}

// RunOnce performs one synchronous reconciliation.
func (l *Loop) RunOnce(ctx context.Context) error {
	return l.run(ctx, TriggerManual, l.svc.NextSequence())
}

func (l *Loop) run(ctx context.Context, kind TriggerKind, seq uint64) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.RunTimeout)
	defer cancel()
	defer l.Publish()

	identity := l.svc.Identity()
	if identity == nil {
		l.metrics.RecordReconcile(OutcomeNoIdentity)
		return nil
	}

	var (
		snapshot *entitlements.SubscriptionSnapshot
		plans    []entitlements.PlanRef
		g        errgroup.Group
	)
	g.Go(func() error {
		var err error
		snapshot, err = l.fetcher.FetchSubscription(ctx, *identity)
		return err
	})
	g.Go(func() error {
		plans = l.fetcher.PlansOrFallback(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		l.metrics.RecordReconcile(OutcomeUnavailable)
		return err
	}

	if seq < l.svc.LatestSequence() || !l.svc.ApplySnapshot(seq, identity.ID, snapshot, plans) {
		l.metrics.RecordReconcile(OutcomeStale)
		l.metrics.RecordStaleDiscarded()
		l.logger.Debug().Str("trigger", string(kind)).Uint64("seq", seq).Msg("Discarded superseded reconcile result")
		return ErrStale
	}

	l.metrics.RecordReconcile(OutcomeApplied)
	l.logger.Debug().
		Str("trigger", string(kind)).
		Uint64("seq", seq).
		Str("identity", identity.ID).
		Bool("subscribed", snapshot.IsActive()).
		Msg("Reconcile applied")

	if mirrored := l.svc.MirrorPending(ctx, l.cfg.MirrorBatch); mirrored > 0 {
		l.logger.Info().Int("mirrored", mirrored).Msg("Re-mirrored journaled usage events")
	}
	return nil
}

// Publish pushes the current status to every subscriber.
func (l *Loop) Publish() {
	l.mu.Lock()
	subs := make([]func(resolver.Status), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	status := l.svc.Status()
	for _, fn := range subs {
		fn(status)
	}
}
