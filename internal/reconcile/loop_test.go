package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rerrors "github.com/meallensai/entitlements/internal/errors"
	"github.com/meallensai/entitlements/internal/metrics"
	"github.com/meallensai/entitlements/internal/remote"
	"github.com/meallensai/entitlements/internal/resolver"
	"github.com/meallensai/entitlements/internal/usagestore"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	snapshot *entitlements.SubscriptionSnapshot
	plans    []entitlements.PlanRef
	err      error
	gate     chan struct{}
	started  chan struct{}
	calls    atomic.Int32
}

func (f *fakeFetcher) FetchSubscription(ctx context.Context, identity entitlements.Identity) (*entitlements.SubscriptionSnapshot, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot.Clone(), f.err
}

func (f *fakeFetcher) PlansOrFallback(ctx context.Context) []entitlements.PlanRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.plans) == 0 {
		return entitlements.DefaultPlans()
	}
	return entitlements.ClonePlans(f.plans)
}

func (f *fakeFetcher) set(snapshot *entitlements.SubscriptionSnapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot, f.err = snapshot, err
}

type recordingPusher struct {
	mu     sync.Mutex
	fail   bool
	events []remote.UsageEvent
}

func (p *recordingPusher) PushUsageEvent(ctx context.Context, event remote.UsageEvent) (remote.PushResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return remote.PushResult{}, rerrors.FromStatus(remote.OpPushUsage, http.StatusServiceUnavailable, "")
	}
	p.events = append(p.events, event)
	return remote.PushResult{}, nil
}

func (p *recordingPusher) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *recordingPusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func activeSnapshot() *entitlements.SubscriptionSnapshot {
	end := time.Now().Add(20 * 24 * time.Hour)
	return &entitlements.SubscriptionSnapshot{
		ID:        "sub_1",
		Status:    entitlements.StatusActive,
		Plan:      entitlements.PlanRef{ID: "monthly", Name: "monthly", Limits: map[string]int{"*": entitlements.Unlimited}},
		PeriodEnd: &end,
	}
}

func newService(opts ...func(*resolver.Options)) *resolver.Service {
	o := resolver.Options{
		Store:  usagestore.NewMemoryStore(),
		Policy: entitlements.DefaultPolicy(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return resolver.NewService(o)
}

func TestRunOnceAppliesSnapshotAndPublishes(t *testing.T) {
	svc := newService()
	fetcher := &fakeFetcher{
		snapshot: activeSnapshot(),
		plans:    []entitlements.PlanRef{{ID: "pro", Name: "pro", Limits: map[string]int{"*": -1}}},
	}
	loop := New(svc, fetcher, Config{})

	var published []resolver.Status
	var mu sync.Mutex
	unsubscribe := loop.Subscribe(func(s resolver.Status) {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, s)
	})
	defer unsubscribe()

	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})
	require.NoError(t, loop.RunOnce(context.Background()))

	assert.True(t, svc.CanUseFeature(entitlements.FeatureMealPlanning))
	assert.Equal(t, entitlements.ReasonActiveSubscription, svc.Decide(entitlements.FeatureMealPlanning).Reason)
	require.Len(t, svc.Plans(), 1)
	assert.Equal(t, "pro", svc.Plans()[0].ID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published, 1)
	require.NotNil(t, published[0].Subscription)
	assert.True(t, published[0].Dates.HasSubscription)
}

func TestRunOnceWithoutIdentitySkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	loop := New(newService(), fetcher, Config{})

	require.NoError(t, loop.RunOnce(context.Background()))
	assert.Zero(t, fetcher.calls.Load())
}

func TestFetchFailureKeepsLocalState(t *testing.T) {
	svc := newService()
	fetcher := &fakeFetcher{snapshot: activeSnapshot()}
	loop := New(svc, fetcher, Config{})
	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})

	require.NoError(t, loop.RunOnce(context.Background()))
	require.True(t, svc.Snapshot().IsActive())

	fetcher.set(nil, rerrors.FromStatus(remote.OpFetchSubscription, http.StatusBadGateway, ""))
	err := loop.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrUnavailable)
	assert.True(t, svc.Snapshot().IsActive(), "last known snapshot survives an outage")
}

func TestRemoteTimeoutsFallBackToLocalRules(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client, err := remote.New(remote.Config{BaseURL: srv.URL + "/api", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer client.Close()

	svc := newService(func(o *resolver.Options) {
		o.Pusher = client
		o.PushTimeout = 100 * time.Millisecond
	})
	loop := New(svc, client, Config{})
	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})

	started := time.Now()
	err = loop.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)

	decision := svc.RecordFeatureUsage(context.Background(), entitlements.FeatureFoodDetection)
	assert.True(t, decision.Allowed)
	assert.Equal(t, entitlements.ReasonInTrial, decision.Reason)
	assert.True(t, svc.CanUseFeature(entitlements.FeatureFoodDetection))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitForMirrors(ctx))
	assert.Equal(t, svc.Plans(), entitlements.DefaultPlans())
}

func TestSupersededResultIsDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := newService()
	fetcher := &fakeFetcher{
		snapshot: activeSnapshot(),
		gate:     make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
	loop := New(svc, fetcher, Config{Metrics: m})
	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})

	result := make(chan error, 1)
	go func() { result <- loop.RunOnce(context.Background()) }()
	<-fetcher.started

	// A newer request lands while the first fetch is in flight.
	loop.Trigger(TriggerResume)
	close(fetcher.gate)

	require.ErrorIs(t, <-result, ErrStale)
	assert.Nil(t, svc.Snapshot(), "superseded result is not applied")
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP meallens_reconcile_stale_discarded_total Fetch results discarded because a newer request superseded them
# TYPE meallens_reconcile_stale_discarded_total counter
meallens_reconcile_stale_discarded_total 1
`), "meallens_reconcile_stale_discarded_total"))

	require.NoError(t, loop.RunOnce(context.Background()))
	assert.True(t, svc.Snapshot().IsActive())
}

func TestResultForPreviousIdentityIsDiscarded(t *testing.T) {
	svc := newService()
	fetcher := &fakeFetcher{
		snapshot: activeSnapshot(),
		gate:     make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
	loop := New(svc, fetcher, Config{})
	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})

	result := make(chan error, 1)
	go func() { result <- loop.RunOnce(context.Background()) }()
	<-fetcher.started

	svc.SetIdentity(&entitlements.Identity{ID: "user-2", Authenticated: true})
	close(fetcher.gate)

	require.ErrorIs(t, <-result, ErrStale)
	assert.Nil(t, svc.Snapshot())
	assert.Equal(t, "user-2", svc.Identity().ID)
}

func TestTriggersAreCoalesced(t *testing.T) {
	svc := newService()
	fetcher := &fakeFetcher{
		snapshot: activeSnapshot(),
		gate:     make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
	loop := New(svc, fetcher, Config{})
	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()

	loop.Trigger(TriggerManual)
	<-fetcher.started
	for i := 0; i < 10; i++ {
		loop.Trigger(TriggerUsage)
	}
	close(fetcher.gate)

	require.Eventually(t, func() bool {
		return svc.Snapshot().IsActive()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), fetcher.calls.Load(), "ten triggers during a run collapse into one follow-up")
}

func TestUsageTriggersReconcileAndRemirrors(t *testing.T) {
	pusher := &recordingPusher{fail: true}
	svc := newService(func(o *resolver.Options) { o.Pusher = pusher })
	fetcher := &fakeFetcher{}
	loop := New(svc, fetcher, Config{})
	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})

	// The first mirror fails and the usage trigger stays queued until the
	// loop starts.
	svc.RecordFeatureUsage(context.Background(), entitlements.FeatureAIKitchen)
	require.NoError(t, svc.WaitForMirrors(context.Background()))
	require.Zero(t, pusher.count())
	require.Zero(t, fetcher.calls.Load())

	pusher.setFail(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()

	require.Eventually(t, func() bool {
		return fetcher.calls.Load() == 1 && pusher.count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeriodicRefresh(t *testing.T) {
	svc := newService()
	fetcher := &fakeFetcher{}
	loop := New(svc, fetcher, Config{Interval: 20 * time.Millisecond})
	svc.SetIdentity(&entitlements.Identity{ID: "user-1", Authenticated: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	loop.Stop()
	loop.Stop()
}
