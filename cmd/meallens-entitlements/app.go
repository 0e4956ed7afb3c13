package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meallensai/entitlements/internal/config"
	"github.com/meallensai/entitlements/internal/logging"
	"github.com/meallensai/entitlements/internal/metrics"
	"github.com/meallensai/entitlements/internal/reconcile"
	"github.com/meallensai/entitlements/internal/remote"
	"github.com/meallensai/entitlements/internal/resolver"
	"github.com/meallensai/entitlements/internal/usagestore"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const mirrorDrainTimeout = 10 * time.Second

type globalOptions struct {
	userID    string
	role      string
	createdAt string
	store     string
	dataDir   string
	apiURL    string
	logLevel  string
}

// app is the wired engine shared by every subcommand.
type app struct {
	cfg     *config.Config
	store   usagestore.Store
	client  *remote.Client
	svc     *resolver.Service
	loop    *reconcile.Loop
	metrics *metrics.EntitlementMetrics
}

// loadConfig reads configuration and applies command-line overrides.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if v := strings.TrimSpace(opts.store); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	if v := strings.TrimSpace(opts.dataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(opts.apiURL); v != "" {
		cfg.APIURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(opts.logLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(opts.userID); v != "" {
		cfg.User.ID = v
	}
	if v := strings.TrimSpace(opts.role); v != "" {
		cfg.User.Role = v
	}
	if v := strings.TrimSpace(opts.createdAt); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid --created-at %q: %w", v, err)
		}
		cfg.User.CreatedAt = ts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "meallens-entitlements",
	})
	return cfg, nil
}

// newApp wires store, resolver and reconcile loop. With withRemote the
// backend client mirrors usage and serves fetches; without it the engine
// runs purely on local state.
func newApp(opts *globalOptions, withRemote bool) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := usagestore.Open(cfg.Store, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}

	a := &app{
		cfg:     cfg,
		store:   store,
		metrics: metrics.Get(),
	}

	svcOpts := resolver.Options{
		Store:       store,
		Policy:      cfg.Policy,
		PushTimeout: cfg.RemoteTimeout,
		Metrics:     a.metrics,
	}

	var fetcher reconcile.Fetcher = offlineFetcher{}
	if withRemote {
		client, err := remote.New(remote.Config{
			BaseURL:     cfg.APIURL,
			Token:       cfg.APIToken,
			Timeout:     cfg.RemoteTimeout,
			DNSCacheTTL: cfg.DNSCacheTTL,
			Metrics:     a.metrics,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.client = client
		svcOpts.Pusher = client
		fetcher = client
	}

	a.svc = resolver.NewService(svcOpts)
	a.loop = reconcile.New(a.svc, fetcher, reconcile.Config{
		Interval: cfg.RefreshInterval,
		Metrics:  a.metrics,
	})

	if identity := cfg.Identity(); identity != nil {
		a.svc.SetIdentity(identity)
	}
	return a, nil
}

// requireIdentity fails when neither flags nor environment name a user.
func (a *app) requireIdentity() error {
	if a.svc.Identity() == nil {
		return fmt.Errorf("no identity: pass --user or set %s", config.EnvUserID)
	}
	return nil
}

// refresh runs one reconciliation; failures are reported and local state
// stays authoritative.
func (a *app) refresh(ctx context.Context) {
	if a.client == nil {
		return
	}
	if err := a.loop.RunOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Backend refresh failed, using local entitlement state")
	}
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorDrainTimeout)
	defer cancel()
	if err := a.svc.WaitForMirrors(ctx); err != nil {
		log.Warn().Err(err).Msg("Timed out waiting for usage mirrors")
	}
	if a.client != nil {
		a.client.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close usage store")
	}
}

// offlineFetcher stands in for the backend when it is not consulted.
type offlineFetcher struct{}

func (offlineFetcher) FetchSubscription(context.Context, entitlements.Identity) (*entitlements.SubscriptionSnapshot, error) {
	return nil, nil
}

func (offlineFetcher) PlansOrFallback(context.Context) []entitlements.PlanRef {
	return entitlements.DefaultPlans()
}
