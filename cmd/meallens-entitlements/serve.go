package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meallensai/entitlements/internal/config"
	"github.com/meallensai/entitlements/internal/logging"
	"github.com/meallensai/entitlements/internal/reconcile"
	"github.com/meallensai/entitlements/internal/statusfeed"
	"github.com/meallensai/entitlements/internal/utils"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 15 * time.Second
	maxRequestBody    = 64 * 1024
	requestIDHeader   = "X-Request-ID"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listenAddr string
	var allowedOrigins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the entitlement sidecar",
		Long:  `Runs the entitlement engine as a local sidecar: an HTTP API for decisions and usage, a websocket status feed, Prometheus metrics and periodic backend reconciliation.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			if listenAddr != "" {
				a.cfg.ListenAddr = listenAddr
			}
			return runServer(cmd.Context(), a, allowedOrigins)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default $MEALLENS_LISTEN_ADDR)")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origin", nil, "extra websocket origins to accept")
	return cmd
}

func runServer(parent context.Context, a *app, allowedOrigins []string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	hub := statusfeed.NewHub(a.svc.Status, a.metrics, allowedOrigins...)
	go hub.Run(ctx)

	unsubscribe := a.loop.Subscribe(hub.BroadcastStatus)
	defer unsubscribe()

	watcher, err := config.NewPolicyWatcher(a.cfg.EnvPath(), a.cfg.Policy, func(p entitlements.Policy) {
		a.svc.SetPolicy(p)
		a.loop.Publish()
	})
	if err != nil {
		log.Warn().Err(err).Msg("Policy watcher unavailable, policy changes need a restart")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start policy watcher")
		watcher = nil
	} else {
		defer watcher.Stop()
	}

	a.loop.Start(ctx)
	defer a.loop.Stop()
	if a.svc.Identity() != nil {
		a.loop.Trigger(reconcile.TriggerIdentity)
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("store", a.cfg.Store).
			Str("api", a.cfg.APIURL).
			Str("version", Version).
			Msg("Entitlement sidecar listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := waitForShutdown(ctx, sigChan, serveErr, func() {
		if watcher != nil {
			watcher.Reload()
		}
		a.loop.Trigger(reconcile.TriggerManual)
	}); err != nil {
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	cancel()
	log.Info().Msg("Entitlement sidecar stopped")
	return nil
}

// waitForShutdown blocks until a termination signal, context cancellation
// or a server failure. SIGHUP runs reload and keeps waiting.
func waitForShutdown(ctx context.Context, sigChan <-chan os.Signal, serveErr <-chan error, reload func()) error {
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				log.Info().Msg("Received SIGHUP, reloading policy and refreshing entitlements")
				reload()
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Shutting down entitlement sidecar")
			return nil
		case <-ctx.Done():
			return nil
		case err, ok := <-serveErr:
			if ok && err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}
	}
}

// newRouter builds the sidecar API.
func newRouter(a *app, hub *statusfeed.Hub) http.Handler {
	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /features", h.handleFeatures)
	mux.HandleFunc("GET /plans", h.handlePlans)
	mux.HandleFunc("GET /check/{feature}", h.handleCheck)
	mux.HandleFunc("POST /usage/{feature}", h.handleUsage)
	mux.HandleFunc("POST /resume", h.handleResume)
	mux.HandleFunc("PUT /identity", h.handleSetIdentity)
	mux.HandleFunc("DELETE /identity", h.handleClearIdentity)
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWebSocket)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return withRequestLogging(mux)
}

type handlers struct {
	app *app
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	if err := utils.WriteJSONStatus(w, status, apiError{Error: msg}); err != nil {
		log.Debug().Err(err).Msg("Failed to write error response")
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, data interface{}) {
	if err := utils.WriteJSONResponse(w, data); err != nil {
		logger := logging.FromContext(r.Context())
		logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Failed to write response")
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, map[string]interface{}{
		"status":  "ok",
		"version": Version,
	})
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, h.app.svc.Status())
}

func (h *handlers) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, entitlements.Features())
}

func (h *handlers) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, r, h.app.svc.Plans())
}

func (h *handlers) feature(w http.ResponseWriter, r *http.Request) (string, bool) {
	feature := strings.TrimSpace(r.PathValue("feature"))
	if _, ok := entitlements.LookupFeature(feature); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown feature %q", feature))
		return "", false
	}
	return feature, true
}

type decisionResponse struct {
	entitlements.AccessDecision
	Locked  bool   `json:"locked"`
	Message string `json:"message"`
}

func newDecisionResponse(d entitlements.AccessDecision) decisionResponse {
	return decisionResponse{
		AccessDecision: d,
		Locked:         d.Locked(),
		Message:        d.Reason.Message(),
	}
}

func (h *handlers) handleCheck(w http.ResponseWriter, r *http.Request) {
	feature, ok := h.feature(w, r)
	if !ok {
		return
	}
	writeResponse(w, r, newDecisionResponse(h.app.svc.Decide(feature)))
}

func (h *handlers) handleUsage(w http.ResponseWriter, r *http.Request) {
	feature, ok := h.feature(w, r)
	if !ok {
		return
	}
	if h.app.svc.Identity() == nil {
		writeError(w, http.StatusUnauthorized, "no identity")
		return
	}
	decision := h.app.svc.RecordFeatureUsage(r.Context(), feature)
	writeResponse(w, r, newDecisionResponse(decision))
}

func (h *handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.app.loop.Trigger(reconcile.TriggerResume)
	w.WriteHeader(http.StatusAccepted)
}

type identityRequest struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *handlers) handleSetIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	body := io.LimitReader(r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid identity payload")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "identity id is required")
		return
	}
	h.app.loop.SetIdentity(&entitlements.Identity{
		ID:            strings.TrimSpace(req.ID),
		Role:          strings.TrimSpace(req.Role),
		CreatedAt:     req.CreatedAt,
		Authenticated: true,
	})
	writeResponse(w, r, h.app.svc.Status())
}

func (h *handlers) handleClearIdentity(w http.ResponseWriter, r *http.Request) {
	h.app.loop.SetIdentity(nil)
	w.WriteHeader(http.StatusNoContent)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets the websocket upgrader reach the underlying hijacker.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func (s *statusRecorder) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger := logging.FromContext(ctx)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
