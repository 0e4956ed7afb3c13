package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/meallensai/entitlements/internal/config"
	"github.com/meallensai/entitlements/internal/resolver"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestEnv isolates configuration from the host environment.
func setTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, key := range []string{
		config.EnvAPIURL,
		config.EnvAPIToken,
		config.EnvStore,
		config.EnvTrialDays,
		config.EnvMaxFreeUsage,
		config.EnvPrivilegedRoles,
		config.EnvRemoteTimeout,
		config.EnvRefreshInterval,
		config.EnvUserID,
		config.EnvUserRole,
		config.EnvUserCreatedAt,
	} {
		t.Setenv(key, "")
	}
	t.Setenv(config.EnvDataDir, dir)
	t.Setenv(config.EnvLogLevel, "error")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type fakeBackend struct {
	srv    *httptest.Server
	pushes atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/payment/subscription", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{
			"status": "success",
			"subscription": {
				"subscription": {"id": "sub_1", "status": "active", "current_period_end": "2099-01-01T00:00:00Z"},
				"plan": {"id": "monthly", "name": "monthly", "display_name": "Monthly", "limits": {"food_detection": 100}},
				"usage": {"food_detection": 40}
			}
		}`)
	})
	mux.HandleFunc("GET /api/payment/plans", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","plans":[{"id":"pro","name":"pro","display_name":"Pro Plan","duration_days":365,"limits":{"*":"unlimited"}}]}`)
	})
	mux.HandleFunc("GET /api/payment/check-usage/{feature}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","can_use":true,"current_usage":40,"limit":100,"remaining":60}`)
	})
	mux.HandleFunc("POST /api/payment/record-usage/{feature}", func(w http.ResponseWriter, r *http.Request) {
		b.pushes.Add(1)
		_, _ = io.WriteString(w, `{"status":"success","is_first_usage":false}`)
	})
	mux.HandleFunc("GET /api/payment/usage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"success","usage":{"food_detection":40}}`)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	t.Setenv(config.EnvAPIURL, b.srv.URL+"/api")
	return b
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "meallens-entitlements "+Version)
}

func TestFeaturesCommand(t *testing.T) {
	setTestEnv(t)

	out, err := runCLI(t, "features", "--json")
	require.NoError(t, err)

	var features []entitlements.FeatureInfo
	require.NoError(t, json.Unmarshal([]byte(out), &features))
	assert.Len(t, features, len(entitlements.Features()))

	out, err = runCLI(t, "features")
	require.NoError(t, err)
	assert.Contains(t, out, entitlements.FeatureFoodDetection)
}

func TestPlansCommand(t *testing.T) {
	setTestEnv(t)

	out, err := runCLI(t, "plans")
	require.NoError(t, err)
	assert.Contains(t, out, entitlements.PlanMonthly)

	newFakeBackend(t)
	out, err = runCLI(t, "plans", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "Pro Plan")
	assert.Contains(t, out, "*=unlimited")
}

func TestCommandsRequireIdentity(t *testing.T) {
	setTestEnv(t)

	for _, args := range [][]string{
		{"check", entitlements.FeatureFoodDetection},
		{"record", entitlements.FeatureFoodDetection},
		{"reset"},
	} {
		t.Run(args[0], func(t *testing.T) {
			_, err := runCLI(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "no identity")
		})
	}
}

func TestUnknownFeatureRejected(t *testing.T) {
	setTestEnv(t)

	_, err := runCLI(t, "check", "teleportation", "--user", "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown feature")
}

func TestInvalidCreatedAtRejected(t *testing.T) {
	setTestEnv(t)

	_, err := runCLI(t, "status", "--user", "u1", "--created-at", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--created-at")
}

func TestRecordStartsTrialAndPersists(t *testing.T) {
	setTestEnv(t)

	out, err := runCLI(t, "record", entitlements.FeatureFoodDetection, "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded food_detection for u1")

	out, err = runCLI(t, "status", "--user", "u1", "--json")
	require.NoError(t, err)

	var status resolver.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.NotNil(t, status.Identity)
	assert.Equal(t, "u1", status.Identity.ID)
	assert.True(t, status.Trial.Started)
	assert.True(t, status.Trial.Active)
	assert.Equal(t, 3, status.Trial.DaysLeft)
	assert.Zero(t, status.FreeUsage.Count)

	// State is namespaced per identity.
	out, err = runCLI(t, "status", "--user", "u2", "--json")
	require.NoError(t, err)
	status = resolver.Status{}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.False(t, status.Trial.Started)
}

func TestResetAllClearsTrial(t *testing.T) {
	setTestEnv(t)

	_, err := runCLI(t, "record", entitlements.FeatureMealPlanning, "--user", "u1")
	require.NoError(t, err)

	out, err := runCLI(t, "reset", "--all", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset trial and free usage for u1")

	out, err = runCLI(t, "status", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Trial: not started")
}

func TestCheckLockedReturnsError(t *testing.T) {
	setTestEnv(t)
	t.Setenv(config.EnvMaxFreeUsage, "0")

	out, err := runCLI(t, "check", entitlements.FeatureAIKitchen, "--user", "u1")
	require.ErrorIs(t, err, errFeatureLocked)
	assert.Contains(t, out, "ai_kitchen: locked (trial_expired_no_sub)")
}

func TestCheckPrivilegedRole(t *testing.T) {
	setTestEnv(t)
	t.Setenv(config.EnvMaxFreeUsage, "0")

	out, err := runCLI(t, "check", entitlements.FeatureAIKitchen, "--user", "root", "--role", "admin")
	require.NoError(t, err)
	assert.Contains(t, out, "ai_kitchen: allowed (privileged)")
	assert.Contains(t, out, "remaining: unlimited")
}

func TestCheckRemoteUsesSubscription(t *testing.T) {
	setTestEnv(t)
	t.Setenv(config.EnvMaxFreeUsage, "0")
	newFakeBackend(t)

	out, err := runCLI(t, "check", entitlements.FeatureFoodDetection, "--user", "u1", "--remote", "--json")
	require.NoError(t, err)

	var resp struct {
		Decision entitlements.AccessDecision `json:"decision"`
		Backend  *struct {
			CurrentUsage int `json:"current_usage"`
			Limit        int `json:"limit"`
		} `json:"backend"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Decision.Allowed)
	assert.Equal(t, entitlements.ReasonActiveSubscription, resp.Decision.Reason)
	assert.Equal(t, 60, resp.Decision.Remaining)
	require.NotNil(t, resp.Backend)
	assert.Equal(t, 40, resp.Backend.CurrentUsage)
	assert.Equal(t, 100, resp.Backend.Limit)
}

func TestCheckRemoteUnavailableFallsBackToLocal(t *testing.T) {
	setTestEnv(t)
	t.Setenv(config.EnvRemoteTimeout, "200ms")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	t.Setenv(config.EnvAPIURL, srv.URL)

	out, err := runCLI(t, "check", entitlements.FeatureFoodDetection, "--user", "u1", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "food_detection: allowed (free_usage_remaining)")
}

func TestRecordRemoteMirrorsUsage(t *testing.T) {
	setTestEnv(t)
	backend := newFakeBackend(t)

	_, err := runCLI(t, "record", entitlements.FeatureFoodDetection, "--user", "u1", "--remote")
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.pushes.Load())

	out, err := runCLI(t, "status", "--user", "u1", "--remote")
	require.NoError(t, err)
	assert.Contains(t, out, "Subscription: active, plan Monthly")
	assert.Contains(t, out, "Backend usage:")
	assert.Contains(t, out, "food_detection: 40")
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	setTestEnv(t)
	t.Setenv(config.EnvStore, config.StoreMemory)

	a, err := newApp(&globalOptions{}, false)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterWithoutIdentity(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a, nil)

	rec := doRequest(t, h, http.MethodGet, "/check/"+entitlements.FeatureFoodDetection, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var decision decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Locked)
	assert.Equal(t, entitlements.ReasonUnavailable, decision.Reason)

	rec = doRequest(t, h, http.MethodPost, "/usage/"+entitlements.FeatureFoodDetection, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterEndpoints(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a, nil)

	rec := doRequest(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = doRequest(t, h, http.MethodGet, "/features", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), entitlements.FeatureAIKitchen)

	rec = doRequest(t, h, http.MethodGet, "/plans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), entitlements.PlanWeekly)

	rec = doRequest(t, h, http.MethodGet, "/check/teleportation", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPut, "/identity", `{"id":"u1","role":"user"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, a.svc.Identity())
	assert.Equal(t, "u1", a.svc.Identity().ID)

	rec = doRequest(t, h, http.MethodPost, "/usage/"+entitlements.FeatureFoodDetection, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var decision decisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	assert.True(t, decision.Allowed)
	assert.Equal(t, entitlements.ReasonInTrial, decision.Reason)

	rec = doRequest(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status resolver.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Trial.Active)

	rec = doRequest(t, h, http.MethodPost, "/resume", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meallens_")

	rec = doRequest(t, h, http.MethodDelete, "/identity", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, a.svc.Identity())
}

func TestRouterRejectsBadIdentity(t *testing.T) {
	a := newTestApp(t)
	h := newRouter(a, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"id":`},
		{"missing id", `{"role":"user"}`},
		{"blank id", `{"id":"   "}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPut, "/identity", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Nil(t, a.svc.Identity())
}

func TestWaitForShutdown(t *testing.T) {
	t.Run("sighup reloads then term stops", func(t *testing.T) {
		sigChan := make(chan os.Signal, 2)
		sigChan <- syscall.SIGHUP
		sigChan <- syscall.SIGTERM
		var reloads int
		err := waitForShutdown(t.Context(), sigChan, make(chan error), func() { reloads++ })
		require.NoError(t, err)
		assert.Equal(t, 1, reloads)
	})

	t.Run("server failure", func(t *testing.T) {
		serveErr := make(chan error, 1)
		serveErr <- errors.New("address in use")
		err := waitForShutdown(t.Context(), make(chan os.Signal), serveErr, func() {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "address in use")
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		require.NoError(t, waitForShutdown(ctx, make(chan os.Signal), make(chan error), func() {}))
	})
}
