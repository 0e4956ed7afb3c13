package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type policyRecorder struct {
	mu       sync.Mutex
	policies []entitlements.Policy
}

func (r *policyRecorder) record(p entitlements.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, p)
}

func (r *policyRecorder) last() (entitlements.Policy, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.policies) == 0 {
		return entitlements.Policy{}, 0
	}
	return r.policies[len(r.policies)-1], len(r.policies)
}

func clearPolicyEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvTrialDays, EnvMaxFreeUsage, EnvPrivilegedRoles} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestPolicyWatcherReloadAppliesChanges(t *testing.T) {
	clearPolicyEnv(t)
	envPath := filepath.Join(t.TempDir(), ".env")
	rec := &policyRecorder{}

	pw, err := NewPolicyWatcher(envPath, entitlements.DefaultPolicy(), rec.record)
	require.NoError(t, err)
	t.Cleanup(pw.Stop)

	// Missing file resolves to defaults, which match the seed policy.
	pw.Reload()
	_, calls := rec.last()
	assert.Zero(t, calls)

	require.NoError(t, os.WriteFile(envPath, []byte("MEALLENS_MAX_FREE_USAGE=10\nMEALLENS_TRIAL_DAYS=1\n"), 0o600))
	pw.Reload()

	got, calls := rec.last()
	require.Equal(t, 1, calls)
	assert.Equal(t, 10, got.MaxFreeUsage)
	assert.Equal(t, 24*time.Hour, got.TrialWindow)
	assert.Equal(t, got, pw.Current())

	// Unchanged content does not fire again.
	pw.Reload()
	_, calls = rec.last()
	assert.Equal(t, 1, calls)
}

func TestPolicyWatcherDetectsFileWrites(t *testing.T) {
	clearPolicyEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	rec := &policyRecorder{}

	pw, err := NewPolicyWatcher(envPath, entitlements.DefaultPolicy(), rec.record)
	require.NoError(t, err)
	require.NoError(t, pw.Start())
	t.Cleanup(pw.Stop)

	require.NoError(t, os.WriteFile(envPath, []byte("MEALLENS_MAX_FREE_USAGE=4\n"), 0o600))

	require.Eventually(t, func() bool {
		got, calls := rec.last()
		return calls > 0 && got.MaxFreeUsage == 4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPolicyWatcherStopIsIdempotent(t *testing.T) {
	pw, err := NewPolicyWatcher(filepath.Join(t.TempDir(), ".env"), entitlements.DefaultPolicy(), nil)
	require.NoError(t, err)
	pw.Stop()
	pw.Stop()
}
