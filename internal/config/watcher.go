package config

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const (
	watchDebounce       = 100 * time.Millisecond
	defaultPollInterval = 5 * time.Second
)

// PolicyWatcher monitors the .env file and hands changed gating policies to
// a callback.
type PolicyWatcher struct {
	envPath      string
	watcher      *fsnotify.Watcher
	stopChan     chan struct{}
	stopOnce     sync.Once
	lastModTime  time.Time
	pollInterval time.Duration

	mu       sync.Mutex
	current  entitlements.Policy
	onChange func(entitlements.Policy)
}

// NewPolicyWatcher creates a watcher for envPath seeded with the policy in
// effect.
func NewPolicyWatcher(envPath string, current entitlements.Policy, onChange func(entitlements.Policy)) (*PolicyWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	pw := &PolicyWatcher{
		envPath:      envPath,
		watcher:      watcher,
		stopChan:     make(chan struct{}),
		pollInterval: defaultPollInterval,
		current:      current.Normalize(),
		onChange:     onChange,
	}
	if stat, err := os.Stat(envPath); err == nil {
		pw.lastModTime = stat.ModTime()
	}
	return pw, nil
}

// Start begins watching the env file's directory, falling back to polling
// when the directory cannot be watched.
func (pw *PolicyWatcher) Start() error {
	dir := filepath.Dir(pw.envPath)
	if err := pw.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go pw.pollForChanges()
		return nil
	}

	go pw.watchForChanges()
	log.Info().Str("env_path", pw.envPath).Msg("Started watching policy file for changes")
	return nil
}

// Stop stops the watcher. Safe to call more than once.
func (pw *PolicyWatcher) Stop() {
	pw.stopOnce.Do(func() {
		close(pw.stopChan)
		if err := pw.watcher.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close fsnotify watcher")
		}
	})
}

// Reload re-reads the env file immediately (e.g., from SIGHUP).
func (pw *PolicyWatcher) Reload() {
	pw.reloadPolicy()
}

// Current returns the policy last handed to the callback.
func (pw *PolicyWatcher) Current() entitlements.Policy {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.current
}

func (pw *PolicyWatcher) watchForChanges() {
	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(pw.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(watchDebounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			pw.reloadPolicy()

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Policy watcher error")

		case <-pw.stopChan:
			return
		}
	}
}

func (pw *PolicyWatcher) pollForChanges() {
	ticker := time.NewTicker(pw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(pw.envPath)
			if err != nil || !stat.ModTime().After(pw.lastModTime) {
				continue
			}
			log.Info().Msg("Detected .env file change via polling")
			pw.lastModTime = stat.ModTime()
			pw.reloadPolicy()

		case <-pw.stopChan:
			return
		}
	}
}

func (pw *PolicyWatcher) reloadPolicy() {
	envMap, err := godotenv.Read(pw.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", pw.envPath).Msg("Failed to read .env file")
			return
		}
		envMap = map[string]string{}
	}

	next := PolicyFromEnvMap(envMap)

	pw.mu.Lock()
	if reflect.DeepEqual(pw.current, next) {
		pw.mu.Unlock()
		log.Debug().Msg("No policy changes detected in .env file")
		return
	}
	pw.current = next
	callback := pw.onChange
	pw.mu.Unlock()

	log.Info().
		Dur("trial_window", next.TrialWindow).
		Int("max_free_usage", next.MaxFreeUsage).
		Strs("privileged_roles", next.PrivilegedRoles).
		Msg("Applied .env policy changes")

	if callback != nil {
		callback(next)
	}
}
