package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/meallensai/entitlements/internal/utils"
	"github.com/meallensai/entitlements/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

// Environment variable names.
const (
	EnvAPIURL          = "MEALLENS_API_URL"
	EnvAPIToken        = "MEALLENS_API_TOKEN"
	EnvDataDir         = "MEALLENS_DATA_DIR"
	EnvStore           = "MEALLENS_STORE"
	EnvTrialDays       = "MEALLENS_TRIAL_DAYS"
	EnvMaxFreeUsage    = "MEALLENS_MAX_FREE_USAGE"
	EnvPrivilegedRoles = "MEALLENS_PRIVILEGED_ROLES"
	EnvRemoteTimeout   = "MEALLENS_REMOTE_TIMEOUT"
	EnvRefreshInterval = "MEALLENS_REFRESH_INTERVAL"
	EnvDNSCacheTTL     = "MEALLENS_DNS_CACHE_TTL"
	EnvLogLevel        = "MEALLENS_LOG_LEVEL"
	EnvLogFormat       = "MEALLENS_LOG_FORMAT"
	EnvListenAddr      = "MEALLENS_LISTEN_ADDR"
	EnvUserID          = "MEALLENS_USER_ID"
	EnvUserRole        = "MEALLENS_USER_ROLE"
	EnvUserCreatedAt   = "MEALLENS_USER_CREATED_AT"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Defaults.
const (
	DefaultAPIURL          = "http://localhost:5001/api"
	DefaultRemoteTimeout   = 5 * time.Second
	DefaultRefreshInterval = 15 * time.Minute
	DefaultDNSCacheTTL     = 5 * time.Minute
	DefaultListenAddr      = "127.0.0.1:7681"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// UserConfig is the identity supplied through the environment, for CLI use.
type UserConfig struct {
	ID        string
	Role      string
	CreatedAt time.Time
}

// Config is the runtime configuration.
type Config struct {
	APIURL          string
	APIToken        string
	DataDir         string
	Store           string
	Policy          entitlements.Policy
	RemoteTimeout   time.Duration
	RefreshInterval time.Duration
	DNSCacheTTL     time.Duration
	LogLevel        string
	LogFormat       string
	ListenAddr      string
	User            UserConfig

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// EnvPath returns the .env file the watcher follows.
func (c *Config) EnvPath() string {
	return filepath.Join(c.DataDir, ".env")
}

// Identity returns the configured identity, or nil when no user ID is set.
func (c *Config) Identity() *entitlements.Identity {
	if c.User.ID == "" {
		return nil
	}
	return &entitlements.Identity{
		ID:            c.User.ID,
		Role:          c.User.Role,
		CreatedAt:     c.User.CreatedAt,
		Authenticated: true,
	}
}

// Load reads .env files and MEALLENS_* environment variables over defaults.
func Load() (*Config, error) {
	dataDir := defaultDataDir()
	if dir := utils.GetenvTrim(EnvDataDir); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}

	// Also try loading from current directory for development
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := FromLookup(os.Getenv)
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromLookup builds a Config from defaults and a key lookup function.
// Malformed values are logged and leave the default in place.
func FromLookup(lookup func(string) string) *Config {
	get := func(key string) string {
		return strings.Trim(strings.TrimSpace(lookup(key)), "'\"")
	}

	cfg := &Config{
		APIURL:          DefaultAPIURL,
		Store:           StoreFile,
		Policy:          entitlements.DefaultPolicy(),
		RemoteTimeout:   DefaultRemoteTimeout,
		RefreshInterval: DefaultRefreshInterval,
		DNSCacheTTL:     DefaultDNSCacheTTL,
		LogLevel:        "info",
		LogFormat:       "auto",
		ListenAddr:      DefaultListenAddr,
		EnvOverrides:    make(map[string]bool),
	}

	if v := get(EnvAPIURL); v != "" {
		cfg.APIURL = strings.TrimRight(v, "/")
		cfg.EnvOverrides["apiURL"] = true
	}
	if v := get(EnvAPIToken); v != "" {
		cfg.APIToken = v
		cfg.EnvOverrides["apiToken"] = true
	}
	if v := get(EnvDataDir); v != "" {
		cfg.DataDir = v
		cfg.EnvOverrides["dataDir"] = true
	}
	if v := get(EnvStore); v != "" {
		cfg.Store = strings.ToLower(v)
		cfg.EnvOverrides["store"] = true
	}

	cfg.Policy = policyFromLookup(get, cfg.Policy, cfg.EnvOverrides)

	durations := []struct {
		key    string
		name   string
		target *time.Duration
	}{
		{EnvRemoteTimeout, "remoteTimeout", &cfg.RemoteTimeout},
		{EnvRefreshInterval, "refreshInterval", &cfg.RefreshInterval},
		{EnvDNSCacheTTL, "dnsCacheTTL", &cfg.DNSCacheTTL},
	}
	for _, d := range durations {
		raw := get(d.key)
		if raw == "" {
			continue
		}
		if parsed, ok := utils.ParseSecondsOrDuration(raw); ok && parsed >= 0 {
			*d.target = parsed
			cfg.EnvOverrides[d.name] = true
		} else {
			log.Warn().Str("key", d.key).Str("value", raw).Msg("Ignoring invalid duration")
		}
	}

	if v := get(EnvLogLevel); v != "" {
		cfg.LogLevel = v
		cfg.EnvOverrides["logLevel"] = true
	}
	if v := get(EnvLogFormat); v != "" {
		cfg.LogFormat = v
		cfg.EnvOverrides["logFormat"] = true
	}
	if v := get(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
		cfg.EnvOverrides["listenAddr"] = true
	}

	cfg.User.ID = get(EnvUserID)
	cfg.User.Role = get(EnvUserRole)
	if v := get(EnvUserCreatedAt); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			cfg.User.CreatedAt = ts
		} else {
			log.Warn().Str("key", EnvUserCreatedAt).Str("value", v).Msg("Ignoring invalid timestamp")
		}
	}

	return cfg
}

// PolicyFromEnvMap derives the gating policy from a parsed .env map, falling
// back to the process environment for keys the map does not set.
func PolicyFromEnvMap(envMap map[string]string) entitlements.Policy {
	get := func(key string) string {
		if v, ok := envMap[key]; ok {
			return strings.Trim(strings.TrimSpace(v), "'\"")
		}
		return utils.GetenvTrim(key)
	}
	return policyFromLookup(get, entitlements.DefaultPolicy(), nil)
}

func policyFromLookup(get func(string) string, policy entitlements.Policy, overrides map[string]bool) entitlements.Policy {
	mark := func(name string) {
		if overrides != nil {
			overrides[name] = true
		}
	}

	if v := get(EnvTrialDays); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			policy.TrialWindow = time.Duration(days) * 24 * time.Hour
			mark("trialDays")
		} else {
			log.Warn().Str("key", EnvTrialDays).Str("value", v).Msg("Ignoring invalid trial length")
		}
	}
	if v := get(EnvMaxFreeUsage); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			policy.MaxFreeUsage = n
			mark("maxFreeUsage")
		} else {
			log.Warn().Str("key", EnvMaxFreeUsage).Str("value", v).Msg("Ignoring invalid free usage limit")
		}
	}
	if v := get(EnvPrivilegedRoles); v != "" {
		policy.PrivilegedRoles = utils.SplitList(v)
		mark("privilegedRoles")
	}
	return policy.Normalize()
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Store {
	case StoreFile, StoreSQLite, StoreMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown store %q", c.Store))
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("api url %q must be an absolute http(s) URL", c.APIURL))
	}
	if c.RemoteTimeout <= 0 {
		problems = append(problems, "remote timeout must be positive")
	}
	if c.Store != StoreMemory && strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data directory is required for persistent stores")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "meallens")
	}
	return ".meallens"
}
