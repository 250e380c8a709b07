// Package config handles environment-based configuration loading and the
// tenant definition file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir string

	// Scheduling
	HeartbeatInterval  time.Duration
	Tenants            []string
	TenantsFile        string
	MaxEventQueueSize  int
	TenantIdleEviction time.Duration

	// Run timeouts. Grace, MaxLockHold and ChargeTokens are pointers so an
	// unset variable falls back to the runtime's chained defaults.
	RunTimeout             time.Duration
	RunTimeoutGrace        *time.Duration
	RunTimeoutMaxLockHold  *time.Duration
	RunTimeoutChargeTokens *int

	// Provider
	ProviderURL   string
	ProviderToken string

	// Observation sources
	ObservationSourceURLs []string
	ObservationTimeout    time.Duration

	// SSRF guard
	SSRFAllowlist []string
	SSRFCacheTTL  time.Duration

	// Audit store
	AuditQueueSize      int
	AuditFlushBatchSize int
	AuditFlushInterval  time.Duration
	AuditMaxRows        int
	AuditRetainAge      time.Duration
	AuditPruneSchedule  string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("DROVER_DATA_DIR", "/var/lib/drover")

	// --- Scheduling ---
	cfg.HeartbeatInterval = envDuration("DROVER_HEARTBEAT_INTERVAL", time.Minute, &errs)
	cfg.Tenants = envStringSlice("DROVER_TENANTS", []string{}, &errs)
	cfg.TenantsFile = strings.TrimSpace(envStr("DROVER_TENANTS_FILE", ""))
	cfg.MaxEventQueueSize = envInt("DROVER_MAX_EVENT_QUEUE_SIZE", 100, &errs)
	cfg.TenantIdleEviction = envDuration("DROVER_TENANT_IDLE_EVICTION", 0, &errs)

	// --- Run timeouts ---
	cfg.RunTimeout = envDuration("DROVER_RUN_TIMEOUT", 5*time.Minute, &errs)
	cfg.RunTimeoutGrace = envOptionalDuration("DROVER_RUN_TIMEOUT_GRACE", &errs)
	cfg.RunTimeoutMaxLockHold = envOptionalDuration("DROVER_RUN_TIMEOUT_MAX_LOCK_HOLD", &errs)
	cfg.RunTimeoutChargeTokens = envOptionalInt("DROVER_RUN_TIMEOUT_CHARGE_TOKENS", &errs)

	// --- Provider (token must be defined; empty means auth disabled) ---
	cfg.ProviderURL = strings.TrimSpace(envStr("DROVER_PROVIDER_URL", ""))
	providerToken, hasProviderToken := os.LookupEnv("DROVER_PROVIDER_TOKEN")
	cfg.ProviderToken = providerToken

	// --- Observation sources ---
	cfg.ObservationSourceURLs = envStringSlice("DROVER_OBSERVATION_SOURCE_URLS", []string{}, &errs)
	cfg.ObservationTimeout = envDuration("DROVER_OBSERVATION_TIMEOUT", 10*time.Second, &errs)

	// --- SSRF guard ---
	cfg.SSRFAllowlist = envStringSlice("DROVER_SSRF_ALLOWLIST", []string{}, &errs)
	cfg.SSRFCacheTTL = envDuration("DROVER_SSRF_CACHE_TTL", 5*time.Minute, &errs)

	// --- Audit store ---
	cfg.AuditQueueSize = envInt("DROVER_AUDIT_QUEUE_SIZE", 1024, &errs)
	cfg.AuditFlushBatchSize = envInt("DROVER_AUDIT_FLUSH_BATCH_SIZE", 256, &errs)
	cfg.AuditFlushInterval = envDuration("DROVER_AUDIT_FLUSH_INTERVAL", 2*time.Second, &errs)
	cfg.AuditMaxRows = envInt("DROVER_AUDIT_MAX_ROWS", 1_000_000, &errs)
	cfg.AuditRetainAge = envDuration("DROVER_AUDIT_RETAIN_AGE", 30*24*time.Hour, &errs)
	cfg.AuditPruneSchedule = envStr("DROVER_AUDIT_PRUNE_SCHEDULE", "0 4 * * *")

	// --- Validation ---
	if cfg.HeartbeatInterval <= 0 {
		errs = append(errs, "DROVER_HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.MaxEventQueueSize < 1 {
		errs = append(errs, "DROVER_MAX_EVENT_QUEUE_SIZE must be at least 1")
	}
	if cfg.TenantIdleEviction < 0 {
		errs = append(errs, "DROVER_TENANT_IDLE_EVICTION must not be negative")
	}
	if cfg.RunTimeout <= 0 {
		errs = append(errs, "DROVER_RUN_TIMEOUT must be positive")
	}
	if cfg.RunTimeoutGrace != nil && *cfg.RunTimeoutGrace < 0 {
		errs = append(errs, "DROVER_RUN_TIMEOUT_GRACE must not be negative")
	}
	if cfg.RunTimeoutMaxLockHold != nil && *cfg.RunTimeoutMaxLockHold < 0 {
		errs = append(errs, "DROVER_RUN_TIMEOUT_MAX_LOCK_HOLD must not be negative")
	}
	if cfg.RunTimeoutChargeTokens != nil && *cfg.RunTimeoutChargeTokens < 0 {
		errs = append(errs, "DROVER_RUN_TIMEOUT_CHARGE_TOKENS must not be negative")
	}

	if cfg.ProviderURL == "" {
		errs = append(errs, "DROVER_PROVIDER_URL must be defined")
	}
	if !hasProviderToken {
		errs = append(errs, "DROVER_PROVIDER_TOKEN must be defined (can be empty)")
	}

	if cfg.ObservationTimeout <= 0 {
		errs = append(errs, "DROVER_OBSERVATION_TIMEOUT must be positive")
	}
	if cfg.SSRFCacheTTL <= 0 {
		errs = append(errs, "DROVER_SSRF_CACHE_TTL must be positive")
	}

	validatePositive("DROVER_AUDIT_QUEUE_SIZE", cfg.AuditQueueSize, &errs)
	validatePositive("DROVER_AUDIT_FLUSH_BATCH_SIZE", cfg.AuditFlushBatchSize, &errs)
	validatePositive("DROVER_AUDIT_MAX_ROWS", cfg.AuditMaxRows, &errs)
	if cfg.AuditFlushInterval <= 0 {
		errs = append(errs, "DROVER_AUDIT_FLUSH_INTERVAL must be positive")
	}
	if cfg.AuditRetainAge <= 0 {
		errs = append(errs, "DROVER_AUDIT_RETAIN_AGE must be positive")
	}
	if _, err := cron.ParseStandard(cfg.AuditPruneSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("DROVER_AUDIT_PRUNE_SCHEDULE: invalid cron expression %q: %v", cfg.AuditPruneSchedule, err))
	}

	// Queue size must be >= 2x batch size
	if cfg.AuditQueueSize < 2*cfg.AuditFlushBatchSize {
		errs = append(errs, "DROVER_AUDIT_QUEUE_SIZE must be at least 2x DROVER_AUDIT_FLUSH_BATCH_SIZE")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envOptionalInt(key string, errs *[]string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return nil
	}
	return &n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envOptionalDuration(key string, errs *[]string) *time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return nil
	}
	return &d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive, got %d", name, value))
	}
}
