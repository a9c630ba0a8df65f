// Package config loads and validates the engine's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the engine's top-level typed configuration. Every tunable named
// in the external interfaces section of the spec has a field here with a
// documented default applied in applyDefaults.
type Config struct {
	Tenancy    Tenancy    `toml:"tenancy"`
	Budget     Budget     `toml:"budget"`
	Queue      Queue      `toml:"queue"`
	Worker     Worker     `toml:"worker"`
	Pool       Pool       `toml:"pool"`
	Governance Governance `toml:"governance"`
	Artifacts  Artifacts  `toml:"artifacts"`
	API        API        `toml:"api"`
	Telemetry  Telemetry  `toml:"telemetry"`
	Plans      Plans      `toml:"plans"`
	Roles      Roles      `toml:"roles"`
	Temporal   Temporal   `toml:"temporal"`
}

// Plans points at the plan registry's YAML definition (spec.md §4.4's
// NORMAL/DEGRADED/MINIMAL plan shapes).
type Plans struct {
	RegistryPath string `toml:"registry_path"` // default "config/plans.yaml"
}

// Roles maps each role to the container image its SandboxAdapter runs.
// Keys are the internal/roles Role* constants ("product", "data",
// "execution", "evaluation", "cost").
type Roles struct {
	Images map[string]string `toml:"images"`
}

// Temporal configures the DAG Engine's workflow host connection.
type Temporal struct {
	HostPort string `toml:"host_port"` // default "127.0.0.1:7233"
}

// Tenancy controls default budget/learning profiles applied to newly
// registered tenants when the submission doesn't specify its own.
type Tenancy struct {
	StateDB                string `toml:"state_db"`
	RunStateDB             string `toml:"run_state_db"`
	DefaultMaxConcurrent    int    `toml:"default_max_concurrent_runs"`
	DefaultMaxAgents        int    `toml:"default_max_agents"`
	DefaultPriorityLevel    int    `toml:"default_priority_level"`
	DefaultLearningIntensity string `toml:"default_learning_intensity"` // conservative|balanced|aggressive
}

// Budget configures the Budget Controller's admission algorithm.
type Budget struct {
	LedgerDB               string  `toml:"ledger_db"`
	AdmissionSlackPct      float64 `toml:"admission_slack_pct"` // default 5%
	// WarningThresholdPct and CriticalThresholdPct are loaded and defaulted
	// but not read; the budget status tiers use fixed 80%/90% bounds.
	WarningThresholdPct    float64 `toml:"warning_threshold_pct"`    // default 0.80
	CriticalThresholdPct   float64 `toml:"critical_threshold_pct"`   // default 0.90
	GlobalRateLimitPerSec  float64 `toml:"global_rate_limit_per_sec"` // default 100
	GlobalRateLimitBurst   int     `toml:"global_rate_limit_burst"`
	LedgerRetryAttempts    int     `toml:"ledger_retry_attempts"`
	LedgerRetryBackoff     Duration `toml:"ledger_retry_backoff"`
	ConcurrencyConfidenceFloor float64 `toml:"concurrency_confidence_floor"` // default 0.4
}

// Queue configures the Task Queue (both in-process and distributed forms).
type Queue struct {
	Backend          string   `toml:"backend"` // "memory" or "redis"
	StateFile        string   `toml:"state_file"`
	SnapshotInterval Duration `toml:"snapshot_interval"`
	RedisAddr        string   `toml:"redis_addr"`
	RedisNamespace   string   `toml:"redis_namespace"`
	LeaseDuration    Duration `toml:"lease_duration"`    // default 300s
	SweepInterval    Duration `toml:"sweep_interval"`    // default leaseDuration/4
	MaxAttempts      int      `toml:"max_attempts"`      // default 3
	// AgingBonusEvery and PeekSkipLimit are loaded and defaulted but not
	// read: both queue backends age pending tasks by a fixed 30s step and
	// consider every pending candidate on Dequeue.
	AgingBonusEvery  Duration `toml:"aging_bonus_every"` // batch-class starvation guard
	PeekSkipLimit    int      `toml:"peek_skip_limit"`   // capability-filtered dequeue bound
}

// Worker configures per-worker behavior.
type Worker struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"` // default 15s
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`  // default 60s
	DefaultTimeout    Duration `toml:"default_timeout"`
	MaxConcurrentTasks int     `toml:"max_concurrent_tasks"`
	UnknownErrorRetryBound int `toml:"unknown_error_retry_bound"`
}

// Pool configures the intra-run Execution Pool.
type Pool struct {
	Concurrency            int     `toml:"concurrency"`             // default 10
	BackpressureThreshold  float64 `toml:"backpressure_threshold"`  // default 0.8
	CancellationGracePeriod Duration `toml:"cancellation_grace_period"`
}

// Governance holds checkpoint decision thresholds. They are loaded and
// defaulted but not read: internal/governance applies its own built-in
// thresholds.
type Governance struct {
	HighRiskConfidenceFloor float64 `toml:"high_risk_confidence_floor"` // default 0.5
	HighRiskCountThreshold  int     `toml:"high_risk_count_threshold"`  // default 2
	LLMFallbackThreshold    int     `toml:"llm_fallback_threshold"`     // default 2
}

// Artifacts configures the artifact bundle store location and naming.
type Artifacts struct {
	RootDir       string `toml:"root_dir"` // default "artifacts/runs"
	TenantRootDir string `toml:"tenant_root_dir"`
}

// API configures the submission API's HTTP surface.
type API struct {
	Bind     string      `toml:"bind"`
	Security APISecurity `toml:"security"`
}

type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

// Telemetry configures OpenTelemetry tracing/metrics export.
type Telemetry struct {
	Enabled       bool   `toml:"enabled"`
	OTLPEndpoint  string `toml:"otlp_endpoint"`
	ServiceName   string `toml:"service_name"`
	MetricsBind   string `toml:"metrics_bind"` // prometheus /metrics listen addr
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	cloned.API.Security.AllowedTokens = cloneStringSlice(cfg.API.Security.AllowedTokens)
	return &cloned
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Load reads and validates the engine's TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	return &cfg, nil
}

// LoadManager reads config from path and returns an RWMutex-backed thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.Tenancy.StateDB == "" {
		cfg.Tenancy.StateDB = "state/tenancy.db"
	}
	if cfg.Tenancy.RunStateDB == "" {
		cfg.Tenancy.RunStateDB = "state/runstate.db"
	}
	if cfg.Tenancy.DefaultMaxConcurrent == 0 {
		cfg.Tenancy.DefaultMaxConcurrent = 5
	}
	if cfg.Tenancy.DefaultMaxAgents == 0 {
		cfg.Tenancy.DefaultMaxAgents = 10
	}
	if cfg.Tenancy.DefaultPriorityLevel == 0 {
		cfg.Tenancy.DefaultPriorityLevel = 5
	}
	if cfg.Tenancy.DefaultLearningIntensity == "" {
		cfg.Tenancy.DefaultLearningIntensity = "balanced"
	}

	if cfg.Budget.LedgerDB == "" {
		cfg.Budget.LedgerDB = "state/budget.db"
	}
	if cfg.Budget.AdmissionSlackPct == 0 {
		cfg.Budget.AdmissionSlackPct = 0.05
	}
	if cfg.Budget.WarningThresholdPct == 0 {
		cfg.Budget.WarningThresholdPct = 0.80
	}
	if cfg.Budget.CriticalThresholdPct == 0 {
		cfg.Budget.CriticalThresholdPct = 0.90
	}
	if cfg.Budget.GlobalRateLimitPerSec == 0 {
		cfg.Budget.GlobalRateLimitPerSec = 100
	}
	if cfg.Budget.GlobalRateLimitBurst == 0 {
		cfg.Budget.GlobalRateLimitBurst = 100
	}
	if cfg.Budget.LedgerRetryAttempts == 0 {
		cfg.Budget.LedgerRetryAttempts = 3
	}
	if cfg.Budget.LedgerRetryBackoff.Duration == 0 {
		cfg.Budget.LedgerRetryBackoff.Duration = 2 * time.Second
	}
	if cfg.Budget.ConcurrencyConfidenceFloor == 0 {
		cfg.Budget.ConcurrencyConfidenceFloor = 0.4
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
	}
	if cfg.Queue.StateFile == "" {
		cfg.Queue.StateFile = "state/queue_state.json"
	}
	if cfg.Queue.SnapshotInterval.Duration == 0 {
		cfg.Queue.SnapshotInterval.Duration = 10 * time.Second
	}
	if cfg.Queue.RedisNamespace == "" {
		cfg.Queue.RedisNamespace = "engine"
	}
	if cfg.Queue.LeaseDuration.Duration == 0 {
		cfg.Queue.LeaseDuration.Duration = 300 * time.Second
	}
	if cfg.Queue.SweepInterval.Duration == 0 {
		cfg.Queue.SweepInterval.Duration = cfg.Queue.LeaseDuration.Duration / 4
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.AgingBonusEvery.Duration == 0 {
		cfg.Queue.AgingBonusEvery.Duration = 30 * time.Second
	}
	if cfg.Queue.PeekSkipLimit == 0 {
		cfg.Queue.PeekSkipLimit = 64
	}

	if cfg.Worker.HeartbeatInterval.Duration == 0 {
		cfg.Worker.HeartbeatInterval.Duration = 15 * time.Second
	}
	if cfg.Worker.HeartbeatTimeout.Duration == 0 {
		cfg.Worker.HeartbeatTimeout.Duration = 60 * time.Second
	}
	if cfg.Worker.DefaultTimeout.Duration == 0 {
		cfg.Worker.DefaultTimeout.Duration = 5 * time.Minute
	}
	if cfg.Worker.MaxConcurrentTasks == 0 {
		cfg.Worker.MaxConcurrentTasks = 4
	}
	if cfg.Worker.UnknownErrorRetryBound == 0 {
		cfg.Worker.UnknownErrorRetryBound = 1
	}

	if cfg.Pool.Concurrency == 0 {
		cfg.Pool.Concurrency = 10
	}
	if cfg.Pool.BackpressureThreshold == 0 {
		cfg.Pool.BackpressureThreshold = 0.8
	}
	if cfg.Pool.CancellationGracePeriod.Duration == 0 {
		cfg.Pool.CancellationGracePeriod.Duration = 10 * time.Second
	}

	if cfg.Governance.HighRiskConfidenceFloor == 0 {
		cfg.Governance.HighRiskConfidenceFloor = 0.5
	}
	if cfg.Governance.HighRiskCountThreshold == 0 {
		cfg.Governance.HighRiskCountThreshold = 2
	}
	if cfg.Governance.LLMFallbackThreshold == 0 {
		cfg.Governance.LLMFallbackThreshold = 2
	}

	if cfg.Artifacts.RootDir == "" {
		cfg.Artifacts.RootDir = "artifacts/runs"
	}
	if cfg.Artifacts.TenantRootDir == "" {
		cfg.Artifacts.TenantRootDir = "artifacts/tenants"
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8088"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "delivery-engine"
	}
	if cfg.Telemetry.MetricsBind == "" {
		cfg.Telemetry.MetricsBind = "127.0.0.1:9090"
	}

	if cfg.Plans.RegistryPath == "" {
		cfg.Plans.RegistryPath = "config/plans.yaml"
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
}

func validate(cfg *Config) error {
	if cfg.Pool.BackpressureThreshold <= 0 || cfg.Pool.BackpressureThreshold > 1 {
		return fmt.Errorf("pool.backpressure_threshold must be in (0,1], got %f", cfg.Pool.BackpressureThreshold)
	}
	if cfg.Pool.Concurrency <= 0 {
		return fmt.Errorf("pool.concurrency must be > 0")
	}
	switch strings.ToLower(cfg.Queue.Backend) {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.backend must be \"memory\" or \"redis\", got %q", cfg.Queue.Backend)
	}
	if cfg.Queue.Backend == "redis" && strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
		return fmt.Errorf("queue.redis_addr is required when queue.backend is \"redis\"")
	}
	if cfg.Budget.AdmissionSlackPct < 0 {
		return fmt.Errorf("budget.admission_slack_pct must be >= 0")
	}
	return nil
}
