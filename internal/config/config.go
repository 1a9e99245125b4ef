// Package config provides configuration loading, validation, and
// environment-override resolution for the SBH daemon core.
//
// Configuration file: /etc/sbhd/config.toml (default), parsed with
// github.com/BurntSushi/toml per spec.md §6. The CLI surface that
// locates the config file and passes its path to the core is an
// external collaborator (out of scope); this package is the boundary
// the core actually consumes: a parsed, validated Config struct.
//
// Environment overrides:
//
//	A fixed set of scalar keys (listed in applyEnvOverrides) can be
//	overridden by an env var named SBH_<SECTION>_<KEY> (dotted keys
//	uppercased with underscores), applied after the TOML file is parsed
//	and before validation. All other keys are read from the file only.
//	Example:
//	SBH_SCANNER_MAX_DELETE_BATCH=50 overrides [scanner].max_delete_batch.
//
// Validation:
//   - All numeric ranges enforced (spec.md §8 invariant 1 and 2).
//   - Pressure thresholds must strictly descend: green > yellow > orange
//     > red > critical.
//   - Scoring weights must sum to 1.0 within epsilon; min_score must not
//     exceed calibration_floor.
//   - Invalid config on startup is fatal (exit 2). Invalid config on
//     SIGHUP reload is logged and the previous config is retained —
//     the daemon does not exit (spec.md §7).

package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// PressureConfig holds descending free-percent thresholds per level.
type PressureConfig struct {
	GreenPct    float64 `toml:"green_pct"`
	YellowPct   float64 `toml:"yellow_pct"`
	OrangePct   float64 `toml:"orange_pct"`
	RedPct      float64 `toml:"red_pct"`
	CriticalPct float64 `toml:"critical_pct"`

	PollIntervalMS int `toml:"poll_interval_ms"`

	Prediction PredictionConfig `toml:"prediction"`
}

// PredictionConfig holds the forecaster's danger-class horizons.
type PredictionConfig struct {
	CriticalSeconds float64 `toml:"critical_seconds"`
	ImminentSeconds float64 `toml:"imminent_seconds"`
	ActionSeconds   float64 `toml:"action_seconds"`
	WarningSeconds  float64 `toml:"warning_seconds"`

	MinConfidence float64 `toml:"min_confidence"`
	AlphaMin      float64 `toml:"alpha_min"`
	AlphaMax      float64 `toml:"alpha_max"`
	ShiftFraction float64 `toml:"shift_fraction"`
}

// ScannerConfig configures the walker and deletion executor.
type ScannerConfig struct {
	RootPaths         []string `toml:"root_paths"`
	ExcludedPaths     []string `toml:"excluded_paths"`
	ProtectedGlobs    []string `toml:"protected_globs"`
	MinFileAgeMinutes int      `toml:"min_file_age_minutes"`
	MaxDepth          int      `toml:"max_depth"`
	Parallelism       int      `toml:"parallelism"`
	FollowSymlinks    bool     `toml:"follow_symlinks"`
	CrossDevices      bool     `toml:"cross_devices"`
	MaxDeleteBatch    int      `toml:"max_delete_batch"`

	RepeatCooldownBaseSeconds float64 `toml:"repeat_cooldown_base_seconds"`
	RepeatCooldownCapSeconds  float64 `toml:"repeat_cooldown_cap_seconds"`
	RepeatQuietPeriodSeconds  float64 `toml:"repeat_quiet_period_seconds"`

	ScanBudget time.Duration `toml:"scan_budget"`

	OpenFileGraceSeconds float64 `toml:"open_file_grace_seconds"`
}

// ScoringConfig configures the five-factor scoring engine and decision layer.
type ScoringConfig struct {
	WeightLocation  float64 `toml:"weight_location"`
	WeightPattern   float64 `toml:"weight_pattern"`
	WeightAge       float64 `toml:"weight_age"`
	WeightSize      float64 `toml:"weight_size"`
	WeightStructure float64 `toml:"weight_structure"`

	CostFalsePositive float64 `toml:"cost_false_positive"`
	CostFalseNegative float64 `toml:"cost_false_negative"`

	MinScore         float64 `toml:"min_score"`
	CalibrationFloor float64 `toml:"calibration_floor"`

	CharacteristicSizeBytes float64 `toml:"characteristic_size_bytes"`
}

// ExecutorConfig configures the deletion executor's circuit breaker.
type ExecutorConfig struct {
	CircuitTripCount    int           `toml:"circuit_trip_count"`
	CircuitCooldown     time.Duration `toml:"circuit_cooldown"`
}

// BallastMountOverride overrides pool sizing for a specific mount path.
type BallastMountOverride struct {
	MountPath     string `toml:"mount_path"`
	FileCount     int    `toml:"file_count"`
	FileSizeBytes int64  `toml:"file_size_bytes"`
}

// BallastConfig configures the ballast manager.
type BallastConfig struct {
	FileCount             int                    `toml:"file_count"`
	FileSizeBytes         int64                  `toml:"file_size_bytes"`
	ReplenishCooldownMins int                    `toml:"replenish_cooldown_minutes"`
	AutoProvision         bool                   `toml:"auto_provision"`
	DirName               string                 `toml:"dir_name"`
	PerMountOverrides     []BallastMountOverride `toml:"per_mount_overrides"`
}

// SchedulerConfig configures the VOI scan scheduler.
type SchedulerConfig struct {
	ScanBudgetPerInterval int     `toml:"scan_budget_per_interval"`
	ExplorationFraction   float64 `toml:"exploration_fraction"`
	IOCostWeight          float64 `toml:"io_cost_weight"`
	FPRiskWeight          float64 `toml:"fp_risk_weight"`
	ExplorationWeight     float64 `toml:"exploration_weight"`
	FallbackAfterTicks    int     `toml:"fallback_after_ticks"`
	RNGSeed               int64   `toml:"rng_seed"`
}

// PolicyMode is the operating mode of the daemon.
type PolicyMode string

const (
	PolicyObserve PolicyMode = "observe"
	PolicyCanary  PolicyMode = "canary"
	PolicyEnforce PolicyMode = "enforce"
)

// PolicyConfig selects the operating mode.
type PolicyConfig struct {
	Mode PolicyMode `toml:"mode"`
}

// PathsConfig holds data directory locations.
type PathsConfig struct {
	DataDir    string `toml:"data_dir"`
	StateFile  string `toml:"state_file"`
	SqlitePath string `toml:"sqlite_path"`
	JSONLPath  string `toml:"jsonl_path"`
}

// ObservabilityConfig configures metrics and logging.
type ObservabilityConfig struct {
	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
}

// AgentConfig holds process-wide operational parameters.
type AgentConfig struct {
	MaxGoroutines      int           `toml:"max_goroutines"`
	MonitorChanCap     int           `toml:"monitor_chan_cap"`
	ScannerChanCap     int           `toml:"scanner_chan_cap"`
	LoggerChanCap      int           `toml:"logger_chan_cap"`
	StatePublishPeriod time.Duration `toml:"state_publish_period"`
	HeartbeatTimeout   time.Duration `toml:"heartbeat_timeout"`
}

// Config is the root configuration structure for the SBH daemon.
type Config struct {
	SchemaVersion string `toml:"schema_version"`
	NodeID        string `toml:"node_id"`

	Agent         AgentConfig         `toml:"agent"`
	Pressure      PressureConfig      `toml:"pressure"`
	Scanner       ScannerConfig       `toml:"scanner"`
	Scoring       ScoringConfig       `toml:"scoring"`
	Executor      ExecutorConfig      `toml:"executor"`
	Ballast       BallastConfig       `toml:"ballast"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Policy        PolicyConfig        `toml:"policy"`
	Paths         PathsConfig         `toml:"paths"`
	Observability ObservabilityConfig `toml:"observability"`
}

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Agent: AgentConfig{
			MaxGoroutines:      4,
			MonitorChanCap:     2,
			ScannerChanCap:     64,
			LoggerChanCap:      1024,
			StatePublishPeriod: 2 * time.Second,
			HeartbeatTimeout:   30 * time.Second,
		},
		Pressure: PressureConfig{
			GreenPct:       40.0,
			YellowPct:      25.0,
			OrangePct:      15.0,
			RedPct:         8.0,
			CriticalPct:    3.0,
			PollIntervalMS: 1000,
			Prediction: PredictionConfig{
				CriticalSeconds: 120,
				ImminentSeconds: 300,
				ActionSeconds:   1800,
				WarningSeconds:  3600,
				MinConfidence:   0.7,
				AlphaMin:        0.05,
				AlphaMax:        0.6,
				ShiftFraction:   0.02,
			},
		},
		Scanner: ScannerConfig{
			RootPaths:                 []string{"/tmp"},
			MinFileAgeMinutes:         10,
			MaxDepth:                  20,
			Parallelism:               8,
			FollowSymlinks:            false,
			CrossDevices:              false,
			MaxDeleteBatch:            20,
			RepeatCooldownBaseSeconds: 300,
			RepeatCooldownCapSeconds:  3600,
			RepeatQuietPeriodSeconds:  7200,
			ScanBudget:                5 * time.Minute,
			OpenFileGraceSeconds:      5,
		},
		Scoring: ScoringConfig{
			WeightLocation:          0.25,
			WeightPattern:           0.25,
			WeightAge:               0.20,
			WeightSize:              0.15,
			WeightStructure:         0.15,
			CostFalsePositive:       50,
			CostFalseNegative:       30,
			MinScore:                0.45,
			CalibrationFloor:        0.45,
			CharacteristicSizeBytes: 256 * 1024 * 1024,
		},
		Executor: ExecutorConfig{
			CircuitTripCount: 3,
			CircuitCooldown:  30 * time.Second,
		},
		Ballast: BallastConfig{
			FileCount:             4,
			FileSizeBytes:         256 * 1024 * 1024,
			ReplenishCooldownMins: 30,
			AutoProvision:         true,
			DirName:               ".sbh-ballast",
		},
		Scheduler: SchedulerConfig{
			ScanBudgetPerInterval: 5,
			ExplorationFraction:  0.2,
			IOCostWeight:         0.1,
			FPRiskWeight:         0.2,
			ExplorationWeight:    0.05,
			FallbackAfterTicks:   3,
			RNGSeed:              1,
		},
		Policy: PolicyConfig{Mode: PolicyEnforce},
		Paths: PathsConfig{
			DataDir:    "/var/lib/sbhd",
			StateFile:  "/var/lib/sbhd/state.json",
			SqlitePath: "/var/lib/sbhd/events.db",
			JSONLPath:  "/var/lib/sbhd/events.jsonl",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads, env-overrides, and validates a config file from path.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: decode %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides walks a small fixed set of override-able fields.
// Only scalar fields that operators commonly tune at deploy time are
// covered; structural fields (root_paths, overrides) require the file.
func applyEnvOverrides(cfg *Config) {
	overrideFloat("SBH_SCORING_MIN_SCORE", &cfg.Scoring.MinScore)
	overrideFloat("SBH_SCORING_CALIBRATION_FLOOR", &cfg.Scoring.CalibrationFloor)
	overrideInt("SBH_SCANNER_MAX_DELETE_BATCH", &cfg.Scanner.MaxDeleteBatch)
	overrideInt("SBH_AGENT_MAX_GOROUTINES", &cfg.Agent.MaxGoroutines)
	overrideString("SBH_OBSERVABILITY_LOG_LEVEL", &cfg.Observability.LogLevel)
	overrideString("SBH_OBSERVABILITY_METRICS_ADDR", &cfg.Observability.MetricsAddr)
	if v, ok := os.LookupEnv("SBH_POLICY_MODE"); ok {
		cfg.Policy.Mode = PolicyMode(strings.ToLower(v))
	}
}

func overrideFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overrideInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

// Validate checks all config fields for correctness (spec.md §8 invariants 1, 2).
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}

	p := cfg.Pressure
	if !(p.GreenPct > p.YellowPct && p.YellowPct > p.OrangePct &&
		p.OrangePct > p.RedPct && p.RedPct > p.CriticalPct) {
		errs = append(errs, "pressure thresholds must strictly descend: green > yellow > orange > red > critical")
	}
	if p.PollIntervalMS < 100 {
		errs = append(errs, fmt.Sprintf("pressure.poll_interval_ms must be >= 100, got %d", p.PollIntervalMS))
	}
	if p.Prediction.MinConfidence < 0 || p.Prediction.MinConfidence > 1 {
		errs = append(errs, "pressure.prediction.min_confidence must be in [0,1]")
	}

	sw := cfg.Scoring.WeightLocation + cfg.Scoring.WeightPattern + cfg.Scoring.WeightAge +
		cfg.Scoring.WeightSize + cfg.Scoring.WeightStructure
	if math.Abs(sw-1.0) > 1e-6 {
		errs = append(errs, fmt.Sprintf("scoring weights must sum to 1.0, got %f", sw))
	}
	if cfg.Scoring.MinScore > cfg.Scoring.CalibrationFloor {
		errs = append(errs, "scoring.min_score must not exceed scoring.calibration_floor")
	}

	if cfg.Scanner.MaxDeleteBatch < 1 {
		errs = append(errs, "scanner.max_delete_batch must be >= 1")
	}
	if cfg.Scanner.Parallelism < 1 {
		errs = append(errs, "scanner.parallelism must be >= 1")
	}
	if cfg.Scanner.MinFileAgeMinutes < 0 {
		errs = append(errs, "scanner.min_file_age_minutes must be >= 0")
	}

	if cfg.Executor.CircuitTripCount < 1 {
		errs = append(errs, "executor.circuit_trip_count must be >= 1")
	}
	if cfg.Executor.CircuitCooldown <= 0 {
		errs = append(errs, "executor.circuit_cooldown must be > 0")
	}

	if cfg.Ballast.FileCount < 0 {
		errs = append(errs, "ballast.file_count must be >= 0")
	}
	if cfg.Ballast.FileSizeBytes < 0 {
		errs = append(errs, "ballast.file_size_bytes must be >= 0")
	}

	if cfg.Scheduler.ExplorationFraction < 0 || cfg.Scheduler.ExplorationFraction > 1 {
		errs = append(errs, "scheduler.exploration_fraction must be in [0,1]")
	}
	if cfg.Scheduler.FallbackAfterTicks < 1 {
		errs = append(errs, "scheduler.fallback_after_ticks must be >= 1")
	}

	switch cfg.Policy.Mode {
	case PolicyObserve, PolicyCanary, PolicyEnforce:
	default:
		errs = append(errs, fmt.Sprintf("policy.mode must be one of observe|canary|enforce, got %q", cfg.Policy.Mode))
	}

	if cfg.Paths.DataDir == "" {
		errs = append(errs, "paths.data_dir must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
