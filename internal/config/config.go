// Package config provides configuration management for the dual-database
// proxy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	Primary   PrimaryConfig   `yaml:"primary"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Health    HealthConfig    `yaml:"health"`
	Sync      SyncConfig      `yaml:"sync"`
	Fencing   FencingConfig   `yaml:"fencing"`
	DualWrite DualWriteConfig `yaml:"dual_write"`
	Logging   LoggingConfig   `yaml:"logging"`
	Vault     VaultConfig     `yaml:"vault"`
}

// VaultConfig configures resolution of the primary DSN and any other
// boot-time secrets from HashiCorp Vault's KV v2 engine. When disabled,
// PrimaryConfig.DSN is used as-is.
type VaultConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	Token         string `yaml:"token"`
	Namespace     string `yaml:"namespace"`
	MountPath     string `yaml:"mount_path"`
	BasePath      string `yaml:"base_path"`
	DSNSecretKey  string `yaml:"dsn_secret_key"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
}

// PrimaryConfig holds the primary engine's connection configuration.
type PrimaryConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// JournalMode enumerates the fallback engine's journal modes.
type JournalMode string

const (
	JournalWAL      JournalMode = "WAL"
	JournalDelete   JournalMode = "DELETE"
	JournalTruncate JournalMode = "TRUNCATE"
	JournalPersist  JournalMode = "PERSIST"
	JournalMemory   JournalMode = "MEMORY"
	JournalOff      JournalMode = "OFF"
)

// SynchronousMode enumerates the fallback engine's durability levels.
type SynchronousMode string

const (
	SyncOff   SynchronousMode = "OFF"
	SyncNorm  SynchronousMode = "NORMAL"
	SyncFull  SynchronousMode = "FULL"
	SyncExtra SynchronousMode = "EXTRA"
)

// FallbackConfig holds the embedded fallback engine's configuration.
type FallbackConfig struct {
	Path           string          `yaml:"path"`
	JournalMode    JournalMode     `yaml:"journal_mode"`
	Synchronous    SynchronousMode `yaml:"synchronous"`
	BusyTimeoutMS  int             `yaml:"busy_timeout_ms"`
	CacheSizePages int             `yaml:"cache_size_pages"`
	ForeignKeys    bool            `yaml:"foreign_keys"`
}

// HealthConfig configures the health monitor (C5).
type HealthConfig struct {
	ProbeIntervalMS    int `yaml:"probe_interval_ms"`
	ProbeTimeoutMS     int `yaml:"probe_timeout_ms"`
	FailureThreshold   int `yaml:"failure_threshold"`
	RecoveryThreshold  int `yaml:"recovery_threshold"`
	MinRecoveryMS      int `yaml:"min_recovery_interval_ms"`
	WindowSize         int `yaml:"window_size"`
}

// ConflictStrategy enumerates the conflict resolution strategies.
type ConflictStrategy string

const (
	StrategyLocalWins    ConflictStrategy = "local-wins"
	StrategyRemoteWins   ConflictStrategy = "remote-wins"
	StrategyVersionBased ConflictStrategy = "version-based"
	StrategyManual       ConflictStrategy = "manual"
)

// SyncConfig configures the sync manager (C9).
type SyncConfig struct {
	BatchSize        int              `yaml:"batch_size"`
	RetryCount       int              `yaml:"retry_count"`
	ConflictStrategy ConflictStrategy `yaml:"conflict_strategy"`
	RunOnStartup     bool             `yaml:"run_on_startup"`
	RetentionMS      int64            `yaml:"retention_ms"`
}

// FencingConfig configures the fencing manager (C7).
type FencingConfig struct {
	Enabled            bool          `yaml:"enabled"`
	RedisAddr          string        `yaml:"redis_addr"`
	LockKey            string        `yaml:"lock_key"`
	LockTTLMS          int           `yaml:"lock_ttl_ms"`
	RenewalIntervalMS  int           `yaml:"renewal_interval_ms"`
	StrictUnavailable  bool          `yaml:"strict_on_coordinator_unavailable"`
	InstanceID         string        `yaml:"instance_id"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
}

// DualWriteConfig configures the dual-write manager (C8).
type DualWriteConfig struct {
	SyncMirrorAlways       bool `yaml:"sync_mirror_always"`
	SyncMirrorCriticalOnly bool `yaml:"sync_mirror_critical_only"`
	AsyncRetryCount        int  `yaml:"async_retry_count"`
	AsyncRetryDelayMS      int  `yaml:"async_retry_delay_ms"`
	RecoverPendingOnInit   bool `yaml:"recover_pending_on_init"`
	CriticalTables         []string `yaml:"critical_tables"`
}

// LoggingConfig configures the ambient slog/lumberjack logging stack.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns a configuration with the recommended production
// defaults: journal mode WAL, synchronous FULL, busy timeout 5000ms,
// cache size -64000 pages, foreign keys on, fencing lenient by default.
func Default() *Config {
	return &Config{
		Primary: PrimaryConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Fallback: FallbackConfig{
			Path:           "dualdb_fallback.db",
			JournalMode:    JournalWAL,
			Synchronous:    SyncFull,
			BusyTimeoutMS:  5000,
			CacheSizePages: -64000,
			ForeignKeys:    true,
		},
		Health: HealthConfig{
			ProbeIntervalMS:   2000,
			ProbeTimeoutMS:    1000,
			FailureThreshold:  3,
			RecoveryThreshold: 5,
			MinRecoveryMS:     10000,
			WindowSize:        10,
		},
		Sync: SyncConfig{
			BatchSize:        100,
			RetryCount:       3,
			ConflictStrategy: StrategyLocalWins,
			RunOnStartup:     true,
			RetentionMS:      7 * 24 * 60 * 60 * 1000,
		},
		Fencing: FencingConfig{
			Enabled:           false,
			LockKey:           "dualdb:fencing:lock",
			LockTTLMS:         15000,
			RenewalIntervalMS: 5000,
			StrictUnavailable: false,
			DialTimeout:       2 * time.Second,
		},
		DualWrite: DualWriteConfig{
			SyncMirrorAlways:       false,
			SyncMirrorCriticalOnly: true,
			AsyncRetryCount:        5,
			AsyncRetryDelayMS:      500,
			RecoverPendingOnInit:   true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Vault: VaultConfig{
			Enabled:      false,
			Address:      "http://localhost:8200",
			MountPath:    "secret",
			BasePath:     "dualdb",
			DSNSecretKey: "primary_dsn",
		},
	}
}

// Load reads a YAML configuration file, applies environment variable
// overrides, validates, and returns the result. An empty path returns the
// defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies DUALDB_-prefixed environment variable
// overrides on top of the loaded config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DUALDB_PRIMARY_DSN"); v != "" {
		c.Primary.DSN = v
	}
	if v := os.Getenv("DUALDB_FALLBACK_PATH"); v != "" {
		c.Fallback.Path = v
	}
	if v := os.Getenv("DUALDB_FENCING_ENABLED"); v != "" {
		c.Fencing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DUALDB_FENCING_REDIS_ADDR"); v != "" {
		c.Fencing.RedisAddr = v
	}
	if v := os.Getenv("DUALDB_FENCING_STRICT"); v != "" {
		c.Fencing.StrictUnavailable = v == "true" || v == "1"
	}
	if v := os.Getenv("DUALDB_SYNC_CONFLICT_STRATEGY"); v != "" {
		c.Sync.ConflictStrategy = ConflictStrategy(v)
	}
	if v := os.Getenv("DUALDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DUALDB_HEALTH_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Health.FailureThreshold = n
		}
	}
	if v := os.Getenv("DUALDB_VAULT_ENABLED"); v != "" {
		c.Vault.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DUALDB_VAULT_ADDR"); v != "" {
		c.Vault.Address = v
	}
	if v := os.Getenv("DUALDB_VAULT_TOKEN"); v != "" {
		c.Vault.Token = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Fallback.Path == "" {
		return fmt.Errorf("fallback path must not be empty")
	}

	validJournal := map[JournalMode]bool{
		JournalWAL: true, JournalDelete: true, JournalTruncate: true,
		JournalPersist: true, JournalMemory: true, JournalOff: true,
	}
	if !validJournal[c.Fallback.JournalMode] {
		return fmt.Errorf("invalid journal mode: %s", c.Fallback.JournalMode)
	}

	validSync := map[SynchronousMode]bool{
		SyncOff: true, SyncNorm: true, SyncFull: true, SyncExtra: true,
	}
	if !validSync[c.Fallback.Synchronous] {
		return fmt.Errorf("invalid synchronous mode: %s", c.Fallback.Synchronous)
	}

	validStrategy := map[ConflictStrategy]bool{
		StrategyLocalWins: true, StrategyRemoteWins: true,
		StrategyVersionBased: true, StrategyManual: true,
	}
	if !validStrategy[c.Sync.ConflictStrategy] {
		return fmt.Errorf("invalid conflict strategy: %s", c.Sync.ConflictStrategy)
	}

	if c.Health.FailureThreshold < 1 || c.Health.RecoveryThreshold < 1 {
		return fmt.Errorf("health thresholds must be >= 1")
	}
	if c.Health.WindowSize < c.Health.FailureThreshold || c.Health.WindowSize < c.Health.RecoveryThreshold {
		return fmt.Errorf("health window size must be >= max(failure threshold, recovery threshold)")
	}

	if c.Fencing.Enabled && c.Fencing.RedisAddr == "" {
		return fmt.Errorf("fencing.redis_addr is required when fencing is enabled")
	}

	return nil
}
