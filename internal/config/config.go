// Package config loads service configuration from defaults, an optional
// YAML file, a .env file, BEACONPROOF_* environment variables and runtime
// overrides, in increasing order of precedence.
package config

import (
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Workers   int             `mapstructure:"workers"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Push      PushConfig      `mapstructure:"push"`
	Beacon    BeaconConfig    `mapstructure:"beacon"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Prover    ProverConfig    `mapstructure:"prover"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Profile    string `mapstructure:"profile"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// JobsConfig controls job execution and retention. Zero retention values
// mean records are never evicted.
type JobsConfig struct {
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	Retention     time.Duration `mapstructure:"retention"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type PushConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type BeaconConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Retries   int           `mapstructure:"retries"`
}

type ExecutionConfig struct {
	URL string `mapstructure:"url"`
}

type OracleConfig struct {
	Address string `mapstructure:"address"`
}

type ProverConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ArtifactsConfig struct {
	Kind string           `mapstructure:"kind"`
	Dir  string           `mapstructure:"dir"`
	S3   ArtifactS3Config `mapstructure:"s3"`
}

type ArtifactS3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}
