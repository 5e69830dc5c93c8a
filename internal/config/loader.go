package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used by Load.
var DefaultIdentity = Identity{
	BinaryName: "beaconproof",
	EnvPrefix:  "BEACONPROOF",
	ConfigName: "beaconproof",
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
	configFile  string
)

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

// envKeys lists env variable suffixes and their config paths.
var envKeys = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"LOG_FILE", "logging.file"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"METRICS_PORT", "metrics.port"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"WORKERS", "workers"},
	{"JOB_TASK_TIMEOUT", "jobs.task_timeout"},
	{"JOB_RETENTION", "jobs.retention"},
	{"JOB_STALE_AFTER", "jobs.stale_after"},
	{"JOB_SWEEP_INTERVAL", "jobs.sweep_interval"},
	{"PUSH_ENABLED", "push.enabled"},
	{"PUSH_POLL_INTERVAL", "push.poll_interval"},
	{"BEACON_URL", "beacon.url"},
	{"BEACON_TIMEOUT", "beacon.timeout"},
	{"BEACON_RATE_LIMIT", "beacon.rate_limit"},
	{"BEACON_RETRIES", "beacon.retries"},
	{"EXECUTION_URL", "execution.url"},
	{"ORACLE_ADDRESS", "oracle.address"},
	{"PROVER_URL", "prover.url"},
	{"PROVER_TIMEOUT", "prover.timeout"},
	{"ARTIFACTS_KIND", "artifacts.kind"},
	{"ARTIFACTS_DIR", "artifacts.dir"},
	{"ARTIFACTS_S3_BUCKET", "artifacts.s3.bucket"},
	{"ARTIFACTS_S3_PREFIX", "artifacts.s3.prefix"},
	{"ARTIFACTS_S3_REGION", "artifacts.s3.region"},
	{"ARTIFACTS_S3_ENDPOINT", "artifacts.s3.endpoint"},
	{"ARTIFACTS_S3_PROFILE", "artifacts.s3.profile"},
	{"ARTIFACTS_S3_FORCE_PATH_STYLE", "artifacts.s3.force_path_style"},
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)
	v.SetDefault("jobs.task_timeout", "5m")
	v.SetDefault("jobs.retention", "0s")
	v.SetDefault("jobs.stale_after", "0s")
	v.SetDefault("jobs.sweep_interval", "1m")

	v.SetDefault("push.enabled", true)
	v.SetDefault("push.poll_interval", "1s")

	v.SetDefault("beacon.url", "https://lodestar-mainnet.chainsafe.io")
	v.SetDefault("beacon.timeout", "60s")
	v.SetDefault("beacon.rate_limit", 0)
	v.SetDefault("beacon.retries", 3)
	v.SetDefault("execution.url", "")
	v.SetDefault("oracle.address", "0x000F3df6D732807Ef1319fB7B8bB8522d0Beac02")
	v.SetDefault("prover.url", "")
	v.SetDefault("prover.timeout", "60s")

	v.SetDefault("artifacts.kind", "none")
	v.SetDefault("artifacts.dir", "")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.force_path_style", false)
}

// SetConfigFile pins the config file used by subsequent loads. Empty
// restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration. Each override map is applied on top of
// everything else, later maps winning.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	root, _ := findProjectRoot()
	loadDotEnv(root)

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, explicit, root); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Jobs.TaskTimeout < 0 || c.Jobs.Retention < 0 || c.Jobs.StaleAfter < 0 {
		return fmt.Errorf("job durations must not be negative")
	}
	switch c.Artifacts.Kind {
	case "none", "file", "s3":
	default:
		return fmt.Errorf("artifacts.kind must be none, file or s3, got %q", c.Artifacts.Kind)
	}
	return nil
}

func normalize(c *Config) {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToUpper(strings.TrimSpace(c.Logging.Profile))
	c.Artifacts.Kind = strings.ToLower(strings.TrimSpace(c.Artifacts.Kind))
	if c.Artifacts.Kind == "" {
		c.Artifacts.Kind = "none"
	}
	c.Beacon.URL = strings.TrimRight(strings.TrimSpace(c.Beacon.URL), "/")
	c.Prover.URL = strings.TrimRight(strings.TrimSpace(c.Prover.URL), "/")
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + k.suffix, Path: k.path})
	}
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName))
	}
	return paths
}

func readConfigFile(v *viper.Viper, explicit, root string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	configMu.RLock()
	name := appIdentity.ConfigName
	configMu.RUnlock()

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if root != "" {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// loadDotEnv loads .env from the working directory and the project root.
// Variables already set in the environment are never overwritten.
func loadDotEnv(root string) {
	candidates := []string{".env"}
	if root != "" {
		candidates = append(candidates, filepath.Join(root, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding go.mod or .git. In CI, a workspace variable that
// contains the working directory bounds the search.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true" {
		for _, name := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
			candidate := os.Getenv(name)
			if candidate == "" || !filepath.IsAbs(candidate) {
				continue
			}
			if info, err := os.Stat(candidate); err != nil || !info.IsDir() {
				continue
			}
			if rel, err := filepath.Rel(candidate, cwd); err == nil && !strings.HasPrefix(rel, "..") {
				boundary = filepath.Clean(candidate)
				break
			}
		}
	}

	for dir := cwd; ; {
		for _, marker := range []string{"go.mod", ".git"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if boundary != "" {
		return boundary, nil
	}
	return cwd, nil
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
