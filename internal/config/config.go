// Package config provides configuration loading and validation for
// bubbaloopd.
//
// Configuration file: /etc/bubbaloop/config.yaml (default).
// Schema version: 1.
//
// Reload: the config is read once at startup. SIGHUP reloads only the
// rules file named by the config; no config field is re-read or
// re-applied while the daemon runs, so a config change takes a restart.
//
// Validation:
//   - All required fields must be present.
//   - Invalid config on startup: the daemon refuses to start (fatal).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kornia-rs/bubbaloop/internal/machineid"
)

// Version, GitCommit, BuildTime hold placeholder values unless set at
// build time with -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Duration is a time.Duration that unmarshals from YAML as either a
// Go duration string ("600s", "5m") or a bare number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration structure for bubbaloopd.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID (machine identity) defaults to BUBBALOOP_MACHINE_ID or hostname
	// if left empty; see internal/machineid.
	NodeID string `yaml:"node_id"`

	// Scope is the bus scope segment (default "local").
	Scope string `yaml:"scope"`

	Registry      RegistryConfig      `yaml:"registry"`
	ServiceDir    string              `yaml:"service_dir"`
	Build         BuildConfig         `yaml:"build"`
	Bus           BusConfig           `yaml:"bus"`
	Health        HealthConfig        `yaml:"health"`
	Rules         RulesConfig         `yaml:"rules"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// RegistryConfig holds the flat registry file location.
type RegistryConfig struct {
	// Path is the absolute path to the registry file.
	// Default: ~/.config/bubbaloop/registry.yaml (or $HOME override).
	Path string `yaml:"path"`
}

// BuildConfig holds build executor parameters.
type BuildConfig struct {
	// Timeout bounds a single build/clean invocation. Default: 600s.
	Timeout Duration `yaml:"timeout"`

	// ToolDirs are prepended to PATH for build/unit execution, resolved
	// from the user's tool install locations (cargo, pixi, python venvs).
	ToolDirs []string `yaml:"tool_dirs"`
}

// BusConfig holds pub/sub bus transport parameters.
type BusConfig struct {
	// Endpoint is the bus connect/listen address.
	// Default: tcp/127.0.0.1:7447.
	Endpoint string `yaml:"endpoint"`

	// QueryTimeout bounds a single bus query (get/reply). Default: 5s.
	QueryTimeout Duration `yaml:"query_timeout"`

	// MaxConcurrentConns caps simultaneous inbound connections. Default: 64.
	MaxConcurrentConns int `yaml:"max_concurrent_conns"`

	// MaxRequestBytes caps a single request frame. Default: 1<<20 (1 MiB).
	MaxRequestBytes int `yaml:"max_request_bytes"`
}

// HealthConfig holds heartbeat staleness monitor parameters.
type HealthConfig struct {
	// StaleAfter is how long without a heartbeat before a Running node is
	// marked Unhealthy. Default: 30s.
	StaleAfter Duration `yaml:"stale_after"`

	// TickInterval is how often the staleness sweep runs. Default: 10s.
	TickInterval Duration `yaml:"tick_interval"`
}

// RulesConfig holds rule engine parameters.
type RulesConfig struct {
	// Enabled controls whether the rule engine starts.
	Enabled bool `yaml:"enabled"`

	// Path is the rules YAML file.
	Path string `yaml:"path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values, including
// machine identity and scope resolution from the environment.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/root"
	}
	return Config{
		SchemaVersion: "1",
		NodeID:        machineid.Resolve(),
		Scope:         machineid.Scope(),
		Registry: RegistryConfig{
			Path: home + "/.config/bubbaloop/registry.yaml",
		},
		ServiceDir: home + "/.config/systemd/user",
		Build: BuildConfig{
			Timeout:  Duration(600 * time.Second),
			ToolDirs: []string{home + "/.cargo/bin", home + "/.pixi/bin"},
		},
		Bus: BusConfig{
			Endpoint:           envOr("BUBBALOOP_ZENOH_ENDPOINT", "tcp/127.0.0.1:7447"),
			QueryTimeout:       Duration(5 * time.Second),
			MaxConcurrentConns: 64,
			MaxRequestBytes:    1 << 20,
		},
		Health: HealthConfig{
			StaleAfter:   Duration(30 * time.Second),
			TickInterval: Duration(10 * time.Second),
		},
		Rules: RulesConfig{
			Enabled: true,
			Path:    home + "/.config/bubbaloop/rules.yaml",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads and validates a config file from the given path. Missing
// files are not an error: defaults apply. Returns an error if the file
// exists but cannot be parsed or fails validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Registry.Path == "" {
		errs = append(errs, "registry.path must not be empty")
	}
	if cfg.ServiceDir == "" {
		errs = append(errs, "service_dir must not be empty")
	}
	if cfg.Build.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("build.timeout must be > 0, got %s", cfg.Build.Timeout))
	}
	if cfg.Bus.Endpoint == "" {
		errs = append(errs, "bus.endpoint must not be empty")
	}
	if cfg.Bus.QueryTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("bus.query_timeout must be > 0, got %s", cfg.Bus.QueryTimeout))
	}
	if cfg.Bus.MaxConcurrentConns < 1 {
		errs = append(errs, fmt.Sprintf("bus.max_concurrent_conns must be >= 1, got %d", cfg.Bus.MaxConcurrentConns))
	}
	if cfg.Health.StaleAfter <= 0 {
		errs = append(errs, fmt.Sprintf("health.stale_after must be > 0, got %s", cfg.Health.StaleAfter))
	}
	if cfg.Health.TickInterval <= 0 {
		errs = append(errs, fmt.Sprintf("health.tick_interval must be > 0, got %s", cfg.Health.TickInterval))
	}
	if cfg.Rules.Enabled && cfg.Rules.Path == "" {
		errs = append(errs, "rules.path must not be empty when rules.enabled=true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
