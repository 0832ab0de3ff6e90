// Package config loads the manager's configuration via
// github.com/spf13/viper, layering a config file, environment variables,
// and CLI flags (internal/cli wires the flags in). It follows the
// teacher's resolver/reader/writer split: a Resolver is injected so tests
// can supply an in-memory source instead of touching the filesystem.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SinkConfig is one configured reporting sink instance.
type SinkConfig struct {
	Plugin       string            `mapstructure:"plugin"`
	InstanceName string            `mapstructure:"instance_name"`
	Options      map[string]string `mapstructure:"options"`
}

// Config is the manager's full runtime configuration (spec.md §6
// "Operational surface").
type Config struct {
	ListenAddrs    []string     `mapstructure:"listen"`
	UnixSocketPath string       `mapstructure:"unix_socket"`
	SpoolDir       string       `mapstructure:"spool_dir"`
	SpoolQuota     int          `mapstructure:"spool_quota"`
	RetryPeriod    time.Duration `mapstructure:"retry_period"`

	CACertPath string `mapstructure:"ca_cert"`
	CertPath   string `mapstructure:"cert"`
	KeyPath    string `mapstructure:"key"`

	PluginDirs []string `mapstructure:"plugin_dirs"`
	Sinks      []SinkConfig `mapstructure:"sinks"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
}

// Resolver abstracts the configuration source so tests can supply values
// without touching the filesystem or environment.
type Resolver interface {
	ConfigFilePath() string
	Flags() *pflag.FlagSet
}

// FileResolver is the production Resolver: an optional config file path
// plus a bound flag set.
type FileResolver struct {
	Path string
	Flag *pflag.FlagSet
}

func (r FileResolver) ConfigFilePath() string { return r.Path }
func (r FileResolver) Flags() *pflag.FlagSet  { return r.Flag }

// Defaults returns the built-in defaults applied before any resolver
// input is layered on top.
func Defaults() Config {
	return Config{
		ListenAddrs: nil,
		SpoolDir:    "/var/spool/prelude-manager",
		SpoolQuota:  10000,
		RetryPeriod: 10 * time.Minute,
		MetricsAddr: "127.0.0.1:9090",
		LogLevel:    "info",
	}
}

// Load builds a Config by layering, low to high precedence: built-in
// defaults, an optional config file, environment variables prefixed
// PRELUDE_MANAGER_, then CLI flags from the resolver.
func Load(r Resolver) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix("PRELUDE_MANAGER")
	v.AutomaticEnv()

	if path := r.ConfigFilePath(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if flags := r.Flags(); flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// flagToKey maps each CLI flag's dash-cased name to the mapstructure key
// its value belongs under. viper.BindPFlags alone keys bindings by the
// flag's own name, which would leave e.g. "spool-dir" never matching the
// "spool_dir" struct tag Unmarshal looks for; binding explicitly here
// keeps flag names conventionally dash-cased while still landing on the
// right Config field.
var flagToKey = map[string]string{
	"listen":       "listen",
	"unix-socket":  "unix_socket",
	"spool-dir":    "spool_dir",
	"spool-quota":  "spool_quota",
	"retry-period": "retry_period",
	"ca-cert":      "ca_cert",
	"cert":         "cert",
	"key":          "key",
	"plugin-dir":   "plugin_dirs",
	"metrics-addr": "metrics_addr",
	"log-level":    "log_level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for flagName, key := range flagToKey {
		f := flags.Lookup(flagName)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("spool_dir", d.SpoolDir)
	v.SetDefault("spool_quota", d.SpoolQuota)
	v.SetDefault("retry_period", d.RetryPeriod)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
}

// Validate enforces the minimal invariants the manager cannot start
// without (spec.md §7 ConfigError: "at startup only; causes non-zero
// exit").
func Validate(cfg Config) error {
	if len(cfg.ListenAddrs) == 0 && cfg.UnixSocketPath == "" {
		return fmt.Errorf("config: at least one TCP listen address or a UNIX socket path is required")
	}
	if len(cfg.ListenAddrs) > 0 {
		if cfg.CertPath == "" || cfg.KeyPath == "" || cfg.CACertPath == "" {
			return fmt.Errorf("config: ca_cert, cert, and key are required when any TCP listen address is configured")
		}
	}
	if cfg.SpoolDir == "" {
		return fmt.Errorf("config: spool_dir is required")
	}
	seen := make(map[string]bool, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		if s.Plugin == "" {
			return fmt.Errorf("config: sink entry missing \"plugin\"")
		}
		key := s.Plugin + "[" + s.InstanceName + "]"
		if seen[key] {
			// spec.md §9 Open Question, resolved in DESIGN.md: duplicate
			// instance names are rejected at config time rather than
			// silently given independent spool files.
			return fmt.Errorf("config: duplicate sink instance %q", key)
		}
		seen[key] = true
	}
	return nil
}
