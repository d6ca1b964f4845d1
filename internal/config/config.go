// Package config loads engage settings from defaults, an optional yaml file
// and ENGAGE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "ENGAGE"

// Config holds all configuration for the server.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HTTPListenAddr string            `mapstructure:"http_listen_addr"`
	SocketPath     string            `mapstructure:"socket_path"`
	LogLevel       string            `mapstructure:"log_level"`
	Store          StoreConfig       `mapstructure:"store"`
	Engage         EngageConfig      `mapstructure:"engage"`
	Propagation    PropagationConfig `mapstructure:"propagation"`
	Reconcile      ReconcileConfig   `mapstructure:"reconcile"`
	Tracing        TracingConfig     `mapstructure:"tracing"`
}

type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout"`
	EtcdPrefix    string        `mapstructure:"etcd_prefix"`
}

type EngageConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type PropagationConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	Timeout     time.Duration `mapstructure:"timeout"`
	NATSURL     string        `mapstructure:"nats_url"`
	NATSSubject string        `mapstructure:"nats_subject"`
}

type ReconcileConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

const (
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

// defaults is ordered so init-config output is stable and readable.
var defaults = []struct {
	key   string
	value any
}{
	{"http_listen_addr", ":7338"},
	{"socket_path", ""},
	{"log_level", "info"},
	{"store.backend", BackendSQLite},
	{"store.sqlite_path", "engage.db"},
	{"store.etcd_endpoints", []string{"127.0.0.1:2379"}},
	{"store.etcd_timeout", "5s"},
	{"store.etcd_prefix", "/engage/"},
	{"engage.default_ttl", "0s"},
	{"engage.sweep_schedule", "@every 30s"},
	{"propagation.queue_size", 256},
	{"propagation.timeout", "5s"},
	{"propagation.nats_url", ""},
	{"propagation.nats_subject", "engage.availability"},
	{"reconcile.schedule", "@every 10m"},
	{"tracing.enabled", false},
	{"tracing.service_name", "engage"},
}

// Load reads configuration. An empty path searches ./configs and the working
// directory for engage.yaml; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for _, d := range defaults {
		v.SetDefault(d.key, d.value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("engage")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path required for sqlite backend"))
		}
	case BackendEtcd:
		if len(c.Store.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("store.etcd_endpoints required for etcd backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.HTTPListenAddr == "" {
		errs = append(errs, errors.New("http_listen_addr required"))
	}
	if c.Engage.DefaultTTL < 0 {
		errs = append(errs, errors.New("engage.default_ttl must not be negative"))
	}
	if c.Propagation.QueueSize <= 0 {
		errs = append(errs, errors.New("propagation.queue_size must be positive"))
	}
	if c.Propagation.Timeout <= 0 {
		errs = append(errs, errors.New("propagation.timeout must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// WriteDefaults writes the default configuration as yaml.
func WriteDefaults(w io.Writer) error {
	root := map[string]any{}
	for _, d := range defaults {
		node := root
		parts := strings.Split(d.key, ".")
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = d.value
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	return enc.Close()
}
