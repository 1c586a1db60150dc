// Package config loads viewstore settings from defaults, an optional YAML
// file, VIEWSTORE_* environment variables and command line flags, in
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nainya/viewstore/internal/logger"
	"github.com/nainya/viewstore/pkg/coordinator"
)

// EnvPrefix prefixes every environment variable
const EnvPrefix = "VIEWSTORE"

// Backends
const (
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

// Config is the complete process configuration
type Config struct {
	DataDir   string       `mapstructure:"data_dir"`
	Backend   string       `mapstructure:"backend"`
	ViewsFile string       `mapstructure:"views_file"`
	Log       LogConfig    `mapstructure:"log"`
	Sync      SyncConfig   `mapstructure:"sync"`
	Query     QueryConfig  `mapstructure:"query"`
	Store     StoreConfig  `mapstructure:"store"`
	Server    ServerConfig `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type SyncConfig struct {
	// Timeout bounds how long a query waits for its view to sync
	Timeout time.Duration `mapstructure:"timeout"`
	// Interval between background resyncs of every view; zero disables them
	Interval       time.Duration `mapstructure:"interval"`
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type QueryConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

type StoreConfig struct {
	// CacheSize is the pebble block cache in MB
	CacheSize int `mapstructure:"cache_size"`
}

type ServerConfig struct {
	GRPCPort    int `mapstructure:"grpc_port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"data-dir":      "data_dir",
	"backend":       "backend",
	"views":         "views_file",
	"log-level":     "log.level",
	"log-pretty":    "log.pretty",
	"sync-timeout":  "sync.timeout",
	"sync-interval": "sync.interval",
	"sync-workers":  "sync.workers",
	"cache-size":    "query.cache_size",
	"grpc-port":     "server.grpc_port",
	"metrics-port":  "server.metrics_port",
}

// New returns a viper instance with defaults and environment lookup set up
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", "viewstore-data")
	v.SetDefault("backend", BackendPebble)
	v.SetDefault("views_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("sync.timeout", 30*time.Second)
	v.SetDefault("sync.interval", time.Duration(0))
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.max_attempts", coordinator.DefaultRetryPolicy().MaxAttempts)
	v.SetDefault("sync.initial_backoff", coordinator.DefaultRetryPolicy().InitialBackoff)
	v.SetDefault("sync.max_backoff", coordinator.DefaultRetryPolicy().MaxBackoff)
	v.SetDefault("query.cache_size", 256)
	v.SetDefault("store.cache_size", 64)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.metrics_port", 9090)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// AddFlags registers the persistent flags shared by every command
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (YAML)")
	fs.String("data-dir", "viewstore-data", "document store directory")
	fs.String("backend", BackendPebble, "document store backend (pebble|memory)")
	fs.String("views", "", "YAML file with additional path views")
	fs.String("log-level", "info", "log level (debug|info|warn|error)")
	fs.Bool("log-pretty", false, "human readable logs")
	fs.Duration("sync-timeout", 30*time.Second, "how long queries wait for a sync")
	fs.Duration("sync-interval", 0, "background resync interval, 0 disables")
	fs.Int("sync-workers", 4, "views synced in parallel")
	fs.Int("cache-size", 256, "query result cache entries, 0 disables")
	fs.Int("grpc-port", 50051, "gRPC health server port")
	fs.Int("metrics-port", 9090, "metrics and health HTTP port")
}

// BindFlags makes flags that were set on the command line override every
// other source
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads file, when given, then decodes and validates the result.
// Without a file it looks for viewstore.yaml in the working directory and
// in $HOME/.viewstore and ignores its absence.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("viewstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.viewstore")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
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

// Validate rejects settings the process cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendPebble:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for the pebble backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Sync.Timeout < 0 || c.Sync.Interval < 0 {
		errs = append(errs, errors.New("sync durations must not be negative"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers))
	}
	if c.Query.CacheSize < 0 || c.Store.CacheSize < 0 {
		errs = append(errs, errors.New("cache sizes must not be negative"))
	}
	for name, port := range map[string]int{"grpc_port": c.Server.GRPCPort, "metrics_port": c.Server.MetricsPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("server.%s out of range: %d", name, port))
		}
	}
	return errors.Join(errs...)
}

// Logger returns the logger settings
func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.Log.Level, Pretty: c.Log.Pretty}
}

// Retry returns the coordinator retry policy
func (c *Config) Retry() coordinator.RetryPolicy {
	return coordinator.RetryPolicy{
		MaxAttempts:    c.Sync.MaxAttempts,
		InitialBackoff: c.Sync.InitialBackoff,
		MaxBackoff:     c.Sync.MaxBackoff,
	}
}
