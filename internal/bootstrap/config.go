// Package bootstrap loads configuration and assembles the running daemon.
package bootstrap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"conduit/internal/model"
	"conduit/internal/observability"
	"conduit/internal/server"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendMemory   = "memory"
)

// StorageConfig selects and parameterizes the persistence gateway.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	FileDir     string `mapstructure:"file_dir"`

	// LegacyDir points at a previous generation's file store. When set and
	// the backend is not the same directory, its contents are migrated into
	// the backend before the daemon accepts traffic.
	LegacyDir string `mapstructure:"legacy_dir"`
}

// LogConfig mirrors the logging setup knobs.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the daemon's full configuration tree.
type Config struct {
	Server  server.Config               `mapstructure:"server"`
	Log     LogConfig                   `mapstructure:"log"`
	Storage StorageConfig               `mapstructure:"storage"`
	Agent   model.ClientConfig          `mapstructure:"agent"`
	Metrics observability.MetricsConfig `mapstructure:"metrics"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`
}

// LoadConfig reads configuration from the given file (optional), the working
// directory, and CONDUIT_* environment variables, in increasing precedence
// of environment over file over defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.file_dir", "~/.conduit/sessions")
	v.SetDefault("agent.address", "127.0.0.1")
	v.SetDefault("agent.port", 9415)
	v.SetDefault("agent.transport", string(model.TransportTCP))
	v.SetDefault("agent.log_level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "conduit")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conduit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.conduit")
	}

	v.SetEnvPrefix("CONDUIT")
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	case BackendFile:
		if c.Storage.FileDir == "" {
			return fmt.Errorf("storage.file_dir is required for the file backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
