// Package config loads versionstore settings from the environment and
// collection definitions from a YAML schema file
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "VERSIONSTORE_"

// Config holds process settings
type Config struct {
	GRPCPort           int           `env:"GRPC_PORT" envDefault:"50051"`
	MetricsPort        int           `env:"METRICS_PORT" envDefault:"9090"`
	DBPath             string        `env:"DB_PATH" envDefault:"data/versionstore.db"`
	InMemory           bool          `env:"IN_MEMORY" envDefault:"false"`
	SchemaFile         string        `env:"SCHEMA_FILE" envDefault:"schema.yaml"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty          bool          `env:"LOG_PRETTY" envDefault:"false"`
	CheckpointInterval time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"10m"`
}

// Load reads an optional .env file, then the process environment
func Load(dotenvFiles ...string) (*Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse(nil)
}

// Parse builds a Config from environ, or from the process environment when
// environ is nil
func Parse(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that env parsing cannot
func (c *Config) Validate() error {
	for name, port := range map[string]int{"GRPC_PORT": c.GRPCPort, "METRICS_PORT": c.MetricsPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s%s out of range: %d", EnvPrefix, name, port)
		}
	}
	if c.GRPCPort == c.MetricsPort {
		return fmt.Errorf("%sGRPC_PORT and %sMETRICS_PORT must differ", EnvPrefix, EnvPrefix)
	}
	if !c.InMemory && c.DBPath == "" {
		return fmt.Errorf("%sDB_PATH is required unless %sIN_MEMORY is set", EnvPrefix, EnvPrefix)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%sLOG_LEVEL: %w", EnvPrefix, err)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("%sCHECKPOINT_INTERVAL must not be negative", EnvPrefix)
	}
	return nil
}

// StorePath returns the KV path, "" for an in-memory store
func (c *Config) StorePath() string {
	if c.InMemory {
		return ""
	}
	return c.DBPath
}
