// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/docflow-go/checkpoint"
	"github.com/glimte/docflow-go/contracts"
)

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config is the root service configuration.
type Config struct {
	Server     ServerConfig               `yaml:"server"`
	Logging    LoggingConfig              `yaml:"logging"`
	Checkpoint CheckpointConfig           `yaml:"checkpoint"`
	Events     EventsConfig               `yaml:"events"`
	Pipeline   contracts.ProcessingConfig `yaml:"pipeline"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures the slog fanout.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// CheckpointConfig selects and configures the checkpoint store.
type CheckpointConfig struct {
	Backend  string                    `yaml:"backend"`
	Postgres checkpoint.PostgresConfig `yaml:"postgres"`
}

// EventsConfig configures AMQP event publishing. Disabled when the URL is
// empty.
type EventsConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Default returns the configuration used when no file or environment is
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendMemory,
			Postgres: checkpoint.PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "docflow",
				User:     "docflow",
			},
		},
		Events: EventsConfig{
			Exchange: "docflow.events",
		},
		Pipeline: contracts.DefaultProcessingConfig(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// path is empty, docflow.yaml is used if present), then environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	optional := false
	if path == "" {
		path = "docflow.yaml"
		optional = true
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && optional:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.loadEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadEnv() {
	setString(&c.Server.Addr, "DOCFLOW_ADDR")
	setString(&c.Logging.Level, "DOCFLOW_LOG_LEVEL")
	setString(&c.Logging.File, "DOCFLOW_LOG_FILE")
	setString(&c.Checkpoint.Backend, "DOCFLOW_CHECKPOINT_BACKEND")
	setString(&c.Checkpoint.Postgres.Host, "DOCFLOW_DB_HOST")
	setInt(&c.Checkpoint.Postgres.Port, "DOCFLOW_DB_PORT")
	setString(&c.Checkpoint.Postgres.Database, "DOCFLOW_DB_NAME")
	setString(&c.Checkpoint.Postgres.User, "DOCFLOW_DB_USER")
	setString(&c.Checkpoint.Postgres.Password, "DOCFLOW_DB_PASSWORD")
	setString(&c.Checkpoint.Postgres.SSLMode, "DOCFLOW_DB_SSL_MODE")
	setString(&c.Events.URL, "DOCFLOW_AMQP_URL")
	setString(&c.Events.Exchange, "DOCFLOW_AMQP_EXCHANGE")
}

func (c *Config) validate() error {
	switch c.Checkpoint.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server addr cannot be empty")
	}
	return nil
}

// EventsEnabled reports whether AMQP publishing is configured.
func (c *Config) EventsEnabled() bool {
	return strings.TrimSpace(c.Events.URL) != ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
