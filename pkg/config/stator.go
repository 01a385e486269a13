package config

import (
	"fmt"
	"time"
)

// Config is the statord daemon configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Registry      RegistryConfig      `yaml:"registry"`
	History       HistoryConfig       `yaml:"history"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
	Ingress       IngressConfig       `yaml:"ingress"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig configures the REST API and debug WebSocket listeners
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	DebugAddr    string        `yaml:"debug_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxInFlight  int           `yaml:"max_in_flight"`
}

// DatabaseConfig configures persistence. Mode selects the storage layout:
// "multitable" uses per-day tables over database/sql (sqlite3 or postgres),
// "partitioned" uses native partitions over pgx.
type DatabaseConfig struct {
	Mode            string        `yaml:"mode"`
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	RetentionDays   int           `yaml:"retention_days"`
}

// RegistryConfig mirrors the registry runtime knobs
type RegistryConfig struct {
	MailboxSize        int           `yaml:"mailbox_size"`
	ArchiveQueueSize   int           `yaml:"archive_queue_size"`
	ArchiveMaxAttempts int           `yaml:"archive_max_attempts"`
	ArchiveBackoff     time.Duration `yaml:"archive_backoff"`
	ArchiveMaxBackoff  time.Duration `yaml:"archive_max_backoff"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
}

// HistoryConfig configures the per-machine history trackers
type HistoryConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	BatchSize    int           `yaml:"batch_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// TimeoutConfig configures the timer callback pool
type TimeoutConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// IngressConfig configures the optional NATS consumer
type IngressConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	Prefix       string        `yaml:"prefix"`
	QueueGroup   string        `yaml:"queue_group"`
	Name         string        `yaml:"name"`
	RouteTimeout time.Duration `yaml:"route_timeout"`
}

// AuthConfig configures operator authentication. Disabled leaves every
// surface open.
type AuthConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Secret    string           `yaml:"secret"`
	Issuer    string           `yaml:"issuer"`
	TokenTTL  time.Duration    `yaml:"token_ttl"`
	Leeway    time.Duration    `yaml:"leeway"`
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig names one operator and the bcrypt hash of its secret
type OperatorConfig struct {
	Name       string `yaml:"name"`
	SecretHash string `yaml:"secret_hash"`
}

// ObservabilityConfig configures tracing; metrics are always exposed on
// the REST API's /metrics route.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig selects the span exporter
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// LoggingConfig configures the daemon logger
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a runnable single-node default: sqlite storage,
// no auth, no ingress, no tracing.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			DebugAddr:    ":8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxInFlight:  1024,
		},
		Database: DatabaseConfig{
			Mode:            "multitable",
			Driver:          "sqlite3",
			DSN:             "stator.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			RetentionDays:   30,
		},
		Registry: RegistryConfig{
			MailboxSize:        64,
			ArchiveQueueSize:   128,
			ArchiveMaxAttempts: 5,
			ArchiveBackoff:     100 * time.Millisecond,
			ArchiveMaxBackoff:  10 * time.Second,
			SweepInterval:      30 * time.Second,
			IdleTimeout:        5 * time.Minute,
			DrainTimeout:       10 * time.Second,
		},
		History: HistoryConfig{
			QueueSize:    256,
			BatchSize:    32,
			DrainTimeout: 5 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Ingress: IngressConfig{
			Enabled:      false,
			URL:          "nats://127.0.0.1:4222",
			Prefix:       "stator",
			QueueGroup:   "stator-ingress",
			RouteTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:  false,
			Issuer:   "stator",
			TokenTTL: time.Hour,
			Leeway:   30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Exporter:   "none",
				SampleRate: 1.0,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFile starts from defaults, overlays the file when path is non-empty,
// applies STATOR_* environment overrides and validates.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := Load(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := ApplyEnvOverrides("STATOR", &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions before any
// component is built.
func (c *Config) Validate() error {
	return Validate(c,
		RequiredFields("Server.Addr", "Database.DSN"),
		OneOfValidator("Database.Mode", "multitable", "partitioned"),
		OneOfValidator("Logging.Level", "debug", "info", "warn", "error"),
		OneOfValidator("Observability.Tracing.Exporter", "none", "", "jaeger", "zipkin", "stdout"),
		RangeValidator("Database.RetentionDays", 1, 3650),
		ValidatorFunc(func(raw interface{}) error {
			cfg := raw.(*Config)
			if cfg.Database.Mode == "multitable" {
				switch cfg.Database.Driver {
				case "sqlite3", "postgres":
				default:
					return fmt.Errorf("multitable mode requires driver sqlite3 or postgres, got %q", cfg.Database.Driver)
				}
			}
			if cfg.Auth.Enabled {
				if len(cfg.Auth.Secret) < 16 {
					return fmt.Errorf("auth secret must be at least 16 bytes")
				}
				if len(cfg.Auth.Operators) == 0 {
					return fmt.Errorf("auth is enabled but no operators are configured")
				}
			}
			if cfg.Ingress.Enabled && cfg.Ingress.URL == "" {
				return fmt.Errorf("ingress is enabled but no nats url is configured")
			}
			if cfg.Registry.MailboxSize <= 0 {
				return fmt.Errorf("registry mailbox size must be positive")
			}
			return nil
		}),
	)
}
