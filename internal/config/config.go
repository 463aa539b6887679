// Package config provides configuration loading for todosync.
//
// Configuration is read from an optional YAML file and TODOSYNC_* environment
// variables on top of built-in defaults. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Queue storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Remote backends.
const (
	RemoteMemory = "memory"
	RemoteREST   = "rest"
)

// Connectivity probe kinds.
const (
	ProbeHTTP = "http"
	ProbeGRPC = "grpc"
	ProbeNone = "none"
)

// Config holds the complete todosync configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Queue        QueueConfig        `koanf:"queue"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Remote       RemoteConfig       `koanf:"remote"`
	Auth         AuthConfig         `koanf:"auth"`
	Events       EventsConfig       `koanf:"events"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// QueueConfig holds operation queue and retry policy settings.
type QueueConfig struct {
	Backend       string        `koanf:"backend"`        // file or sqlite
	Path          string        `koanf:"path"`           // directory (file) or database file (sqlite)
	MaxOperations int           `koanf:"max_operations"` // 0 = unbounded
	MaxRetries    int           `koanf:"max_retries"`
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffMax    time.Duration `koanf:"backoff_max"`
}

// ConnectivityConfig holds reachability probe settings.
type ConnectivityConfig struct {
	Probe         string        `koanf:"probe"` // http, grpc or none
	ProbeURL      string        `koanf:"probe_url"`
	GRPCTarget    string        `koanf:"grpc_target"`
	ProbeTimeout  time.Duration `koanf:"probe_timeout"`
	ProbeInterval time.Duration `koanf:"probe_interval"` // defaults to 30s when a probe is configured
}

// RemoteConfig holds the backend service settings.
type RemoteConfig struct {
	Backend   string        `koanf:"backend"` // memory or rest
	URL       string        `koanf:"url"`
	APIKey    Secret        `koanf:"api_key"`
	Timeout   time.Duration `koanf:"timeout"`
	RateLimit float64       `koanf:"rate_limit"` // requests per second
	RateBurst int           `koanf:"rate_burst"`
}

// AuthConfig holds the identity the engine syncs as.
type AuthConfig struct {
	UserID      string `koanf:"user_id"`
	AccessToken Secret `koanf:"access_token"`
}

// EventsConfig holds NATS event publishing settings.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig holds the subset of logging settings exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Queue.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("invalid queue backend %q (must be %s or %s)", c.Queue.Backend, BackendFile, BackendSQLite)
	}
	if c.Queue.Path == "" {
		return errors.New("queue path is required")
	}
	if c.Queue.MaxOperations < 0 {
		return fmt.Errorf("queue max_operations must be >= 0, got %d", c.Queue.MaxOperations)
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue max_retries must be >= 1, got %d", c.Queue.MaxRetries)
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax <= 0 {
		return errors.New("queue backoff durations must be positive")
	}
	if c.Queue.BackoffBase > c.Queue.BackoffMax {
		return fmt.Errorf("queue backoff_base %s exceeds backoff_max %s", c.Queue.BackoffBase, c.Queue.BackoffMax)
	}

	switch c.Connectivity.Probe {
	case ProbeNone:
	case ProbeHTTP:
		if err := validateURL("connectivity probe_url", c.Connectivity.ProbeURL); err != nil {
			return err
		}
	case ProbeGRPC:
		if c.Connectivity.GRPCTarget == "" {
			return errors.New("connectivity grpc_target is required for the grpc probe")
		}
	default:
		return fmt.Errorf("invalid connectivity probe %q", c.Connectivity.Probe)
	}
	if c.Connectivity.ProbeTimeout <= 0 {
		return errors.New("connectivity probe_timeout must be positive")
	}
	if c.Connectivity.ProbeInterval < 0 {
		return errors.New("connectivity probe_interval must be >= 0")
	}

	switch c.Remote.Backend {
	case RemoteMemory:
	case RemoteREST:
		if err := validateURL("remote url", c.Remote.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid remote backend %q (must be %s or %s)", c.Remote.Backend, RemoteMemory, RemoteREST)
	}
	if c.Remote.RateLimit < 0 {
		return errors.New("remote rate_limit must be >= 0")
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return errors.New("events nats_url is required when events are enabled")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}

	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: missing host", field)
	}
	return nil
}
