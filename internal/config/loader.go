package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping them
	// onto config keys.
	EnvPrefix = "TODOSYNC_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TODOSYNC_SERVER_HTTP_PORT, TODOSYNC_QUEUE_MAX_RETRIES, ...)
//  2. YAML config file (~/.config/todosync/config.yaml)
//  3. Hardcoded defaults
//
// The file must live under ~/.config/todosync/ or /etc/todosync/, be
// owner-only (0600 or 0400) and be no larger than 1MB. A missing file is
// not an error.
//
// Environment variables are mapped by stripping the prefix, lowercasing and
// splitting on the first underscore:
//
//	TODOSYNC_SERVER_HTTP_PORT  -> server.http_port
//	TODOSYNC_QUEUE_BACKOFF_MAX -> queue.backoff_max
//	TODOSYNC_AUTH_USER_ID      -> auth.user_id
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Validate through the open descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps TODOSYNC_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// DefaultConfigDir returns ~/.config/todosync.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "todosync"), nil
}

// EnsureConfigDir creates the todosync config directory with 0700
// permissions if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// validateConfigPath checks that path is inside an allowed directory.
// It runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}

	for _, allowed := range []string{dir, "/etc/todosync"} {
		if resolved, err := filepath.EvalSymlinks(allowed); err == nil {
			allowed = resolved
		}
		if resolvedPath == allowed || strings.HasPrefix(resolvedPath, allowed+string(filepath.Separator)) {
			return nil
		}
	}

	return fmt.Errorf("config file must be in ~/.config/todosync/ or /etc/todosync/")
}

// validateConfigFileProperties checks file permissions and size using
// FileInfo from an already-opened descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Queue
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = BackendFile
	}
	if cfg.Queue.Path == "" {
		if cfg.Queue.Backend == BackendSQLite {
			cfg.Queue.Path = "~/.config/todosync/queue.db"
		} else {
			cfg.Queue.Path = "~/.config/todosync/queue"
		}
	}
	cfg.Queue.Path = ExpandHome(cfg.Queue.Path)
	if cfg.Queue.MaxOperations == 0 {
		cfg.Queue.MaxOperations = 10000
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 5
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = time.Second
	}
	if cfg.Queue.BackoffMax == 0 {
		cfg.Queue.BackoffMax = 30 * time.Second
	}

	// Connectivity
	if cfg.Connectivity.Probe == "" {
		if cfg.Connectivity.ProbeURL != "" {
			cfg.Connectivity.Probe = ProbeHTTP
		} else if cfg.Connectivity.GRPCTarget != "" {
			cfg.Connectivity.Probe = ProbeGRPC
		} else {
			cfg.Connectivity.Probe = ProbeNone
		}
	}
	if cfg.Connectivity.ProbeTimeout == 0 {
		cfg.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if cfg.Connectivity.ProbeInterval == 0 && cfg.Connectivity.Probe != ProbeNone {
		cfg.Connectivity.ProbeInterval = 30 * time.Second
	}

	// Remote
	if cfg.Remote.Backend == "" {
		cfg.Remote.Backend = RemoteMemory
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 10 * time.Second
	}
	if cfg.Remote.RateLimit == 0 {
		cfg.Remote.RateLimit = 10
	}
	if cfg.Remote.RateBurst == 0 {
		cfg.Remote.RateBurst = 5
	}

	// Events
	if cfg.Events.NATSURL == "" {
		cfg.Events.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "todosync"
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "todosync"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}
