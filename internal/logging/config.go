package logging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"go.uber.org/zap/zapcore"
)

// TraceLevel is one step below Debug. Per-operation dispatch details and
// retry timer churn log here.
const TraceLevel = zapcore.DebugLevel - 1

// Log formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config controls how a Logger encodes and where it writes.
type Config struct {
	Level     zapcore.Level
	Format    string
	Output    OutputConfig
	Sampling  SamplingConfig
	Caller    bool
	Fields    map[string]string // attached to every entry
	Redaction RedactionConfig
}

// OutputConfig selects the log sinks.
type OutputConfig struct {
	Stdout bool
	OTEL   bool
	// Sink replaces stdout when set. Tests write to a buffer through it.
	Sink zapcore.WriteSyncer
}

// SamplingConfig thins repeated entries below Error. A daemon stuck offline
// logs the same skipped drain on every probe tick.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field names and value patterns masked on output.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

var (
	sensitiveKeys = []string{
		"password", "secret", "token", "access_token", "refresh_token",
		"api_key", "apikey", "authorization", "bearer",
	}
	// sensitivePatterns catch credentials inside free text, such as a REST
	// error that quotes the Authorization header back.
	sensitivePatterns = []string{
		`(?i)bearer\s+\S+`,
		`(?i)api[_-]?key[=:]\s*\S+`,
	}
)

// NewDefaultConfig returns the daemon's logging defaults: JSON on stdout at
// Info, sampled, with credential redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: FormatJSON,
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller: true,
		Fields: map[string]string{"service": "todosync"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), sensitiveKeys...),
			Patterns: append([]string(nil), sensitivePatterns...),
		},
	}
}

// ParseLevel accepts the zap level names plus "trace".
func ParseLevel(name string) (zapcore.Level, error) {
	if strings.EqualFold(name, "trace") {
		return TraceLevel, nil
	}
	return zapcore.ParseLevel(name)
}

// FromAppConfig overlays the level and format from the todosync config file
// on the defaults.
func FromAppConfig(app config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if app.Level != "" {
		lvl, err := ParseLevel(app.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", app.Level, err)
		}
		cfg.Level = lvl
	}
	if app.Format != "" {
		cfg.Format = app.Format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != FormatJSON && c.Format != FormatConsole {
		return fmt.Errorf("format must be %q or %q, got %q", FormatJSON, FormatConsole, c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return errors.New("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return errors.New("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("static field %q=%q: key and value are required", k, v)
		}
	}
	return nil
}
