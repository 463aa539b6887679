package logging

import (
	"testing"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Output.Stdout)
	assert.False(t, cfg.Output.OTEL)
	assert.Equal(t, "todosync", cfg.Fields["service"])
	assert.Contains(t, cfg.Redaction.Fields, "access_token")
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad format", mutate: func(c *Config) { c.Format = "xml" }, wantErr: true},
		{name: "no outputs", mutate: func(c *Config) { c.Output.Stdout = false }, wantErr: true},
		{name: "zero tick", mutate: func(c *Config) { c.Sampling.Tick = 0 }, wantErr: true},
		{name: "zero tick without sampling", mutate: func(c *Config) {
			c.Sampling.Enabled = false
			c.Sampling.Tick = 0
		}},
		{name: "bad pattern", mutate: func(c *Config) { c.Redaction.Patterns = []string{"("} }, wantErr: true},
		{name: "empty field value", mutate: func(c *Config) { c.Fields["env"] = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromAppConfig(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = FromAppConfig(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("TRACE")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = ParseLevel("nope")
	assert.Error(t, err)
}
