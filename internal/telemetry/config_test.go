package telemetry

import (
	"testing"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
	assert.Equal(t, "todosync", cfg.ServiceName)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "enabled local", mutate: func(c *Config) { c.Enabled = true }},
		{name: "disabled skips checks", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "missing endpoint", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "" }, wantErr: true},
		{name: "bad protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, wantErr: true},
		{name: "insecure remote", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, wantErr: true},
		{name: "tls remote", mutate: func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}},
		{name: "sample rate", mutate: func(c *Config) { c.Enabled = true; c.SampleRate = 2 }, wantErr: true},
		{name: "zero export interval", mutate: func(c *Config) { c.Enabled = true; c.ExportInterval = 0 }, wantErr: true},
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

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := map[string]bool{
		"localhost:4317":        true,
		"127.0.0.1:4317":        true,
		"[::1]:4317":            true,
		"http://localhost:4318": true,
		"otel.example.com:4317": false,
		"10.0.0.5:4317":         false,
	}
	for endpoint, want := range tests {
		cfg := &Config{Endpoint: endpoint}
		assert.Equal(t, want, cfg.isLocalEndpoint(), endpoint)
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg := FromAppConfig(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "otel.example.com:4318",
		Protocol:    ProtocolHTTP,
		ServiceName: "todosync-dev",
		SampleRate:  0.25,
	}, "v0.3.0")

	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.Equal(t, "v0.3.0", cfg.ServiceVersion)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.NoError(t, cfg.Validate())
}
