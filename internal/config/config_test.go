package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg := Default()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8787, cfg.Server.Port)
	assert.Equal(t, BackendFile, cfg.Queue.Backend)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffMax)
	assert.Equal(t, ProbeNone, cfg.Connectivity.Probe)
	assert.Equal(t, RemoteMemory, cfg.Remote.Backend)
	assert.False(t, cfg.Events.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.NotContains(t, cfg.Queue.Path, "~")
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "port too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: "shutdown timeout",
		},
		{
			name:    "unknown queue backend",
			mutate:  func(c *Config) { c.Queue.Backend = "redis" },
			wantErr: "invalid queue backend",
		},
		{
			name:    "zero max retries",
			mutate:  func(c *Config) { c.Queue.MaxRetries = 0 },
			wantErr: "max_retries",
		},
		{
			name:    "base exceeds cap",
			mutate:  func(c *Config) { c.Queue.BackoffBase = time.Minute },
			wantErr: "exceeds backoff_max",
		},
		{
			name: "http probe without url",
			mutate: func(c *Config) {
				c.Connectivity.Probe = ProbeHTTP
				c.Connectivity.ProbeURL = ""
			},
			wantErr: "probe_url is required",
		},
		{
			name: "http probe with file url",
			mutate: func(c *Config) {
				c.Connectivity.Probe = ProbeHTTP
				c.Connectivity.ProbeURL = "file:///etc/passwd"
			},
			wantErr: "scheme must be http or https",
		},
		{
			name:    "grpc probe without target",
			mutate:  func(c *Config) { c.Connectivity.Probe = ProbeGRPC },
			wantErr: "grpc_target",
		},
		{
			name:    "rest remote without url",
			mutate:  func(c *Config) { c.Remote.Backend = RemoteREST },
			wantErr: "remote url is required",
		},
		{
			name: "rest remote with url",
			mutate: func(c *Config) {
				c.Remote.Backend = RemoteREST
				c.Remote.URL = "https://example.supabase.co"
			},
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("sb-live-key")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sb-live-key", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	var back Secret
	assert.Error(t, json.Unmarshal([]byte(`"[REDACTED]"`), &back))
	require.NoError(t, json.Unmarshal([]byte(`"raw"`), &back))
	assert.Equal(t, "raw", back.Value())
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Duration())

	require.NoError(t, json.Unmarshal([]byte(`250`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	assert.Error(t, json.Unmarshal([]byte(`"-1s"`), &d))

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))
}
