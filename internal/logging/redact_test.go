package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferedLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Output.Sink = zapcore.AddSync(&buf)
	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	return logger, &buf
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "remote configured",
		Secret("api_key", config.Secret("sb-anon-0123456789")),
		Secret("access_token", ""),
	)

	tl.AssertField(t, "remote configured", "api_key", "[REDACTED:18]")
	tl.AssertField(t, "remote configured", "access_token", "")
	tl.AssertNoSecrets(t)
}

func TestRedactingEncoder_RedactsFieldNames(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.Info(context.Background(), "request", zap.String("authorization", "Bearer abc"), zap.String("table", "tasks"))
	logger.With(zap.String("access_token", "tok")).Info(context.Background(), "child")

	out := buf.String()
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, `"tok"`)
	assert.Contains(t, out, `"table":"tasks"`)
	assert.Equal(t, 2, strings.Count(out, "[REDACTED]"))
}

func TestRedactingEncoder_RedactsPatternsInValues(t *testing.T) {
	logger, buf := newBufferedLogger(t)

	logger.Warn(context.Background(), "operation failed",
		zap.String("error", "401 from backend: invalid header Bearer eyJhbGciOi"))

	out := buf.String()
	assert.NotContains(t, out, "eyJhbGciOi")
	assert.Contains(t, out, "[REDACTED:pattern]")
}

func TestNewRedactingEncoder_InvalidPattern(t *testing.T) {
	encoder, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{"[invalid("},
	})

	require.Error(t, err)
	assert.Nil(t, encoder)
	assert.Contains(t, err.Error(), "invalid redaction pattern")
}

func TestNewRedactingEncoder_PatternTooLong(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  true,
		Patterns: []string{strings.Repeat("a", 201)},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "pattern too long")
}

func TestNewRedactingEncoder_DisabledSkipsValidation(t *testing.T) {
	encoder, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
		Enabled:  false,
		Patterns: []string{"[invalid("},
	})

	assert.NoError(t, err)
	assert.NotNil(t, encoder)
}
