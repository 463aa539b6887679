package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatLatency(t *testing.T) {
	tests := []struct {
		name     string
		latency  time.Duration
		expected string
	}{
		{"milliseconds", 12300 * time.Microsecond, "12.3ms"},
		{"sub_millisecond", 100 * time.Microsecond, "0.1ms"},
		{"seconds", 1234 * time.Millisecond, "1.2s"},
		{"zero", 0, "0.0ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatLatency(tt.latency))
		})
	}
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "0.0%", FormatPercentage(0))
	assert.Equal(t, "40.0%", FormatPercentage(0.4))
	assert.Equal(t, "100.0%", FormatPercentage(1))
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		expected string
	}{
		{"just_now", 300 * time.Millisecond, "just now"},
		{"seconds", 42 * time.Second, "42s ago"},
		{"minutes", 5*time.Minute + 10*time.Second, "5m ago"},
		{"hours", 2*time.Hour + 30*time.Minute, "2h 30m ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatAge(tt.age))
		})
	}
}

func TestFormatLastSync(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "never", FormatLastSync(time.Time{}, now))
	assert.Equal(t, "10s ago", FormatLastSync(now.Add(-10*time.Second), now))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0m", FormatDuration(0))
	assert.Equal(t, "59m", FormatDuration(3599))
	assert.Equal(t, "1h 0m", FormatDuration(3600))
	assert.Equal(t, "25h 1m", FormatDuration(90060))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exactly10!", Truncate("exactly10!", 10))
	assert.Equal(t, "HTTP 50...", Truncate("HTTP 500: internal error", 10))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
	assert.Equal(t, "añ...", Truncate("añadir tarea", 5))
}
