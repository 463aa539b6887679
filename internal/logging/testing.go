package logging

import (
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry at Trace and above for assertions. Hand
// Underlying() to components under test.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a TestLogger with no redaction or sampling.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, logs: logs}
}

func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.logs.FilterMessageSnippet(msg)
}

func (t *TestLogger) Reset() { t.logs.TakeAll() }

func (t *TestLogger) find(level zapcore.Level, msg string) bool {
	for _, e := range t.logs.FilterLevelExact(level).All() {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if !t.find(level, msg) {
		tb.Errorf("no %v entry containing %q in %d entries", level, msg, t.logs.Len())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.find(level, msg) {
		tb.Errorf("unexpected %v entry containing %q", level, msg)
	}
}

// AssertField fails tb unless an entry whose message contains msg carries
// key with the given value.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no %q entry with %s=%v", msg, key, want)
}

// AssertNoSecrets fails tb if a credential reached any message or string
// field unmasked.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	res := make([]*regexp.Regexp, len(sensitivePatterns))
	for i, p := range sensitivePatterns {
		res[i] = regexp.MustCompile(p)
	}
	leaks := func(s string) bool {
		for _, re := range res {
			if re.MatchString(s) {
				return true
			}
		}
		return false
	}

	for _, e := range t.logs.All() {
		if leaks(e.Message) {
			tb.Errorf("credential in message %q", e.Message)
		}
		for _, f := range e.Context {
			if f.Type != zapcore.StringType {
				continue
			}
			if leaks(f.String) {
				tb.Errorf("credential in field %q", f.Key)
			}
			if isSensitiveKey(f.Key) && f.String != "" && !strings.HasPrefix(f.String, "[REDACTED") {
				tb.Errorf("sensitive field %q logged in clear", f.Key)
			}
		}
	}
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}
