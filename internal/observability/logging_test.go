package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})

	logger.Info("validated request", "token", "bearer abcdef0123456789abcdef0123456789")

	out := buf.String()
	if strings.Contains(out, "abcdef0123456789abcdef0123456789") {
		t.Errorf("token leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker, got: %s", out)
	}
}

func TestNewLoggerRedactsAnthropicKey(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	logger.Error("provider error", "detail", "request failed for key sk-ant-REDACTED")

	if strings.Contains(buf.String(), "sk-ant-") {
		t.Errorf("api key leaked: %s", buf.String())
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})

	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Error("info record emitted at warn level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("warn record missing")
	}
}

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	logger.Info("hello", "component", "gateway")

	out := buf.String()
	if !strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("expected JSON output, got: %s", out)
	}
	if !strings.Contains(out, `"component":"gateway"`) {
		t.Errorf("missing attribute in JSON output: %s", out)
	}
}

func TestWithAttrsStillRedacts(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf})

	child := logger.With("auth", "token: 0123456789abcdef0123456789abcdef")
	child.Info("connected")

	if strings.Contains(buf.String(), "0123456789abcdef0123456789abcdef") {
		t.Errorf("pre-bound attribute leaked: %s", buf.String())
	}
}
