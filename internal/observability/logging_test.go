package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSetupLogging_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging("info", "json", &buf)

	logger := Logger("test.component")
	logger.Info().Str("key", "value").Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log line: %v (%s)", err, buf.String())
	}
	if entry["component"] != "test.component" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
	if entry["message"] != "hello" {
		t.Errorf("expected message field, got %v", entry["message"])
	}
}

func TestSanitizeForLog_RedactsSensitiveKeys(t *testing.T) {
	data := map[string]interface{}{
		"api_key":  "sk-secret",
		"doc_name": "readme.md",
	}
	sanitized := SanitizeForLog(data)

	if sanitized["api_key"] != "[REDACTED]" {
		t.Errorf("expected api_key to be redacted, got %v", sanitized["api_key"])
	}
	if sanitized["doc_name"] != "readme.md" {
		t.Errorf("expected doc_name to pass through unchanged, got %v", sanitized["doc_name"])
	}
}

func TestLogEvent_IncludesEventField(t *testing.T) {
	var buf bytes.Buffer
	SetupLogging("info", "json", &buf)

	logger := Logger("test.component")
	LogEvent(logger, EventSyncTransition, map[string]interface{}{"docId": "abc123"})

	out := buf.String()
	if !strings.Contains(out, EventSyncTransition) {
		t.Errorf("expected event name in log output, got %s", out)
	}
	if !strings.Contains(out, "abc123") {
		t.Errorf("expected docId field in log output, got %s", out)
	}
}
