package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:  level,
		Format: "json",
		Output: buf,
		Sync:   true,
	})
}

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Info("task submitted", "fence", 42, "counter", 2)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	if entry["message"] != "task submitted" {
		t.Errorf("expected message %q, got %v", "task submitted", entry["message"])
	}
	if entry["fence"] != float64(42) {
		t.Errorf("expected fence=42, got %v", entry["fence"])
	}
}

func TestWithQueueContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug).WithQueue(3).WithSyncpoint(17)

	logger.Debug("completion scan")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	if entry["queue_id"] != float64(3) {
		t.Errorf("expected queue_id=3, got %v", entry["queue_id"])
	}
	if entry["syncpt"] != float64(17) {
		t.Errorf("expected syncpt=17, got %v", entry["syncpt"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Debug("should be dropped")
	logger.Info("should also be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("messages below level leaked through: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same logger instance")
	}
}
