package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines at WARN level, got %d: %q", len(lines), buf.String())
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	if entry.Level != "WARN" {
		t.Errorf("Expected level WARN, got %s", entry.Level)
	}
	if entry.Message != "warn message" {
		t.Errorf("Expected message %q, got %q", "warn message", entry.Message)
	}
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("promoted",
		NodeID("node-1"),
		Generation(3),
		Role("master"),
	)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	if entry.Fields["node_id"] != "node-1" {
		t.Errorf("Expected node_id field node-1, got %v", entry.Fields["node_id"])
	}
	if entry.Fields["role"] != "master" {
		t.Errorf("Expected role field master, got %v", entry.Fields["role"])
	}
	// JSON numbers decode as float64
	if entry.Fields["generation"] != float64(3) {
		t.Errorf("Expected generation field 3, got %v", entry.Fields["generation"])
	}
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	child := logger.With(Component("engine"), Group("db0"))
	child.Info("tick")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	if entry.Fields["component"] != "engine" {
		t.Errorf("Expected component field engine, got %v", entry.Fields["component"])
	}
	if entry.Fields["group"] != "db0" {
		t.Errorf("Expected group field db0, got %v", entry.Fields["group"])
	}
}

func TestErrorField(t *testing.T) {
	f := Error(errors.New("boom"))
	if f.Key != "error" || f.Value != "boom" {
		t.Errorf("Unexpected error field: %+v", f)
	}

	nilField := Error(nil)
	if nilField.Value != nil {
		t.Errorf("Expected nil value for nil error, got %v", nilField.Value)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
