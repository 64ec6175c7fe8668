package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesJSONLinesAndRedacts(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("worker started", "api_key", "sk-super-secret", "queue", "inference")
	logger.Debug("should be filtered at info level")
	if err := closer.Close(); err != nil {
		t.Fatalf("close logger: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open logfile: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("logfile line is not JSON: %v", err)
		}
		lines = append(lines, entry)
	}
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}

	entry := lines[0]
	if entry["msg"] != "worker started" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("api_key not redacted: %v", entry["api_key"])
	}
	if entry["queue"] != "inference" {
		t.Fatalf("plain attribute mangled: %v", entry["queue"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("expected timestamp key")
	}
}

func TestRedactStringValue_BearerToken(t *testing.T) {
	got, redacted := redactStringValue("Authorization: Bearer abc123")
	if !redacted || !strings.Contains(got, "[REDACTED]") {
		t.Fatalf("expected bearer string redacted, got %q", got)
	}
	if _, redacted := redactStringValue("plain message"); redacted {
		t.Fatal("plain string should pass through")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG", "warn": "WARN", "warning": "WARN",
		"error": "ERROR", "": "INFO", "bogus": "INFO",
	}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
