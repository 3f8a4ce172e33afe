package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewTagsRecordsAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Service: "autopool", Env: "test", Output: &buf})

	logger.Info("dropped")
	logger.Warn("kept", "account_id", "alice")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["service"] != "autopool" || rec["env"] != "test" || rec["account_id"] != "alice" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopool.log")
	var buf bytes.Buffer
	New(Options{Level: "bogus", File: path, Output: &buf}).Info("hello")

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"hello"`) || buf.Len() == 0 {
		t.Fatalf("expected record in both sinks, file=%q", raw)
	}
}
