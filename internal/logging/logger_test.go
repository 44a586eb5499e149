package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestComponentLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(newLogger(&buf, "debug"), "dispatch")
	l.Debug("wave issued", "job_id", "j1", "wave", 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "dispatch" || rec["job_id"] != "j1" {
		t.Fatalf("missing attributes: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn")
	l.Info("ignored")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}
