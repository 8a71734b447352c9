package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	log.With(String("cell", "0")).Info(context.Background(), "harq timeout", Int("ue", 3), Bool("dl", true))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "harq timeout" {
		t.Fatalf("msg = %v, want harq timeout", rec["msg"])
	}
	if rec["cell"] != "0" || rec["ue"] != float64(3) || rec["dl"] != true {
		t.Fatalf("missing fields in %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn", Format: "text"}, &buf)

	log.Info(context.Background(), "dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	log.Warn(context.Background(), "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn line missing: %q", buf.String())
	}
}

func TestConsoleLoggerUsesZerolog(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "info", Format: "console"}, &buf)

	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "slot indication", Uint("slot", 42))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "slot indication") || !strings.Contains(out, "42") {
		t.Fatalf("console output missing message or field: %q", out)
	}
}

func TestLimitedDropsBeyondBudget(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(Config{Level: "debug", Format: "text"}, &buf)
	limited := NewLimited(base, 2)

	for range 10 {
		limited.Warn(context.Background(), "pool exhausted")
	}
	if got := strings.Count(buf.String(), "pool exhausted"); got != 2 {
		t.Fatalf("written lines = %d, want 2", got)
	}
	if limited.Dropped() != 8 {
		t.Fatalf("Dropped() = %d, want 8", limited.Dropped())
	}

	limited.Error(context.Background(), "always")
	if !strings.Contains(buf.String(), "always") {
		t.Fatalf("error lines must bypass the limiter")
	}
}

func TestProcedureLoggerReusesID(t *testing.T) {
	ctx, id := EnsureProcedureID(context.Background())
	if id == "" {
		t.Fatalf("EnsureProcedureID returned empty id")
	}
	ctx2, _ := WithProcedureLogger(ctx, nil, "reconfiguration")
	if got := ProcedureIDFromContext(ctx2); got != id {
		t.Fatalf("procedure id = %q, want %q", got, id)
	}
}
