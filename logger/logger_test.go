package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if idx := strings.LastIndex(line, "\n"); idx >= 0 {
		line = line[idx+1:]
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode log line %q: %v", line, err)
	}
	return m
}

func TestNewDefault(t *testing.T) {
	l := NewDefault("test-svc")
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	if l.service != "test-svc" {
		t.Errorf("expected service 'test-svc', got %q", l.service)
	}
}

func TestNewInvalidLevel(t *testing.T) {
	l := New(&Config{Level: "invalid-level", Format: "json", Output: "stdout"}, "test")
	if l == nil {
		t.Fatal("expected logger to be created even with invalid level")
	}
}

func TestNewFromEnv(t *testing.T) {
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("LOG_FORMAT", "json")
	defer os.Unsetenv("LOG_LEVEL")
	defer os.Unsetenv("LOG_FORMAT")

	if NewFromEnv("env-svc") == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestForRunAndStep(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug").ForRun("catalog-sync", "run-1").ForStep("load")
	l.Info("step finished", Fields(FieldRecords, 3))

	m := decodeLine(t, &buf)
	if m[FieldPipelineID] != "catalog-sync" || m[FieldRunID] != "run-1" || m[FieldStepKey] != "load" {
		t.Errorf("missing run fields: %v", m)
	}
	if m[FieldRecords] != float64(3) {
		t.Errorf("expected records=3, got %v", m[FieldRecords])
	}
	if m["message"] != "step finished" {
		t.Errorf("unexpected message %v", m["message"])
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithRun(context.Background(), "p1", "r1")
	ctx = ContextWithTraceID(ctx, "abc123")
	NewWithWriter(&buf, "info").WithContext(ctx).Info("hello")

	m := decodeLine(t, &buf)
	if m[FieldPipelineID] != "p1" || m[FieldRunID] != "r1" || m[FieldTraceID] != "abc123" {
		t.Errorf("context fields not propagated: %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	l.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("expected warn line")
	}
}

func TestWithComponentAndError(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info").WithComponent("executor").WithError(fmt.Errorf("boom")).Error("failed")
	m := decodeLine(t, &buf)
	if m[FieldComponent] != "executor" || m["error"] != "boom" {
		t.Errorf("unexpected fields: %v", m)
	}
}

func TestNop(t *testing.T) {
	Nop().Info("nothing")
}

func TestInit(t *testing.T) {
	Init(&Config{Level: "info", Format: "json", Output: "stdout", ServiceName: "etl"})
	if GetGlobalLogger() == nil {
		t.Fatal("expected global logger to be set after Init")
	}
	Debug("debug msg")
	Info("info msg")
	Warn("warn msg")
	Error("error msg")
}

func TestSetGlobalLogger(t *testing.T) {
	l := NewDefault("custom")
	SetGlobalLogger(l)
	if GetGlobalLogger() != l {
		t.Error("expected SetGlobalLogger to set the global logger")
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatConsole {
		t.Errorf("expected format 'console', got %q", cfg.Format)
	}
	if cfg.Output != "stdout" {
		t.Errorf("expected output 'stdout', got %q", cfg.Output)
	}
	if !cfg.Timestamp {
		t.Error("expected Timestamp to be true")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Level: "info", Format: "json"}, false},
		{"valid console", Config{Level: "debug", Format: "console"}, false},
		{"invalid level", Config{Level: "bad", Format: "json"}, true},
		{"invalid format", Config{Level: "info", Format: "xml"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegisterAndGet(t *testing.T) {
	l := NewDefault("custom-component")
	Register("my-component", l)
	if Get("my-component") != l {
		t.Error("expected Get to return the registered logger")
	}
	if Get("unregistered-component") == nil {
		t.Fatal("expected non-nil logger for unregistered component")
	}
}

func TestFields(t *testing.T) {
	got := Fields("op", "save", "id", 42, "trailing")
	if got["op"] != "save" || got["id"] != 42 {
		t.Errorf("unexpected fields %v", got)
	}
	if _, ok := got["trailing"]; ok {
		t.Error("odd trailing key should be dropped")
	}
	got = Fields(123, "value", "key", "val")
	if len(got) != 1 || got["key"] != "val" {
		t.Errorf("non-string key should be skipped: %v", got)
	}
}

func TestErrorAndDurationFields(t *testing.T) {
	f := ErrorFields("load", fmt.Errorf("something broke"))
	if f[FieldOperation] != "load" || f[FieldError] != "something broke" {
		t.Errorf("unexpected error fields %v", f)
	}
	d := DurationFields("extract", 150*time.Millisecond)
	if d[FieldDuration] != int64(150) {
		t.Errorf("expected duration 150, got %v", d[FieldDuration])
	}
	m := MergeWithError(nil, fmt.Errorf("x"))
	if m[FieldError] != "x" {
		t.Errorf("expected error field, got %v", m)
	}
}
