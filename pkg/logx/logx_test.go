package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2024-01-01T00:00:00Z","message":"fire failed","name":"Raid","comp":"events"}`)
	got := formatChatLine(line)
	want := "[WARN] fire failed\n- comp=events\n- name=Raid"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
}

func TestFormatChatLineNotJSON(t *testing.T) {
	t.Parallel()
	if got := formatChatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatChatLine = %q, want %q", got, "plain text")
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "events"))
	log.Warn("fire failed", String("name", "Raid"), Err(errors.New("boom")), Err(nil))

	out := buf.String()
	for _, want := range []string{`"comp":"events"`, `"name":"Raid"`, `"err":"boom"`, `"level":"warn"`, `"message":"fire failed"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	defer svc.Close()

	log.Info("hello", Int("n", 1))
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped")

	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), `"message":"hello"`) {
		t.Fatalf("log file missing first line: %q", b)
	}
	if strings.Contains(string(b), "dropped") {
		t.Fatalf("log file contains line below level: %q", b)
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "debug", "INFO", "warning"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false, want true", s)
		}
	}
	if ValidLevel("loud") {
		t.Fatal(`ValidLevel("loud") = true, want false`)
	}
}
