package logx

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) SendOps(_ context.Context, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestOpsSinkReceivesWarnings(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{Level: "debug", Ops: OpsConfig{Enabled: true, MinLevel: "warn", RatePerSec: 50}}, sink)
	defer svc.Close()

	log = log.With(String("comp", "test"))
	log.Info("quiet line")
	log.Warn("call timed out", Int64("reminder_id", 7), Err(errors.New("no answer")))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.snapshot()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("ops lines = %d, want 1: %q", len(got), got)
	}
	for _, want := range []string{"[WARN] call timed out", "reminder_id=7", "comp=test", "err=no answer"} {
		if !strings.Contains(got[0], want) {
			t.Fatalf("ops line %q missing %q", got[0], want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("dropped")
	l.With(String("k", "v")).Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileLineCarriesCaller(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pillcall.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)
	log.With(String("comp", "worker")).Info("cycle finished", Int("due", 2))
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var line map[string]any
	if err := json.Unmarshal(b, &line); err != nil {
		t.Fatalf("log line %q: %v", b, err)
	}
	if line["message"] != "cycle finished" || line["comp"] != "worker" || line["due"] != float64(2) {
		t.Fatalf("line = %v", line)
	}
	if caller, _ := line["caller"].(string); !strings.HasPrefix(caller, "logging_test.go:") {
		t.Fatalf("caller = %q", caller)
	}
}
