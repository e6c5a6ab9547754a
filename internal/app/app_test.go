package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pillcall/internal/config"
	"pillcall/internal/registry"
	"pillcall/internal/schedule"
	"pillcall/internal/worker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMapWorkerConfigDefaults(t *testing.T) {
	t.Parallel()
	wc, err := mapWorkerConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapWorkerConfig: %v", err)
	}
	if !wc.Enabled {
		t.Fatal("worker should default to enabled")
	}
	if wc.Interval != worker.DefaultInterval || wc.OutcomeTimeout != worker.DefaultOutcomeTimeout {
		t.Fatalf("defaults = %+v", wc)
	}
	if wc.Rearm.Enabled {
		t.Fatal("rearm should default to off")
	}
}

func TestMapChannelConfigCountry(t *testing.T) {
	t.Parallel()
	cc, err := mapChannelConfig(&config.Config{Channel: config.ChannelConfig{DefaultCountry: "+1"}})
	if err != nil {
		t.Fatal(err)
	}
	if cc.Phone.DefaultCountry != "1" {
		t.Fatalf("country = %q", cc.Phone.DefaultCountry)
	}
	cc, _ = mapChannelConfig(&config.Config{})
	if cc.Phone.DefaultCountry != "91" {
		t.Fatalf("default country = %q", cc.Phone.DefaultCountry)
	}
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Housekeeping: config.HousekeepingConfig{Enabled: true, Schedule: "every tuesday"}}
	if err := validate(cfg); err == nil {
		t.Fatal("validate accepted a bad cron schedule")
	}
	cfg.Housekeeping.Schedule = "0 3 * * *"
	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestOpsSinkNeedsTelegram(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Logging.Ops.Enabled = true
	cc, _ := mapChannelConfig(cfg)
	if _, err := opsSink(cfg, cc, nil); err == nil {
		t.Fatal("opsSink without telegram settings should fail")
	}
	cfg.Logging.Ops.Enabled = false
	if s, err := opsSink(cfg, cc, nil); s != nil || err != nil {
		t.Fatalf("disabled opsSink = %v, %v", s, err)
	}
}

func TestAppLifecycle(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"logging:",
		"  level: error",
		"storage:",
		"  driver: memory",
		"worker:",
		"  interval: 1h",
		"channel:",
		"  driver: log",
	}, "\n")+"\n")

	a, err := NewApp(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := a.Schedule().PutPatient(ctx, registry.Patient{ID: 1, FullName: "Asha", Contact: "9876543210"}); err != nil {
		t.Fatalf("PutPatient: %v", err)
	}
	if _, err := a.Schedule().ReplaceSchedule(ctx, 1, []schedule.RuleInput{{Label: "Morning", Repeat: "everyday", At: "08:00"}}); err != nil {
		t.Fatalf("ReplaceSchedule: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Worker().Last() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.Worker().Last() == nil {
		t.Fatal("worker never completed a cycle")
	}

	h, err := a.Health()(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h["storage"] != "ok" || h["channel"] != "log" {
		t.Fatalf("health = %v", h)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
