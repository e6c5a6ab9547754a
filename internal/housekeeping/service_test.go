package housekeeping

import (
	"context"
	"testing"
	"time"

	logx "pillcall/pkg/logx"
)

type fakePruner struct{ before time.Time }

func (f *fakePruner) PruneOutcomes(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 4, nil
}

func TestRunOnceUsesRetention(t *testing.T) {
	t.Parallel()
	p := &fakePruner{}
	s := New(Config{Retention: 48 * time.Hour}, p, logx.Nop())
	now := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if want := now.Add(-48 * time.Hour); !p.before.Equal(want) {
		t.Fatalf("cutoff = %s, want %s", p.before, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	for _, spec := range []string{"", "@daily", "0 3 * * *", "30 0 3 * * *"} {
		if err := Validate(spec); err != nil {
			t.Fatalf("Validate(%q): %v", spec, err)
		}
	}
	if err := Validate("every tuesday"); err == nil {
		t.Fatal("Validate accepted garbage")
	}
}

func TestStartStopDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakePruner{}, logx.Nop())
	s.Start(context.Background())
	if s.c != nil {
		t.Fatal("disabled service started cron")
	}
	s2 := New(Config{Enabled: true, Schedule: "@hourly"}, &fakePruner{}, logx.Nop())
	s2.Start(context.Background())
	if s2.c == nil {
		t.Fatal("cron not started")
	}
	s2.Stop(context.Background())
}
