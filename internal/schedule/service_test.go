package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "time/tzdata"

	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/storage"
	logx "pillcall/pkg/logx"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st := storage.NewMemory(recurrence.Calculator{})
	t.Cleanup(func() { _ = st.Close() })
	s := New(st, logx.Nop())
	s.now = func() time.Time { return time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestRuleInputDraft(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   RuleInput
		ok   bool
	}{
		{name: "daily default", in: RuleInput{Label: "x", At: "08:00"}, ok: true},
		{name: "weekly", in: RuleInput{Label: "x", Repeat: "custom", Days: []string{"Mon", "Wed"}, At: "20:00"}, ok: true},
		{name: "one off", in: RuleInput{Label: "x", Repeat: "one_off", Date: "2026-12-01", At: "07:30"}, ok: true},
		{name: "empty weekly", in: RuleInput{Label: "x", Repeat: "custom", At: "20:00"}, ok: true},
		{name: "no label", in: RuleInput{At: "08:00"}},
		{name: "bad clock", in: RuleInput{Label: "x", At: "25:00"}},
		{name: "bad day", in: RuleInput{Label: "x", Repeat: "custom", Days: []string{"Funday"}, At: "08:00"}},
		{name: "bad mode", in: RuleInput{Label: "x", Repeat: "hourly", At: "08:00"}},
		{name: "one off without date", in: RuleInput{Label: "x", Repeat: "one_off", At: "08:00"}},
	}
	for _, tt := range tests {
		_, err := tt.in.Draft()
		if tt.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: err = %v, want ErrInvalid", tt.name, err)
		}
	}
}

func TestReplaceAndList(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.PutPatient(ctx, registry.Patient{ID: 3, FullName: " Ravi ", Contact: "9876543210"}); err != nil {
		t.Fatalf("PutPatient: %v", err)
	}
	vs, err := s.ReplaceSchedule(ctx, 3, []RuleInput{
		{Label: "Evening", At: "20:00"},
		{Label: "Morning", At: "08:00"},
		{Label: "Never", Repeat: "custom", At: "08:00"},
	})
	if err != nil {
		t.Fatalf("ReplaceSchedule: %v", err)
	}
	if len(vs) != 3 {
		t.Fatalf("replace returned %d views", len(vs))
	}

	up, err := s.Upcoming(ctx, 3, 0)
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	// Kolkata is 14:30: the 20:00 dose is today, 08:00 tomorrow, the empty
	// weekly rule is stored inactive.
	if len(up) != 2 || up[0].Label != "Evening" || up[1].Label != "Morning" {
		t.Fatalf("upcoming = %+v", up)
	}

	if _, err := s.ReplaceSchedule(ctx, 3, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if up, _ := s.Upcoming(ctx, 3, 0); len(up) != 0 {
		t.Fatalf("after clear upcoming = %+v", up)
	}
}

func TestPutPatientRejectsBadZone(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	_, err := s.PutPatient(context.Background(), registry.Patient{ID: 1, TimeZone: "Mars/Olympus"})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	p, err := s.PutPatient(context.Background(), registry.Patient{ID: 1})
	if err != nil || p.TimeZone != registry.DefaultTimeZone {
		t.Fatalf("default zone: %+v, %v", p, err)
	}
}

func TestUnknownOwner(t *testing.T) {
	t.Parallel()
	s := newTestService(t)
	if _, err := s.ReplaceSchedule(context.Background(), 99, []RuleInput{{Label: "x", At: "08:00"}}); !errors.Is(err, registry.ErrUnknownPatient) {
		t.Fatalf("replace err = %v", err)
	}
	if _, err := s.Upcoming(context.Background(), 99, 0); !errors.Is(err, registry.ErrUnknownPatient) {
		t.Fatalf("upcoming err = %v", err)
	}
}
