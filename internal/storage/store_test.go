package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"pillcall/internal/channel"
	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
	logx "pillcall/pkg/logx"
)

var testNow = time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)

type driverCase struct {
	name string
	open func(t *testing.T) Store
}

func drivers() []driverCase {
	return []driverCase{
		{name: "memory", open: func(t *testing.T) Store {
			return NewMemory(recurrence.Calculator{})
		}},
		{name: "file", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(file): %v", err)
			}
			return st
		}},
		{name: "sqlite", open: func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "store.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("Open(sqlite): %v", err)
			}
			return st
		}},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, d := range drivers() {
		d := d
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func seedPatient(t *testing.T, st Store, id int64) {
	t.Helper()
	err := st.PutPatient(context.Background(), registry.Patient{ID: id, FullName: "Test", TimeZone: "Asia/Kolkata", Contact: "9876543210"})
	if err != nil {
		t.Fatalf("PutPatient: %v", err)
	}
}

func replace(t *testing.T, st Store, owner int64, now time.Time, drafts ...reminder.Draft) []reminder.Reminder {
	t.Helper()
	out, err := st.ReplaceSchedule(context.Background(), owner, drafts, now)
	if err != nil {
		t.Fatalf("ReplaceSchedule: %v", err)
	}
	if len(out) != len(drafts) {
		t.Fatalf("ReplaceSchedule returned %d reminders, want %d", len(out), len(drafts))
	}
	return out
}

func oneOffDraft(label string, d recurrence.Date) reminder.Draft {
	return reminder.Draft{Label: label, Rule: recurrence.OneOff{Date: d}, LocalTime: recurrence.Clock{Hour: 8}}
}

func dailyDraft(label string) reminder.Draft {
	return reminder.Draft{Label: label, Rule: recurrence.Daily{}, LocalTime: recurrence.Clock{Hour: 8}}
}

func TestClaimSingleWinner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedPatient(t, st, 100001)
		rs := replace(t, st, 100001, testNow, oneOffDraft("insulin", recurrence.Date{Year: 2026, Month: 10, Day: 12}))
		id := rs[0].ID

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := st.Claim(ctx, id, testNow)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := wins.Load(); got != 1 {
			t.Fatalf("claim winners = %d, want 1", got)
		}

		r, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if r.Active {
			t.Fatal("one-off still active after claim")
		}
		if r.LastFiredAt == nil {
			t.Fatal("LastFiredAt not stamped")
		}
		due, err := st.ListDue(ctx, testNow.Add(48*time.Hour), 0)
		if err != nil {
			t.Fatalf("ListDue: %v", err)
		}
		for _, d := range due {
			if d.ID == id {
				t.Fatal("claimed one-off reappeared in due set")
			}
		}
	})
}

func TestClaimRecurringAdvances(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedPatient(t, st, 100002)
		rs := replace(t, st, 100002, testNow, dailyDraft("morning"))
		id := rs[0].ID
		before := rs[0].NextFireAt

		if ok, _ := st.Claim(ctx, id, testNow); ok {
			t.Fatal("claim succeeded before the reminder was due")
		}

		later := before.Add(10 * time.Minute)
		due, err := st.ListDue(ctx, later, 10)
		if err != nil {
			t.Fatalf("ListDue: %v", err)
		}
		if len(due) != 1 || due[0].ID != id {
			t.Fatalf("ListDue = %+v, want reminder %d", due, id)
		}

		ok, err := st.Claim(ctx, id, later)
		if err != nil || !ok {
			t.Fatalf("Claim = %v, %v; want true", ok, err)
		}
		if ok, _ := st.Claim(ctx, id, later); ok {
			t.Fatal("second claim of the same firing succeeded")
		}

		r, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !r.Active {
			t.Fatal("recurring reminder retired by claim")
		}
		if !r.NextFireAt.After(before) || !r.NextFireAt.After(later) {
			t.Fatalf("NextFireAt = %v, want after %v and %v", r.NextFireAt, before, later)
		}
	})
}

func TestReplaceScheduleEmptyClearsOwner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedPatient(t, st, 100003)
		seedPatient(t, st, 100004)
		replace(t, st, 100003, testNow, dailyDraft("a"), oneOffDraft("b", recurrence.Date{Year: 2026, Month: 10, Day: 1}))
		other := replace(t, st, 100004, testNow, oneOffDraft("c", recurrence.Date{Year: 2026, Month: 10, Day: 1}))

		replace(t, st, 100003, testNow)

		due, err := st.ListDue(ctx, testNow.Add(72*time.Hour), 0)
		if err != nil {
			t.Fatalf("ListDue: %v", err)
		}
		for _, d := range due {
			if d.OwnerID == 100003 {
				t.Fatalf("old reminder %d of cleared owner still due", d.ID)
			}
		}
		if len(due) != 1 || due[0].ID != other[0].ID {
			t.Fatalf("ListDue = %+v, want only reminder %d", due, other[0].ID)
		}
		up, err := st.Upcoming(ctx, 100003, testNow, 0)
		if err != nil {
			t.Fatalf("Upcoming: %v", err)
		}
		if len(up) != 0 {
			t.Fatalf("Upcoming = %d reminders, want 0", len(up))
		}
	})
}

func TestReplaceScheduleUnknownPatient(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		_, err := st.ReplaceSchedule(context.Background(), 42, []reminder.Draft{dailyDraft("x")}, testNow)
		if !errors.Is(err, registry.ErrUnknownPatient) {
			t.Fatalf("err = %v, want ErrUnknownPatient", err)
		}
	})
}

func TestEmptyWeeklyStoredInactive(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		seedPatient(t, st, 100005)
		rs := replace(t, st, 100005, testNow, reminder.Draft{Label: "never", Rule: recurrence.Weekly{}, LocalTime: recurrence.Clock{Hour: 9}})
		if rs[0].Active {
			t.Fatal("empty weekly stored active")
		}
		due, _ := st.ListDue(context.Background(), testNow.Add(30*24*time.Hour), 0)
		if len(due) != 0 {
			t.Fatalf("ListDue = %d, want 0", len(due))
		}
	})
}

func TestDeactivateIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedPatient(t, st, 100006)
		rs := replace(t, st, 100006, testNow, dailyDraft("evening"))
		id := rs[0].ID

		for i := 0; i < 2; i++ {
			if err := st.Deactivate(ctx, id, 100006); err != nil {
				t.Fatalf("Deactivate #%d: %v", i+1, err)
			}
		}
		r, _ := st.Get(ctx, id)
		if r.Active {
			t.Fatal("reminder active after deactivate")
		}
		if err := st.Deactivate(ctx, id, 999); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Deactivate foreign owner err = %v, want ErrNotFound", err)
		}
		if ok, _ := st.Rearm(ctx, id, testNow, 3); ok {
			t.Fatal("rearm revived an owner-deactivated reminder")
		}
	})
}

func TestRearmBounded(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		seedPatient(t, st, 100007)
		rs := replace(t, st, 100007, testNow, oneOffDraft("once", recurrence.Date{Year: 2026, Month: 10, Day: 12}))
		id := rs[0].ID

		if ok, err := st.Claim(ctx, id, testNow); !ok || err != nil {
			t.Fatalf("Claim = %v, %v", ok, err)
		}
		at := testNow.Add(5 * time.Minute)
		for i := 0; i < 2; i++ {
			ok, err := st.Rearm(ctx, id, at, 2)
			if err != nil || !ok {
				t.Fatalf("Rearm #%d = %v, %v; want true", i+1, ok, err)
			}
			if ok, _ := st.Claim(ctx, id, at); !ok {
				t.Fatalf("claim after rearm #%d failed", i+1)
			}
		}
		if ok, _ := st.Rearm(ctx, id, at, 2); ok {
			t.Fatal("rearm exceeded max attempts")
		}

		err := st.RecordOutcome(ctx, reminder.Outcome{
			AttemptID: uuid.New(), ReminderID: id, OwnerID: 100007,
			AttemptedAt: at, FinishedAt: at, Status: channel.StatusDelivered, Class: reminder.ClassDelivered,
		})
		if err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
		if ok, _ := st.Rearm(ctx, id, at, 2); !ok {
			t.Fatal("delivered outcome did not reset rearm budget")
		}
	})
}

func TestOutcomesListAndPrune(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i, owner := range []int64{1, 2, 1} {
			at := testNow.Add(time.Duration(i) * time.Hour)
			err := st.RecordOutcome(ctx, reminder.Outcome{
				AttemptID: uuid.New(), ReminderID: int64(10 + i), OwnerID: owner,
				AttemptedAt: at, FinishedAt: at.Add(time.Minute),
				Handle: "CA123", Status: channel.StatusTimedOut, LastStatus: channel.StatusDialing,
				Class: reminder.ClassTimedOut, Detail: "no terminal status", WorkerID: "w1",
			})
			if err != nil {
				t.Fatalf("RecordOutcome: %v", err)
			}
		}

		got, err := st.ListOutcomes(ctx, 1, 10)
		if err != nil {
			t.Fatalf("ListOutcomes: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListOutcomes(owner 1) = %d, want 2", len(got))
		}
		if got[0].ReminderID != 12 {
			t.Fatalf("newest outcome reminder = %d, want 12", got[0].ReminderID)
		}
		if got[0].LastStatus != channel.StatusDialing || got[0].Status != channel.StatusTimedOut {
			t.Fatalf("statuses = %s/%s", got[0].Status, got[0].LastStatus)
		}

		n, err := st.PruneOutcomes(ctx, testNow.Add(90*time.Minute))
		if err != nil {
			t.Fatalf("PruneOutcomes: %v", err)
		}
		if n != 2 {
			t.Fatalf("pruned = %d, want 2", n)
		}
		all, _ := st.ListOutcomes(ctx, 0, 0)
		if len(all) != 1 {
			t.Fatalf("remaining outcomes = %d, want 1", len(all))
		}
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pillcall.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seedPatient(t, st, 100010)
	rs := replace(t, st, 100010, testNow, reminder.Draft{
		Label: "weekly", Rule: recurrence.Weekly{Days: recurrence.NewWeekdaySet(time.Monday, time.Wednesday)},
		LocalTime: recurrence.Clock{Hour: 20},
	})
	if err := st.RecordOutcome(ctx, reminder.Outcome{AttemptID: uuid.New(), ReminderID: rs[0].ID, OwnerID: 100010, AttemptedAt: testNow, Class: reminder.ClassDelivered, Status: channel.StatusDelivered}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	r, err := st.Get(ctx, rs[0].ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	w, ok := r.Rule.(recurrence.Weekly)
	if !ok || !w.Days.Has(time.Wednesday) || !r.NextFireAt.Equal(rs[0].NextFireAt) {
		t.Fatalf("reopened reminder = %+v", r)
	}
	outs, _ := st.ListOutcomes(ctx, 100010, 0)
	if len(outs) != 1 {
		t.Fatalf("outcomes after reopen = %d, want 1", len(outs))
	}
	p, err := st.Patient(ctx, 100010)
	if err != nil || p.TimeZone != "Asia/Kolkata" {
		t.Fatalf("Patient after reopen = %+v, %v", p, err)
	}
}

func TestCanceledCallerDoesNotClaim(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		seedPatient(t, st, 100020)
		rs := replace(t, st, 100020, testNow, reminder.Draft{
			Label: "once", Rule: recurrence.OneOff{Date: recurrence.Date{Year: 2026, Month: time.October, Day: 13}},
			LocalTime: recurrence.Clock{Hour: 15},
		})
		due := rs[0].NextFireAt.Add(time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := st.ListDue(ctx, due, 0); err == nil {
			t.Fatal("ListDue with a canceled context succeeded")
		}
		if won, err := st.Claim(ctx, rs[0].ID, due); err == nil || won {
			t.Fatalf("Claim with a canceled context = %v, %v", won, err)
		}
		r, err := st.Get(context.Background(), rs[0].ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !r.Active || r.LastFiredAt != nil {
			t.Fatalf("reminder consumed by a canceled claim: %+v", r)
		}
	})
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		seedPatient(t, st, 100030)
		rs := replace(t, st, 100030, testNow, reminder.Draft{Label: "daily", Rule: recurrence.Daily{}, LocalTime: recurrence.Clock{Hour: 15}})
		ctx := context.Background()
		if err := st.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		checks := map[string]error{}
		_, checks["Get"] = st.Get(ctx, rs[0].ID)
		_, checks["Upcoming"] = st.Upcoming(ctx, 100030, testNow, 0)
		checks["Deactivate"] = st.Deactivate(ctx, rs[0].ID, 100030)
		_, checks["Rearm"] = st.Rearm(ctx, rs[0].ID, testNow, 3)
		checks["RecordOutcome"] = st.RecordOutcome(ctx, reminder.Outcome{AttemptID: uuid.New(), ReminderID: rs[0].ID, OwnerID: 100030, AttemptedAt: testNow, Class: reminder.ClassDelivered, Status: channel.StatusDelivered})
		checks["PutPatient"] = st.PutPatient(ctx, registry.Patient{ID: 100031, Contact: "9876543210"})
		_, checks["Patient"] = st.Patient(ctx, 100030)
		for op, err := range checks {
			if err == nil {
				t.Errorf("%s on a closed store succeeded", op)
			}
		}
	})
}
