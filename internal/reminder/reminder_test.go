package reminder

import (
	"testing"
	"time"

	_ "time/tzdata"

	"pillcall/internal/recurrence"
)

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func TestArm(t *testing.T) {
	t.Parallel()
	loc := kolkata(t)
	now := time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC) // 14:30 local
	calc := recurrence.Calculator{}

	r := Arm(calc, 7, Draft{Label: "Evening", Rule: recurrence.Daily{}, LocalTime: recurrence.Clock{Hour: 15}}, loc, now)
	if !r.Active || r.OwnerID != 7 {
		t.Fatalf("Arm = %+v", r)
	}
	if want := time.Date(2026, 10, 13, 9, 30, 0, 0, time.UTC); !r.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %s, want %s", r.NextFireAt, want)
	}

	empty := Arm(calc, 7, Draft{Label: "Never", Rule: recurrence.Weekly{}, LocalTime: recurrence.Clock{Hour: 8}}, loc, now)
	if empty.Active {
		t.Fatal("weekly rule with no days should be stored inactive")
	}
}

func TestPlanClaim(t *testing.T) {
	t.Parallel()
	loc := kolkata(t)
	calc := recurrence.Calculator{}
	at := time.Date(2026, 10, 13, 9, 30, 0, 0, time.UTC)

	daily := Reminder{Rule: recurrence.Daily{}, LocalTime: recurrence.Clock{Hour: 15}, NextFireAt: at, Active: true}
	next, active := PlanClaim(calc, daily, loc, at.Add(time.Second))
	if !active || !next.Equal(at.Add(24*time.Hour)) {
		t.Fatalf("daily PlanClaim = %s, %v", next, active)
	}

	// A claim long after the due instant still lands strictly in the future.
	late := at.Add(72*time.Hour + time.Minute)
	next, _ = PlanClaim(calc, daily, loc, late)
	if !next.After(late) {
		t.Fatalf("PlanClaim returned %s, not after %s", next, late)
	}

	one := Reminder{Rule: recurrence.OneOff{Date: recurrence.Date{Year: 2026, Month: time.October, Day: 13}}, LocalTime: recurrence.Clock{Hour: 15}, NextFireAt: at, Active: true}
	next, active = PlanClaim(calc, one, loc, at)
	if active || !next.Equal(at) {
		t.Fatalf("one-off PlanClaim = %s, %v", next, active)
	}
	if !one.OneOff() || daily.OneOff() {
		t.Fatal("OneOff misreported")
	}
}

func TestDue(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 10, 13, 9, 30, 0, 0, time.UTC)
	r := Reminder{Active: true, NextFireAt: at}
	if !r.Due(at) || r.Due(at.Add(-time.Second)) {
		t.Fatal("Due boundary wrong")
	}
	r.Active = false
	if r.Due(at) {
		t.Fatal("inactive reminder reported due")
	}
}
