package recurrence

import "time"

// scanDays covers one full week plus the anchor day.
const scanDays = 8

// Calculator computes the next firing instant of a rule.
//
// EmptyWeekFallback keeps the legacy behavior for a Weekly rule with no
// days: fire tomorrow at the clock time. When false (default) such a rule
// never fires and Next reports ok=false.
type Calculator struct {
	EmptyWeekFallback bool
}

// Next is Calculator{}.Next.
func Next(clock Clock, loc *time.Location, rule Rule, ref time.Time) (time.Time, bool) {
	return Calculator{}.Next(clock, loc, rule, ref)
}

// Next returns the first instant matching clock in loc that is strictly after
// ref (OneOff: the fixed instant, possibly in the past). Day arithmetic is
// done on the local calendar so DST shifts do not move the wall clock.
// The result is in UTC.
func (c Calculator) Next(clock Clock, loc *time.Location, rule Rule, ref time.Time) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	now := ref.In(loc)
	y, m, d := now.Date()

	at := func(offset int) time.Time {
		return time.Date(y, m, d+offset, clock.Hour, clock.Minute, 0, 0, loc)
	}

	switch r := rule.(type) {
	case Daily:
		t := at(0)
		if !t.After(ref) {
			t = at(1)
		}
		return t.UTC(), true

	case Weekly:
		if !r.Days.Empty() {
			for i := 0; i < scanDays; i++ {
				t := at(i)
				if r.Days.Has(t.Weekday()) && t.After(ref) {
					return t.UTC(), true
				}
			}
		}
		if c.EmptyWeekFallback {
			return at(1).UTC(), true
		}
		return time.Time{}, false

	case OneOff:
		od := r.Date
		t := time.Date(od.Year, od.Month, od.Day, clock.Hour, clock.Minute, 0, 0, loc)
		return t.UTC(), true
	}
	return time.Time{}, false
}
