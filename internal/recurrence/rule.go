package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrBadClock   = errors.New("recurrence: invalid clock")
	ErrBadWeekday = errors.New("recurrence: invalid weekday")
	ErrBadDate    = errors.New("recurrence: invalid date")
	ErrBadMode    = errors.New("recurrence: unknown repeat mode")
)

// Mode is the persisted discriminator of a Rule.
type Mode string

const (
	ModeEveryday Mode = "everyday"
	ModeCustom   Mode = "custom"
	ModeOneOff   Mode = "one_off"
)

// Rule is one of Daily, Weekly or OneOff.
type Rule interface {
	Mode() Mode
	isRule()
}

type Daily struct{}

// Weekly fires on the weekdays contained in Days. An empty set never fires.
type Weekly struct {
	Days WeekdaySet
}

// OneOff fires once on Date.
type OneOff struct {
	Date Date
}

func (Daily) Mode() Mode  { return ModeEveryday }
func (Weekly) Mode() Mode { return ModeCustom }
func (OneOff) Mode() Mode { return ModeOneOff }

func (Daily) isRule()  {}
func (Weekly) isRule() {}
func (OneOff) isRule() {}

// Clock is a wall-clock time of day (minute resolution).
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) Valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60
}

// ParseClock accepts "HH:MM" and "HH:MM:SS" (seconds are dropped).
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return Clock{}, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	c := Clock{Hour: h, Minute: m}
	if !c.Valid() {
		return Clock{}, fmt.Errorf("%w: %q", ErrBadClock, s)
	}
	return c, nil
}

// Date is a calendar date without a zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day) }

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrBadDate, s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// WeekdaySet is a bitmask over time.Weekday.
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s = s.With(d)
	}
	return s
}

func (s WeekdaySet) With(d time.Weekday) WeekdaySet { return s | 1<<uint(d) }
func (s WeekdaySet) Has(d time.Weekday) bool        { return s&(1<<uint(d)) != 0 }
func (s WeekdaySet) Empty() bool                    { return s == 0 }

// Days returns the members in Sunday-first order.
func (s WeekdaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

// Names returns three-letter names ("Mon", "Wed") Monday first, the format
// kept in storage.
func (s WeekdaySet) Names() []string {
	out := make([]string, 0, 7)
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if s.Has(d) {
			out = append(out, d.String()[:3])
		}
	}
	return out
}

// ParseWeekdays accepts short or long English names, case-insensitive.
func ParseWeekdays(names []string) (WeekdaySet, error) {
	var s WeekdaySet
	for _, n := range names {
		d, ok := parseWeekday(n)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrBadWeekday, n)
		}
		s = s.With(d)
	}
	return s, nil
}

func parseWeekday(n string) (time.Weekday, bool) {
	n = strings.ToLower(strings.TrimSpace(n))
	if len(n) < 3 {
		return 0, false
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, true
		}
	}
	return 0, false
}

// Encoded is the storage form of a Rule.
type Encoded struct {
	Mode Mode     `json:"repeat_mode"`
	Days []string `json:"days_of_week,omitempty"`
	Date string   `json:"local_date,omitempty"`
}

func Encode(r Rule) Encoded {
	switch v := r.(type) {
	case Weekly:
		return Encoded{Mode: ModeCustom, Days: v.Days.Names()}
	case OneOff:
		return Encoded{Mode: ModeOneOff, Date: v.Date.String()}
	default:
		return Encoded{Mode: ModeEveryday}
	}
}

func Decode(e Encoded) (Rule, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(string(e.Mode)))) {
	case ModeEveryday, "daily":
		return Daily{}, nil
	case ModeCustom, "weekly":
		days, err := ParseWeekdays(e.Days)
		if err != nil {
			return nil, err
		}
		return Weekly{Days: days}, nil
	case ModeOneOff, "oneoff":
		d, err := ParseDate(e.Date)
		if err != nil {
			return nil, err
		}
		return OneOff{Date: d}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadMode, e.Mode)
	}
}
