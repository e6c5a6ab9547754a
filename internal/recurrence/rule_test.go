package recurrence

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Clock
		ok   bool
	}{
		{raw: "08:00", want: Clock{Hour: 8}, ok: true},
		{raw: "23:59", want: Clock{Hour: 23, Minute: 59}, ok: true},
		{raw: "07:30:00", want: Clock{Hour: 7, Minute: 30}, ok: true},
		{raw: "24:00"},
		{raw: "8"},
		{raw: "aa:bb"},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.raw)
		if tt.ok {
			if err != nil {
				t.Fatalf("ParseClock(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseClock(%q) = %v, want %v", tt.raw, got, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrBadClock) {
			t.Fatalf("ParseClock(%q) err = %v, want ErrBadClock", tt.raw, err)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	s, err := ParseWeekdays([]string{"Mon", "wednesday", "SUN"})
	if err != nil {
		t.Fatalf("ParseWeekdays error: %v", err)
	}
	want := []time.Weekday{time.Sunday, time.Monday, time.Wednesday}
	if got := s.Days(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Days = %v, want %v", got, want)
	}
	if got := s.Names(); !reflect.DeepEqual(got, []string{"Mon", "Wed", "Sun"}) {
		t.Fatalf("Names = %v", got)
	}
	if _, err := ParseWeekdays([]string{"Funday"}); !errors.Is(err, ErrBadWeekday) {
		t.Fatalf("err = %v, want ErrBadWeekday", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	rules := []Rule{
		Daily{},
		Weekly{Days: NewWeekdaySet(time.Monday, time.Friday)},
		Weekly{},
		OneOff{Date: Date{Year: 2026, Month: time.December, Day: 25}},
	}
	for _, r := range rules {
		enc := Encode(r)
		if enc.Mode != r.Mode() {
			t.Fatalf("Encode(%#v).Mode = %s, want %s", r, enc.Mode, r.Mode())
		}
		got, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%+v) error: %v", enc, err)
		}
		if got != r {
			t.Fatalf("Decode(Encode(%#v)) = %#v", r, got)
		}
	}

	if _, err := Decode(Encoded{Mode: "hourly"}); !errors.Is(err, ErrBadMode) {
		t.Fatalf("err = %v, want ErrBadMode", err)
	}
}
