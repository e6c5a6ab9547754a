package dispatch

import (
	"time"

	"pillcall/internal/channel"
	"pillcall/internal/reminder"
)

const (
	DefaultRearmDelay       = 5 * time.Minute
	DefaultRearmMaxAttempts = 3
)

// RearmStatusSubmit opts channel submit failures into the rearm policy.
const RearmStatusSubmit = "submit"

// RearmPolicy decides whether a failed attempt schedules a retry firing.
// Disabled by default: a failed attempt simply waits for the next occurrence.
type RearmPolicy struct {
	Enabled     bool
	Delay       time.Duration
	MaxAttempts int
	// Statuses lists settled statuses that trigger a rearm, plus
	// RearmStatusSubmit for submit failures.
	Statuses []string
}

// DefaultRearmStatuses are the channel failures rearmed when no list is configured.
var DefaultRearmStatuses = []string{
	string(channel.StatusFailed),
	string(channel.StatusNoAnswer),
	string(channel.StatusBusy),
	string(channel.StatusCanceled),
}

func (p RearmPolicy) normalized() RearmPolicy {
	if p.Delay <= 0 {
		p.Delay = DefaultRearmDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRearmMaxAttempts
	}
	if len(p.Statuses) == 0 {
		p.Statuses = DefaultRearmStatuses
	}
	return p
}

// Wants reports if an outcome of class c with status st should be rearmed,
// and the instant of the retry firing. Unaddressable owners are never rearmed.
func (p RearmPolicy) Wants(c reminder.Class, st channel.Status, finished time.Time) (time.Time, bool) {
	if !p.Enabled {
		return time.Time{}, false
	}
	p = p.normalized()
	key := string(st)
	switch c {
	case reminder.ClassDelivered, reminder.ClassAddressFormat:
		return time.Time{}, false
	case reminder.ClassChannelSubmit:
		key = RearmStatusSubmit
	}
	for _, s := range p.Statuses {
		if s == key {
			return finished.Add(p.Delay).UTC(), true
		}
	}
	return time.Time{}, false
}

// Attempts returns the effective rearm bound.
func (p RearmPolicy) Attempts() int { return p.normalized().MaxAttempts }
