// Package reminder holds the persisted reminder model and the dispatch audit record.
package reminder

import (
	"time"

	"github.com/google/uuid"

	"pillcall/internal/channel"
	"pillcall/internal/recurrence"
)

// Reminder is one scheduled notification for an owner.
//
// NextFireAt only moves forward, except when the rearm policy pulls it
// back to a short retry delay.
type Reminder struct {
	ID        int64
	OwnerID   int64
	Label     string
	Rule      recurrence.Rule
	LocalTime recurrence.Clock

	NextFireAt    time.Time
	Active        bool
	LastFiredAt   *time.Time
	DeactivatedAt *time.Time
	RearmCount    int
	CreatedAt     time.Time
}

// Due reports whether r is armed and its instant has passed.
func (r Reminder) Due(now time.Time) bool {
	return r.Active && !r.NextFireAt.After(now)
}

// OneOff reports whether claiming r retires it.
func (r Reminder) OneOff() bool {
	_, ok := r.Rule.(recurrence.OneOff)
	return ok
}

// Draft is an editing request for one reminder. NextFireAt is filled in by
// the store when the draft is inserted.
type Draft struct {
	Label     string
	Rule      recurrence.Rule
	LocalTime recurrence.Clock
}

// Arm builds the stored form of d for ownerID at now in loc.
// A rule that never fires is stored inactive.
func Arm(calc recurrence.Calculator, ownerID int64, d Draft, loc *time.Location, now time.Time) Reminder {
	next, ok := calc.Next(d.LocalTime, loc, d.Rule, now)
	if !ok {
		next = now.UTC()
	}
	return Reminder{
		OwnerID:    ownerID,
		Label:      d.Label,
		Rule:       d.Rule,
		LocalTime:  d.LocalTime,
		NextFireAt: next,
		Active:     ok,
		CreatedAt:  now.UTC(),
	}
}

// PlanClaim returns the state r moves to when claimed at now: OneOff (and a
// rule with no future occurrence) retires, recurring rules advance strictly
// past now.
func PlanClaim(calc recurrence.Calculator, r Reminder, loc *time.Location, now time.Time) (next time.Time, active bool) {
	if r.OneOff() {
		return r.NextFireAt, false
	}
	n, ok := calc.Next(r.LocalTime, loc, r.Rule, now)
	if !ok {
		return r.NextFireAt, false
	}
	return n, true
}

// Class groups outcomes for operators.
type Class string

const (
	ClassDelivered        Class = "delivered"
	ClassAddressFormat    Class = "address_format"
	ClassChannelSubmit    Class = "channel_submit"
	ClassChannelTerminal  Class = "channel_terminal"
	ClassTimedOut         Class = "timed_out"
	ClassStoreUnavailable Class = "store_unavailable" // owner lookup hit a transient store error
)

// Outcome is the audit record of one claimed dispatch attempt.
type Outcome struct {
	AttemptID   uuid.UUID      `json:"attempt_id"`
	ReminderID  int64          `json:"reminder_id"`
	OwnerID     int64          `json:"owner_id"`
	AttemptedAt time.Time      `json:"attempted_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Handle      channel.Handle `json:"channel_handle,omitempty"`
	Status      channel.Status `json:"terminal_status"`
	LastStatus  channel.Status `json:"last_status,omitempty"`
	Class       Class          `json:"class"`
	Detail      string         `json:"error_detail,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Rearmed     bool           `json:"rearmed,omitempty"`
}
