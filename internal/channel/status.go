package channel

import "strings"

// Status is the channel-agnostic state of one notification attempt.
type Status string

const (
	StatusUnknown   Status = ""
	StatusRequested Status = "requested"
	StatusDialing   Status = "dialing"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusNoAnswer  Status = "no_answer"
	StatusBusy      Status = "busy"
	StatusCanceled  Status = "canceled"

	// StatusTimedOut is assigned locally when no terminal status was observed
	// within the wait bound. Channels never report it.
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether no further state change is expected from the channel.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled:
		return true
	}
	return false
}

// Final reports whether s ends an attempt, including the local timeout.
func (s Status) Final() bool { return s.Terminal() || s == StatusTimedOut }

func (s Status) String() string {
	if s == StatusUnknown {
		return "unknown"
	}
	return string(s)
}

// ParseStatus maps a stored status string back to a Status.
func ParseStatus(s string) Status {
	switch v := Status(strings.ToLower(strings.TrimSpace(s))); v {
	case StatusRequested, StatusDialing, StatusDelivered, StatusFailed,
		StatusNoAnswer, StatusBusy, StatusCanceled, StatusTimedOut:
		return v
	}
	return StatusUnknown
}
