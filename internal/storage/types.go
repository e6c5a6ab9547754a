package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory"
//   - "file": Path is the snapshot prefix
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a pgx connection string
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only
	MinConns    int32         // postgres only

	// Calculator advances recurring reminders on claim and arms drafts.
	Calculator recurrence.Calculator
}

// Store is the persistence API used by the worker and the editing service.
type Store interface {
	// ListDue returns active reminders with NextFireAt <= now, oldest first.
	// limit <= 0 means no limit. The result is a snapshot; use Claim before acting.
	ListDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error)
	// Claim atomically consumes one due firing of id. It returns false, with
	// no side effects, if the reminder is no longer active and due.
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
	// Deactivate retires id regardless of its state. Repeating it is a no-op.
	Deactivate(ctx context.Context, id, ownerID int64) error
	// ReplaceSchedule drops every reminder of ownerID and inserts drafts,
	// armed at now in the owner's zone, in one transaction.
	ReplaceSchedule(ctx context.Context, ownerID int64, drafts []reminder.Draft, now time.Time) ([]reminder.Reminder, error)
	Get(ctx context.Context, id int64) (reminder.Reminder, error)
	// Upcoming lists active reminders of ownerID firing after now.
	Upcoming(ctx context.Context, ownerID int64, now time.Time, limit int) ([]reminder.Reminder, error)
	// Rearm re-arms id to fire no later than at, unless it was deactivated by
	// the owner or already rearmed maxAttempts times since its last delivery.
	Rearm(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error)

	RecordOutcome(ctx context.Context, o reminder.Outcome) error
	ListOutcomes(ctx context.Context, ownerID int64, limit int) ([]reminder.Outcome, error)
	PruneOutcomes(ctx context.Context, before time.Time) (int64, error)

	PutPatient(ctx context.Context, p registry.Patient) error
	Patient(ctx context.Context, id int64) (registry.Patient, error)

	Ping(ctx context.Context) error
	Close() error
}

// TransientError marks a failed store round trip. Callers skip the current
// unit of work and try again later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err came from a failed store round trip.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
