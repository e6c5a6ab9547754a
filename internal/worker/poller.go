package worker

import (
	"context"
	"time"

	"pillcall/internal/reminder"
)

// DueLister is the read side of the reminder store.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error)
}

// Claimer is the atomic consume side of the reminder store.
type Claimer interface {
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
}

// Poller reads the due set. Its result is a snapshot: any other worker may
// consume the same rows first, so nothing is dispatched without a claim.
type Poller struct {
	store DueLister
	limit int
}

func NewPoller(store DueLister, limit int) *Poller {
	return &Poller{store: store, limit: limit}
}

func (p *Poller) Poll(ctx context.Context, now time.Time) ([]reminder.Reminder, error) {
	return p.store.ListDue(ctx, now, p.limit)
}

// Coordinator turns a candidate into exclusive dispatch rights.
type Coordinator struct {
	store Claimer
}

func NewCoordinator(store Claimer) *Coordinator { return &Coordinator{store: store} }

// TryClaim reports whether this caller won the firing of r due at now.
// Only a true result authorises a dispatch.
func (c *Coordinator) TryClaim(ctx context.Context, r reminder.Reminder, now time.Time) (bool, error) {
	return c.store.Claim(ctx, r.ID, now)
}
