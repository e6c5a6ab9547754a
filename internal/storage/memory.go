package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
	logx "pillcall/pkg/logx"
)

// memStore keeps everything in maps guarded by one mutex. Claim holds the
// mutex across check and update, which is the compare-and-set.
//
// The file driver reuses it with persist/journal hooks that run under mu.
type memStore struct {
	mu   sync.Mutex
	calc recurrence.Calculator
	log  logx.Logger

	seq       int64
	reminders map[int64]*reminder.Reminder
	patients  map[int64]registry.Patient
	outcomes  []reminder.Outcome

	persist func() error
	journal func(o reminder.Outcome) error
	pruned  func() error
	closed  bool
}

func newMemStore(cfg Config, log logx.Logger) *memStore {
	return &memStore{
		calc:      cfg.Calculator,
		log:       log,
		reminders: map[int64]*reminder.Reminder{},
		patients:  map[int64]registry.Patient{},
	}
}

func openMemory(cfg Config, log logx.Logger) (Store, error) {
	return newMemStore(cfg, log), nil
}

// NewMemory returns an empty in-process store.
func NewMemory(calc recurrence.Calculator) Store {
	return newMemStore(Config{Driver: "memory", Calculator: calc}, logx.Nop())
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// usableLocked reports a closed store or a canceled caller.
func (s *memStore) usableLocked(ctx context.Context, op string) error {
	if s.closed {
		return transient(op, ErrClosed)
	}
	return ctx.Err()
}

func (s *memStore) commitLocked(op string) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist(); err != nil {
		return transient(op, err)
	}
	return nil
}

func (s *memStore) ListDue(ctx context.Context, now time.Time, limit int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "list due"); err != nil {
		return nil, err
	}
	out := make([]reminder.Reminder, 0)
	for _, r := range s.reminders {
		if r.Due(now) {
			out = append(out, clone(r))
		}
	}
	sortByNextFire(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "claim"); err != nil {
		return false, err
	}
	r, ok := s.reminders[id]
	if !ok || !r.Due(now) {
		return false, nil
	}
	loc := s.zoneLocked(r.OwnerID)
	next, active := reminder.PlanClaim(s.calc, *r, loc, now)

	prev := *r
	fired := now.UTC()
	r.NextFireAt = next
	r.Active = active
	r.LastFiredAt = &fired
	if err := s.commitLocked("claim"); err != nil {
		*r = prev
		return false, err
	}
	return true, nil
}

func (s *memStore) Deactivate(ctx context.Context, id, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "deactivate"); err != nil {
		return err
	}
	r, ok := s.reminders[id]
	if !ok || r.OwnerID != ownerID {
		return ErrNotFound
	}
	if !r.Active && r.DeactivatedAt != nil {
		return nil
	}
	prev := *r
	at := time.Now().UTC()
	r.Active = false
	r.DeactivatedAt = &at
	if err := s.commitLocked("deactivate"); err != nil {
		*r = prev
		return err
	}
	return nil
}

func (s *memStore) ReplaceSchedule(ctx context.Context, ownerID int64, drafts []reminder.Draft, now time.Time) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "replace schedule"); err != nil {
		return nil, err
	}
	p, ok := s.patients[ownerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", registry.ErrUnknownPatient, ownerID)
	}
	loc, err := registry.LoadZone(p.TimeZone)
	if err != nil {
		return nil, err
	}

	old := map[int64]*reminder.Reminder{}
	for id, r := range s.reminders {
		if r.OwnerID == ownerID {
			old[id] = r
			delete(s.reminders, id)
		}
	}
	prevSeq := s.seq
	out := make([]reminder.Reminder, 0, len(drafts))
	for _, d := range drafts {
		r := reminder.Arm(s.calc, ownerID, d, loc, now)
		s.seq++
		r.ID = s.seq
		s.reminders[r.ID] = &r
		out = append(out, clone(&r))
	}
	if err := s.commitLocked("replace schedule"); err != nil {
		for _, r := range out {
			delete(s.reminders, r.ID)
		}
		for id, r := range old {
			s.reminders[id] = r
		}
		s.seq = prevSeq
		return nil, err
	}
	return out, nil
}

func (s *memStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "get"); err != nil {
		return reminder.Reminder{}, err
	}
	r, ok := s.reminders[id]
	if !ok {
		return reminder.Reminder{}, ErrNotFound
	}
	return clone(r), nil
}

func (s *memStore) Upcoming(ctx context.Context, ownerID int64, now time.Time, limit int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "upcoming"); err != nil {
		return nil, err
	}
	out := make([]reminder.Reminder, 0)
	for _, r := range s.reminders {
		if r.OwnerID == ownerID && r.Active && r.NextFireAt.After(now) {
			out = append(out, clone(r))
		}
	}
	sortByNextFire(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Rearm(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "rearm"); err != nil {
		return false, err
	}
	r, ok := s.reminders[id]
	if !ok || r.DeactivatedAt != nil || r.RearmCount >= maxAttempts {
		return false, nil
	}
	prev := *r
	if !r.Active || at.Before(r.NextFireAt) {
		r.NextFireAt = at.UTC()
	}
	r.Active = true
	r.RearmCount++
	if err := s.commitLocked("rearm"); err != nil {
		*r = prev
		return false, err
	}
	return true, nil
}

func (s *memStore) RecordOutcome(ctx context.Context, o reminder.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "record outcome"); err != nil {
		return err
	}
	if s.journal != nil {
		if err := s.journal(o); err != nil {
			return transient("record outcome", err)
		}
	}
	s.outcomes = append(s.outcomes, o)
	if r, ok := s.reminders[o.ReminderID]; ok && o.Class == reminder.ClassDelivered && r.RearmCount != 0 {
		r.RearmCount = 0
		return s.commitLocked("record outcome")
	}
	return nil
}

func (s *memStore) ListOutcomes(ctx context.Context, ownerID int64, limit int) ([]reminder.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "list outcomes"); err != nil {
		return nil, err
	}
	out := make([]reminder.Outcome, 0)
	for i := len(s.outcomes) - 1; i >= 0; i-- {
		o := s.outcomes[i]
		if ownerID != 0 && o.OwnerID != ownerID {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) PruneOutcomes(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "prune outcomes"); err != nil {
		return 0, err
	}
	kept := s.outcomes[:0]
	var n int64
	for _, o := range s.outcomes {
		if o.AttemptedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, o)
	}
	s.outcomes = kept
	if n > 0 && s.pruned != nil {
		if err := s.pruned(); err != nil {
			return n, transient("prune outcomes", err)
		}
	}
	return n, nil
}

func (s *memStore) PutPatient(ctx context.Context, p registry.Patient) error {
	if p.ID <= 0 {
		return fmt.Errorf("storage: patient id must be > 0")
	}
	if _, err := registry.LoadZone(p.TimeZone); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "put patient"); err != nil {
		return err
	}
	prev, had := s.patients[p.ID]
	if strings.TrimSpace(p.TimeZone) == "" {
		p.TimeZone = registry.DefaultTimeZone
	}
	p.UpdatedAt = time.Now().UTC()
	s.patients[p.ID] = p
	if err := s.commitLocked("put patient"); err != nil {
		if had {
			s.patients[p.ID] = prev
		} else {
			delete(s.patients, p.ID)
		}
		return err
	}
	return nil
}

func (s *memStore) Patient(ctx context.Context, id int64) (registry.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(ctx, "patient"); err != nil {
		return registry.Patient{}, err
	}
	p, ok := s.patients[id]
	if !ok {
		return registry.Patient{}, fmt.Errorf("%w: %d", registry.ErrUnknownPatient, id)
	}
	return p, nil
}

func (s *memStore) zoneLocked(ownerID int64) *time.Location {
	loc, err := registry.LoadZone(s.patients[ownerID].TimeZone)
	if err != nil {
		s.log.Warn("owner zone invalid; using default", logx.Int64("owner_id", ownerID), logx.Err(err))
		loc, _ = registry.LoadZone("")
	}
	return loc
}

func clone(r *reminder.Reminder) reminder.Reminder {
	c := *r
	if r.LastFiredAt != nil {
		t := *r.LastFiredAt
		c.LastFiredAt = &t
	}
	if r.DeactivatedAt != nil {
		t := *r.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return c
}

func sortByNextFire(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].NextFireAt.Equal(rs[j].NextFireAt) {
			return rs[i].NextFireAt.Before(rs[j].NextFireAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
