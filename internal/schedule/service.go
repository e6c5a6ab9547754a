// Package schedule is the editing surface for patients and their reminders.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pillcall/internal/recurrence"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
	logx "pillcall/pkg/logx"
)

const (
	maxLabelLen     = 120
	maxRules        = 48
	DefaultListSize = 50
)

// Store is the subset of storage the editing surface writes through.
type Store interface {
	PutPatient(ctx context.Context, p registry.Patient) error
	Patient(ctx context.Context, id int64) (registry.Patient, error)
	ReplaceSchedule(ctx context.Context, ownerID int64, drafts []reminder.Draft, now time.Time) ([]reminder.Reminder, error)
	Deactivate(ctx context.Context, id, ownerID int64) error
	Upcoming(ctx context.Context, ownerID int64, now time.Time, limit int) ([]reminder.Reminder, error)
	ListOutcomes(ctx context.Context, ownerID int64, limit int) ([]reminder.Outcome, error)
}

// RuleInput is one reminder as submitted by an editor.
type RuleInput struct {
	Label  string   `json:"label"`
	Repeat string   `json:"repeat"` // everyday | custom | one_off
	Days   []string `json:"days,omitempty"`
	Date   string   `json:"date,omitempty"`
	At     string   `json:"at"` // HH:MM local
}

// Draft validates in and converts it to a storable draft.
func (in RuleInput) Draft() (reminder.Draft, error) {
	label := strings.TrimSpace(in.Label)
	if label == "" {
		return reminder.Draft{}, fmt.Errorf("%w: label is required", ErrInvalid)
	}
	if len(label) > maxLabelLen {
		return reminder.Draft{}, fmt.Errorf("%w: label longer than %d bytes", ErrInvalid, maxLabelLen)
	}
	clock, err := recurrence.ParseClock(in.At)
	if err != nil {
		return reminder.Draft{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	mode := in.Repeat
	if strings.TrimSpace(mode) == "" {
		mode = string(recurrence.ModeEveryday)
	}
	rule, err := recurrence.Decode(recurrence.Encoded{Mode: recurrence.Mode(mode), Days: in.Days, Date: in.Date})
	if err != nil {
		return reminder.Draft{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return reminder.Draft{Label: label, Rule: rule, LocalTime: clock}, nil
}

// View is how a reminder is shown to editors.
type View struct {
	ID        int64      `json:"id"`
	Label     string     `json:"label"`
	Repeat    string     `json:"repeat"`
	Days      []string   `json:"days,omitempty"`
	Date      string     `json:"date,omitempty"`
	At        string     `json:"at"`
	Active    bool       `json:"active"`
	NextFire  time.Time  `json:"next_fire_at"`
	LastFired *time.Time `json:"last_fired_at,omitempty"`
}

func ViewOf(r reminder.Reminder) View {
	enc := recurrence.Encode(r.Rule)
	return View{
		ID:        r.ID,
		Label:     r.Label,
		Repeat:    string(enc.Mode),
		Days:      enc.Days,
		Date:      enc.Date,
		At:        r.LocalTime.String(),
		Active:    r.Active,
		NextFire:  r.NextFireAt,
		LastFired: r.LastFiredAt,
	}
}

type Service struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log.With(logx.String("comp", "schedule")), now: time.Now}
}

// PutPatient creates or updates a patient. The contact is stored as given;
// it is normalized for the active channel at dispatch time.
func (s *Service) PutPatient(ctx context.Context, p registry.Patient) (registry.Patient, error) {
	if p.ID <= 0 {
		return registry.Patient{}, fmt.Errorf("%w: patient id must be positive", ErrInvalid)
	}
	p.FullName = strings.TrimSpace(p.FullName)
	p.Contact = strings.TrimSpace(p.Contact)
	p.TimeZone = strings.TrimSpace(p.TimeZone)
	if p.TimeZone == "" {
		p.TimeZone = registry.DefaultTimeZone
	}
	if _, err := registry.LoadZone(p.TimeZone); err != nil {
		return registry.Patient{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.PutPatient(ctx, p); err != nil {
		return registry.Patient{}, err
	}
	s.log.Info("patient saved", logx.Int64("owner_id", p.ID), logx.String("tz", p.TimeZone))
	return p, nil
}

// ReplaceSchedule swaps the owner's whole schedule. An empty list clears it.
func (s *Service) ReplaceSchedule(ctx context.Context, ownerID int64, rules []RuleInput) ([]View, error) {
	if len(rules) > maxRules {
		return nil, fmt.Errorf("%w: at most %d reminders per patient", ErrInvalid, maxRules)
	}
	drafts := make([]reminder.Draft, 0, len(rules))
	for i, in := range rules {
		d, err := in.Draft()
		if err != nil {
			return nil, fmt.Errorf("reminder %d: %w", i, err)
		}
		drafts = append(drafts, d)
	}
	rems, err := s.store.ReplaceSchedule(ctx, ownerID, drafts, s.now())
	if err != nil {
		return nil, err
	}
	s.log.Info("schedule replaced", logx.Int64("owner_id", ownerID), logx.Int("reminders", len(rems)))
	return views(rems), nil
}

func (s *Service) Deactivate(ctx context.Context, ownerID, id int64) error {
	if err := s.store.Deactivate(ctx, id, ownerID); err != nil {
		return err
	}
	s.log.Info("reminder deactivated", logx.Int64("owner_id", ownerID), logx.Int64("reminder_id", id))
	return nil
}

// Upcoming lists the owner's armed reminders in firing order.
func (s *Service) Upcoming(ctx context.Context, ownerID int64, limit int) ([]View, error) {
	if _, err := s.store.Patient(ctx, ownerID); err != nil {
		return nil, err
	}
	rems, err := s.store.Upcoming(ctx, ownerID, s.now(), listSize(limit))
	if err != nil {
		return nil, err
	}
	return views(rems), nil
}

func (s *Service) Outcomes(ctx context.Context, ownerID int64, limit int) ([]reminder.Outcome, error) {
	return s.store.ListOutcomes(ctx, ownerID, listSize(limit))
}

func listSize(n int) int {
	if n <= 0 || n > 500 {
		return DefaultListSize
	}
	return n
}

func views(rems []reminder.Reminder) []View {
	out := make([]View, 0, len(rems))
	for _, r := range rems {
		out = append(out, ViewOf(r))
	}
	return out
}
