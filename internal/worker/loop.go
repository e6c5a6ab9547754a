// Package worker runs the poll, claim and dispatch cycle.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pillcall/internal/channel"
	"pillcall/internal/dispatch"
	"pillcall/internal/eventbus"
	"pillcall/internal/registry"
	"pillcall/internal/reminder"
	rtsup "pillcall/internal/runtime/supervisor"
	"pillcall/internal/storage"
	logx "pillcall/pkg/logx"
)

const (
	DefaultInterval       = 30 * time.Second
	DefaultMaxParallel    = 4
	DefaultOutcomeTimeout = 5 * time.Second
)

type Config struct {
	Enabled     bool
	Interval    time.Duration
	MaxParallel int
	BatchLimit  int
	InstanceID  string
	// Template is the message template; {label} is replaced by the reminder label.
	Template       string
	OutcomeTimeout time.Duration
	Rearm          dispatch.RearmPolicy
}

// Store is everything the loop needs from persistence.
type Store interface {
	DueLister
	Claimer
	RecordOutcome(ctx context.Context, o reminder.Outcome) error
	Rearm(ctx context.Context, id int64, at time.Time, maxAttempts int) (bool, error)
}

type Contacts interface {
	Contact(ctx context.Context, ownerID int64) (registry.Contact, error)
}

// Dispatcher places and follows one attempt. Implemented by *dispatch.Executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, addr string, msg channel.Message) (channel.Handle, error)
	AwaitTerminal(ctx context.Context, h channel.Handle) dispatch.Result
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	StartedAt  time.Time     `json:"started_at"`
	Took       time.Duration `json:"took"`
	Due        int           `json:"due"`
	Claimed    int           `json:"claimed"`
	Lost       int           `json:"lost"`
	Delivered  int           `json:"delivered"`
	Failed     int           `json:"failed"`
	Rearmed    int           `json:"rearmed"`
	Skipped    int           `json:"skipped,omitempty"`
	StoreError string        `json:"store_error,omitempty"`
}

type Loop struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store    Store
	poller   *Poller
	coord    *Coordinator
	contacts Contacts
	exec     Dispatcher

	now func() time.Time

	sup  *rtsup.Supervisor
	last atomic.Pointer[CycleReport]
}

func New(cfg Config, store Store, contacts Contacts, exec Dispatcher, bus eventbus.Bus, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = normalize(cfg)
	return &Loop{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "worker"), logx.String("instance", cfg.InstanceID)),
		bus:      bus,
		store:    store,
		poller:   NewPoller(store, cfg.BatchLimit),
		coord:    NewCoordinator(store),
		contacts: contacts,
		exec:     exec,
		now:      time.Now,
	}
}

func normalize(cfg Config) Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.OutcomeTimeout <= 0 {
		cfg.OutcomeTimeout = DefaultOutcomeTimeout
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()[:8]
	}
	return cfg
}

func (l *Loop) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Enabled
}

// Apply takes effect from the next cycle.
func (l *Loop) Apply(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.InstanceID == "" {
		cfg.InstanceID = l.cfg.InstanceID
	}
	l.cfg = normalize(cfg)
	l.poller = NewPoller(l.store, l.cfg.BatchLimit)
}

func (l *Loop) config() (Config, *Poller) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg, l.poller
}

// Last returns the most recent cycle report, or nil before the first cycle.
func (l *Loop) Last() *CycleReport { return l.last.Load() }

// Start runs one cycle immediately, then one cycle a full interval after
// the previous cycle completes. Cycles never overlap within one loop.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sup != nil {
		return
	}
	l.sup = rtsup.New(ctx, rtsup.WithLogger(l.log))
	l.sup.GoRestart("worker.loop", l.run)
	l.log.Info("service started", logx.Duration("interval", l.cfg.Interval), logx.Int("max_parallel", l.cfg.MaxParallel))
}

// Stop cancels the loop. An in-flight cycle settles its attempts as
// timed_out and still records their outcomes.
func (l *Loop) Stop(ctx context.Context) {
	start := time.Now()
	l.mu.Lock()
	sup := l.sup
	l.sup = nil
	l.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.log.Warn("stop incomplete", logx.Err(err))
	}
	l.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (l *Loop) run(ctx context.Context) error {
	for {
		l.RunCycle(ctx)
		cfg, _ := l.config()
		t := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// RunCycle polls once and dispatches every candidate it wins, with bounded
// parallelism. It returns after every attempt has settled.
func (l *Loop) RunCycle(ctx context.Context) CycleReport {
	cfg, poller := l.config()
	now := l.now().UTC()
	rep := CycleReport{StartedAt: now}
	defer func() {
		rep.Took = l.now().Sub(now)
		l.last.Store(&rep)
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeCycle, Data: rep})
	}()

	due, err := poller.Poll(ctx, now)
	if err != nil {
		rep.StoreError = err.Error()
		if ctx.Err() == nil {
			l.log.Warn("due query failed", logx.Err(err))
		}
		return rep
	}
	rep.Due = len(due)
	if len(due) == 0 {
		return rep
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(cfg.MaxParallel)
	for _, r := range due {
		g.Go(func() error {
			// Once stopping, leave unclaimed firings for the next worker.
			if ctx.Err() != nil {
				mu.Lock()
				rep.Skipped++
				mu.Unlock()
				return nil
			}
			o, claimed := l.process(ctx, cfg, r, now)
			mu.Lock()
			defer mu.Unlock()
			if !claimed {
				rep.Lost++
				return nil
			}
			rep.Claimed++
			if o.Class == reminder.ClassDelivered {
				rep.Delivered++
			} else {
				rep.Failed++
			}
			if o.Rearmed {
				rep.Rearmed++
			}
			return nil
		})
	}
	_ = g.Wait()

	l.log.Info("cycle finished",
		logx.Int("due", rep.Due),
		logx.Int("claimed", rep.Claimed),
		logx.Int("delivered", rep.Delivered),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
	)
	return rep
}

// process handles one candidate. The second result is false when another
// worker consumed the firing first or the claim itself failed.
func (l *Loop) process(ctx context.Context, cfg Config, r reminder.Reminder, now time.Time) (reminder.Outcome, bool) {
	log := l.log.With(logx.Int64("reminder_id", r.ID), logx.Int64("owner_id", r.OwnerID))

	won, err := l.coord.TryClaim(ctx, r, now)
	if err != nil {
		log.Warn("claim failed", logx.Err(err))
		return reminder.Outcome{}, false
	}
	if !won {
		log.Debug("claim lost")
		return reminder.Outcome{}, false
	}

	o := reminder.Outcome{
		AttemptID:   uuid.New(),
		ReminderID:  r.ID,
		OwnerID:     r.OwnerID,
		AttemptedAt: now,
		WorkerID:    cfg.InstanceID,
	}
	l.attempt(ctx, cfg, r, &o)
	o.FinishedAt = l.now().UTC()

	// Outcome writes outlive shutdown.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.OutcomeTimeout)
	defer cancel()

	if at, ok := cfg.Rearm.Wants(o.Class, o.Status, o.FinishedAt); ok {
		rearmed, err := l.store.Rearm(wctx, r.ID, at, cfg.Rearm.Attempts())
		if err != nil {
			log.Warn("rearm failed", logx.Err(err))
		}
		o.Rearmed = rearmed
	}
	if err := l.store.RecordOutcome(wctx, o); err != nil {
		log.Error("outcome not recorded", logx.Err(err), logx.String("attempt_id", o.AttemptID.String()))
	}

	lvl := log.Info
	if o.Class != reminder.ClassDelivered {
		lvl = log.Warn
	}
	lvl("attempt settled",
		logx.String("class", string(o.Class)),
		logx.String("status", o.Status.String()),
		logx.String("detail", o.Detail),
		logx.Bool("rearmed", o.Rearmed),
	)
	l.bus.Publish(eventbus.Event{Type: eventbus.TypeOutcome, Data: o})
	return o, true
}

func (l *Loop) attempt(ctx context.Context, cfg Config, r reminder.Reminder, o *reminder.Outcome) {
	contact, err := l.contacts.Contact(ctx, r.OwnerID)
	if err != nil {
		// A claimed firing is consumed either way; unreachable owners wait
		// for the next occurrence.
		o.Status = channel.StatusFailed
		o.Detail = err.Error()
		switch {
		case ctx.Err() != nil:
			settleShutdown(o)
		case storage.IsTransient(err):
			o.Class = reminder.ClassStoreUnavailable
		default:
			o.Class = reminder.ClassAddressFormat
		}
		return
	}

	h, err := l.exec.Dispatch(ctx, contact.Address, channel.Render(cfg.Template, r.Label))
	if err != nil {
		o.Status = channel.StatusFailed
		o.Class = reminder.ClassChannelSubmit
		o.Detail = err.Error()
		if ctx.Err() != nil {
			settleShutdown(o)
		}
		return
	}
	o.Handle = h

	res := l.exec.AwaitTerminal(ctx, h)
	o.Status = res.Status
	o.LastStatus = res.LastObserved
	o.Detail = res.Detail
	switch res.Status {
	case channel.StatusDelivered:
		o.Class = reminder.ClassDelivered
	case channel.StatusTimedOut:
		o.Class = reminder.ClassTimedOut
	default:
		o.Class = reminder.ClassChannelTerminal
	}
}

// settleShutdown marks an attempt cut short by Stop.
func settleShutdown(o *reminder.Outcome) {
	o.Status = channel.StatusTimedOut
	o.Class = reminder.ClassTimedOut
	o.Detail = "shutdown"
}
