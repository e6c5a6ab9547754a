// Package housekeeping runs periodic maintenance on a cron schedule.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "pillcall/pkg/logx"
)

const (
	DefaultSchedule  = "@daily"
	DefaultRetention = 90 * 24 * time.Hour
)

type Config struct {
	Enabled bool
	// Schedule is a cron spec (seconds optional) or a descriptor like "@daily".
	Schedule  string
	Retention time.Duration
	Timezone  string
}

// Pruner drops outcomes finished before a cutoff.
type Pruner interface {
	PruneOutcomes(ctx context.Context, before time.Time) (int64, error)
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	store  Pruner
	parser cron.Parser
	c      *cron.Cron
	now    func() time.Time
}

func New(cfg Config, store Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "housekeeping")),
		store:  store,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// Validate reports whether spec parses with the service's parser.
func Validate(spec string) error {
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(scheduleOf(spec)); err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", spec, err)
	}
	return nil
}

func scheduleOf(spec string) string {
	if s := strings.TrimSpace(spec); s != "" {
		return s
	}
	return DefaultSchedule
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply restarts the cron with the new schedule when running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return
	}
	if old.Schedule != cfg.Schedule || old.Timezone != cfg.Timezone || !cfg.Enabled {
		s.stopLocked()
		if cfg.Enabled {
			s.startLocked()
		}
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		}
	}
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	spec := scheduleOf(s.cfg.Schedule)
	if _, err := c.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		s.log.Error("invalid schedule", logx.String("schedule", spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("service started", logx.String("schedule", spec), logx.String("tz", loc.String()))
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	// Running jobs take s.mu; don't wait for them here.
	s.c.Stop()
	s.c = nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// RunOnce prunes outcomes older than the retention window.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()
	if retention <= 0 {
		retention = DefaultRetention
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	cutoff := s.now().Add(-retention).UTC()
	n, err := s.store.PruneOutcomes(ctx, cutoff)
	if err != nil {
		s.log.Warn("outcome prune failed", logx.Err(err))
		return 0, err
	}
	s.log.Info("outcomes pruned", logx.Int64("removed", n), logx.Time("before", cutoff))
	return n, nil
}
