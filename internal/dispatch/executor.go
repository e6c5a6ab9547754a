// Package dispatch places one notification attempt and follows it to a
// terminal status within a bounded wait.
package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pillcall/internal/channel"
	logx "pillcall/pkg/logx"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxWait      = 75 * time.Second
)

type Config struct {
	PollInterval time.Duration
	MaxWait      time.Duration

	// SubmitRatePerSec caps submits across all workers of this process.
	// <= 0 disables the limiter.
	SubmitRatePerSec float64
	SubmitBurst      int
}

// Result is the settled state of one attempt.
type Result struct {
	Status       channel.Status
	LastObserved channel.Status
	Polls        int
	Detail       string
}

// Executor drives the attempt state machine:
//
//	requested -> dialing -> {delivered, failed, no_answer, busy, canceled}
//
// with timed_out assigned locally when the wait bound elapses first.
type Executor struct {
	ch  channel.Channel
	log logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

// WithClock replaces the wall clock and the poll sleep. Used by tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func New(cfg Config, ch channel.Channel, log logx.Logger, opts ...Option) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{
		ch:    ch,
		log:   log.With(logx.String("comp", "dispatch")),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	e.Apply(cfg)
	return e
}

// Apply swaps timings and the submit limiter. In-flight waits keep the
// bounds they started with.
func (e *Executor) Apply(cfg Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	var lim *rate.Limiter
	if cfg.SubmitRatePerSec > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = max(1, int(cfg.SubmitRatePerSec))
		}
		lim = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), burst)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Executor) config() (Config, *rate.Limiter) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.limiter
}

// Channel returns the channel attempts are placed on.
func (e *Executor) Channel() channel.Channel { return e.ch }

// Dispatch submits exactly one attempt. Failures come back as *SubmitError.
func (e *Executor) Dispatch(ctx context.Context, addr string, msg channel.Message) (channel.Handle, error) {
	if e.ch == nil {
		return "", &SubmitError{Channel: "none", Err: ErrNoChannel}
	}
	_, lim := e.config()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", &SubmitError{Channel: e.ch.Name(), Err: err}
		}
	}
	h, err := e.ch.Submit(ctx, addr, msg)
	if err != nil {
		return "", &SubmitError{Channel: e.ch.Name(), Err: err}
	}
	e.log.Debug("attempt submitted", logx.String("handle", string(h)), logx.String("label", msg.Label))
	return h, nil
}

// AwaitTerminal polls h until the channel reports a terminal status or the
// wait bound elapses. After the deadline it fetches once more; a still
// non-terminal attempt settles as timed_out. Cancelling ctx settles the
// attempt as timed_out with detail "shutdown".
func (e *Executor) AwaitTerminal(ctx context.Context, h channel.Handle) Result {
	cfg, _ := e.config()
	deadline := e.now().Add(cfg.MaxWait)
	log := e.log.With(logx.String("handle", string(h)))

	var res Result
	observe := func() bool {
		st, err := e.ch.FetchStatus(ctx, h)
		res.Polls++
		if err != nil {
			log.Warn("status fetch failed", logx.Err(err))
			return false
		}
		if st != res.LastObserved {
			log.Info("attempt status changed",
				logx.String("from", res.LastObserved.String()),
				logx.String("to", st.String()),
			)
			res.LastObserved = st
		}
		if st.Terminal() {
			res.Status = st
			return true
		}
		return false
	}

	for {
		if ctx.Err() != nil {
			return e.shutdown(res)
		}
		if observe() {
			return res
		}
		remaining := deadline.Sub(e.now())
		if remaining <= 0 {
			break
		}
		if err := e.sleep(ctx, min(cfg.PollInterval, remaining)); err != nil {
			return e.shutdown(res)
		}
		if !e.now().Before(deadline) {
			break
		}
	}

	if ctx.Err() != nil {
		return e.shutdown(res)
	}
	if observe() {
		return res
	}
	res.Status = channel.StatusTimedOut
	res.Detail = "no terminal status within " + cfg.MaxWait.String()
	log.Warn("attempt timed out", logx.String("last", res.LastObserved.String()), logx.Int("polls", res.Polls))
	return res
}

func (e *Executor) shutdown(res Result) Result {
	res.Status = channel.StatusTimedOut
	res.Detail = "shutdown"
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
