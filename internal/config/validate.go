package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that can be checked without opening
// connections. It reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver))
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	dur("worker.interval", cfg.Worker.Interval)
	dur("worker.outcome_timeout", cfg.Worker.OutcomeTimeout)
	if cfg.Worker.MaxParallel < 0 || cfg.Worker.BatchLimit < 0 {
		errs = append(errs, errors.New("worker.max_parallel and worker.batch_limit must be >= 0"))
	}

	dur("dispatch.poll_interval", cfg.Dispatch.PollInterval)
	dur("dispatch.max_wait", cfg.Dispatch.MaxWait)
	if cfg.Dispatch.SubmitRatePerSec < 0 {
		errs = append(errs, errors.New("dispatch.submit_rate_per_sec must be >= 0"))
	}

	dur("rearm.delay", cfg.Rearm.Delay)
	for _, s := range cfg.Rearm.Statuses {
		switch s {
		case "failed", "no_answer", "busy", "canceled", "timed_out", "submit":
		default:
			errs = append(errs, fmt.Errorf("rearm.statuses: unknown status %q", s))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Channel.Driver)) {
	case "", "log", "dryrun", "dry-run":
	case "twilio":
		if cfg.Channel.Twilio.AccountSID == "" || cfg.Channel.Twilio.AuthToken == "" || cfg.Channel.Twilio.From == "" {
			errs = append(errs, errors.New("channel.twilio: account_sid, auth_token and from are required"))
		}
	case "telegram":
		if cfg.Channel.Telegram.Token == "" {
			errs = append(errs, errors.New("channel.telegram.token is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("channel.driver: unknown driver %q", cfg.Channel.Driver))
	}
	dur("channel.telegram.timeout", cfg.Channel.Telegram.Timeout)

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("housekeeping.retention", cfg.Housekeeping.Retention)
	if tz := strings.TrimSpace(cfg.Housekeeping.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("housekeeping.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}
