package app

import (
	"strings"
	"time"

	"pillcall/internal/channel"
	"pillcall/internal/config"
	"pillcall/internal/dispatch"
	"pillcall/internal/housekeeping"
	"pillcall/internal/httpapi"
	"pillcall/internal/recurrence"
	"pillcall/internal/storage"
	"pillcall/internal/worker"
	logx "pillcall/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled,
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

func mapCalculator(cfg *config.Config) recurrence.Calculator {
	return recurrence.Calculator{EmptyWeekFallback: cfg.Recurrence.EmptyWeekFallback}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
		MinConns:    sc.MinConns,
		Calculator:  mapCalculator(cfg),
	}, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	cc := cfg.Channel
	timeout, err := config.ParseDurationOrDefault("channel.telegram.timeout", cc.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return channel.Config{}, err
	}
	country := strings.TrimPrefix(strings.TrimSpace(cc.DefaultCountry), "+")
	if country == "" {
		country = "91"
	}
	return channel.Config{
		Driver: cc.Driver,
		Twilio: channel.TwilioConfig{
			AccountSID: cc.Twilio.AccountSID,
			AuthToken:  cc.Twilio.AuthToken,
			From:       cc.Twilio.From,
			Voice:      cc.Twilio.Voice,
		},
		Telegram: channel.TelegramConfig{
			Token:       cc.Telegram.Token,
			Timeout:     timeout,
			OpsChatID:   cc.Telegram.OpsChatID,
			OpsThreadID: cc.Telegram.OpsThreadID,
		},
		Phone: channel.E164{DefaultCountry: country, NationalDigits: cc.NationalDigits},
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	poll, err := config.ParseDurationOrDefault("dispatch.poll_interval", cfg.Dispatch.PollInterval, dispatch.DefaultPollInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	wait, err := config.ParseDurationOrDefault("dispatch.max_wait", cfg.Dispatch.MaxWait, dispatch.DefaultMaxWait)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		PollInterval:     poll,
		MaxWait:          wait,
		SubmitRatePerSec: cfg.Dispatch.SubmitRatePerSec,
		SubmitBurst:      cfg.Dispatch.SubmitBurst,
	}, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	wc := cfg.Worker
	interval, err := config.ParseDurationOrDefault("worker.interval", wc.Interval, worker.DefaultInterval)
	if err != nil {
		return worker.Config{}, err
	}
	outcomeTimeout, err := config.ParseDurationOrDefault("worker.outcome_timeout", wc.OutcomeTimeout, worker.DefaultOutcomeTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	delay, err := config.ParseDurationOrDefault("rearm.delay", cfg.Rearm.Delay, dispatch.DefaultRearmDelay)
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Enabled:        wc.IsEnabled(),
		Interval:       interval,
		MaxParallel:    wc.MaxParallel,
		BatchLimit:     wc.BatchLimit,
		InstanceID:     strings.TrimSpace(wc.InstanceID),
		Template:       wc.Message,
		OutcomeTimeout: outcomeTimeout,
		Rearm: dispatch.RearmPolicy{
			Enabled:     cfg.Rearm.Enabled,
			Delay:       delay,
			MaxAttempts: cfg.Rearm.MaxAttempts,
			Statuses:    cfg.Rearm.Statuses,
		},
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	rt, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:      cfg.HTTP.Enabled,
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		Token:        cfg.HTTP.Token,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		Pprof:        cfg.HTTP.Pprof,
	}, nil
}

func mapHousekeepingConfig(cfg *config.Config) (housekeeping.Config, error) {
	ret, err := config.ParseDurationOrDefault("housekeeping.retention", cfg.Housekeeping.Retention, housekeeping.DefaultRetention)
	if err != nil {
		return housekeeping.Config{}, err
	}
	return housekeeping.Config{
		Enabled:   cfg.Housekeeping.Enabled,
		Schedule:  cfg.Housekeeping.Schedule,
		Retention: ret,
		Timezone:  cfg.Housekeeping.Timezone,
	}, nil
}

// validate is the reload gate: static checks plus every mapping.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := housekeeping.Validate(cfg.Housekeeping.Schedule); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapChannelConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := mapHousekeepingConfig(cfg)
	return err
}
