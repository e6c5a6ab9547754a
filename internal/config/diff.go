package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pillcall/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) safe
// structured attrs for logging (never secrets), and (3) the changed sections
// that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 2)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", newCfg.Logging.Ops.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) || oldCfg.Recurrence != newCfg.Recurrence {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Bool("worker.enabled", newCfg.Worker.IsEnabled()),
			logx.String("worker.interval", strings.TrimSpace(newCfg.Worker.Interval)),
			logx.Int("worker.max_parallel", newCfg.Worker.MaxParallel),
			logx.Int("worker.batch_limit", newCfg.Worker.BatchLimit),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.poll_interval", newCfg.Dispatch.PollInterval),
			logx.String("dispatch.max_wait", newCfg.Dispatch.MaxWait),
			logx.Float64("dispatch.submit_rate_per_sec", newCfg.Dispatch.SubmitRatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rearm, newCfg.Rearm) {
		changed = append(changed, "rearm")
		attrs = append(attrs,
			logx.Bool("rearm.enabled", newCfg.Rearm.Enabled),
			logx.String("rearm.delay", newCfg.Rearm.Delay),
			logx.Int("rearm.max_attempts", newCfg.Rearm.MaxAttempts),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", newCfg.Housekeeping.Enabled),
			logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule),
		)
	}

	// Storage, channel and listener are bound at startup. Never log the DSN or tokens.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Channel != newCfg.Channel {
		changed = append(changed, "channel")
		restart = append(restart, "channel")
		attrs = append(attrs, logx.String("channel.driver", newCfg.Channel.Driver))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
