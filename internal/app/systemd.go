package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pillcall/pkg/logx"
)

// sdNotifier speaks the sd_notify protocol. Outside systemd every call is a no-op.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Watchdog pings systemd at half the configured WatchdogSec while healthy
// reports true. It returns at once when no watchdog is configured.
func (n sdNotifier) Watchdog(ctx context.Context, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy() {
				n.send(daemon.SdNotifyWatchdog)
			} else {
				n.log.Warn("worker stalled; withholding watchdog ping")
			}
		}
	}
}
