// Package systemd sends sd_notify state to the service manager. Every
// call is a no-op when the process is not run by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "panelbot/pkg/logx"
)

func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// WatchdogInterval is half the configured WatchdogSec, or 0 when the
// watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings the service manager until ctx ends. healthy gates each
// ping so a wedged process gets restarted.
func Watchdog(ctx context.Context, healthy func() bool, log logx.Logger) {
	every := WatchdogInterval()
	if every <= 0 {
		return
	}
	log.Debug("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("skipping watchdog ping: runtime unhealthy")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Debug("watchdog ping failed", logx.Err(err))
			}
		}
	}
}
