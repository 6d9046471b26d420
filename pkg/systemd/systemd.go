// Package systemd reports service state to systemd. Every call is a no-op
// when the process was not started by systemd with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() (bool, error)    { return daemon.SdNotify(false, daemon.SdNotifyReady) }
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }
func Reloading() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReloading)
}

func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// It returns immediately when the watchdog is not enabled for this unit.
func Watchdog(ctx context.Context) {
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
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
