package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "briefbot/pkg/logx"
)

// notifier reports lifecycle state to systemd. Outside a Type=notify unit
// every call is a no-op.
type notifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdog returns the configured WatchdogSec, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func newNotifier(log logx.Logger) *notifier {
	return &notifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *notifier) send(state string) {
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *notifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// RunWatchdog pings systemd at half the configured interval until ctx is
// done. healthy is consulted before each ping; a false result skips the
// ping so systemd restarts a wedged process.
func (n *notifier) RunWatchdog(ctx context.Context, healthy func() bool) {
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping skipped: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
