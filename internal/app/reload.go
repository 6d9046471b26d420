package app

import (
	"context"
	"strings"
	"time"

	"bnoobot/internal/config"
	logx "bnoobot/pkg/logx"
)

// reloadLoop applies hot-reloaded configs. Transport and storage changes
// only take effect after a restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			if cfg == nil {
				continue
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	changed, fields := config.SummarizeChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RestartRequired(changed) {
		a.log.Warn("transport or storage config changed; restart required for it to take effect")
	}

	a.logs.Apply(mapLogging(newCfg))
	a.router.Apply(mapRouter(newCfg))
	a.events.Apply(mapEvents(newCfg))

	prevNotif := a.notif.Enabled()
	ncfg := mapNotifier(newCfg)
	a.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	if err := a.applyChess(newCfg); err != nil {
		a.log.Warn("invalid chess config; watcher unchanged", logx.Err(err))
	}
	if err := a.applyTwitch(newCfg); err != nil {
		a.log.Warn("invalid twitch config; watcher unchanged", logx.Err(err))
	}

	prevTasks := a.tasks.Enabled()
	tcfg := mapTasks(newCfg)
	a.tasks.Apply(tcfg)
	switch {
	case prevTasks && !tcfg.Enabled:
		a.log.Info("tasks disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.tasks.Stop(stopCtx)
		cancel()
	case !prevTasks && tcfg.Enabled:
		a.log.Info("tasks enabled via config")
		a.tasks.Start(ctx)
	}

	if err := a.debug.Reconfigure(ctx, mapDebug(newCfg)); err != nil {
		a.log.Warn("debug server not restarted", logx.Err(err))
	}

	a.log.Info("config applied", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}
