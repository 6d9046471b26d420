// Package app wires the bot together: config, logging, chat transport,
// event scheduler, command router, notifier, periodic tasks and storage.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"bnoobot/internal/commands"
	"bnoobot/internal/config"
	"bnoobot/internal/eventbus"
	"bnoobot/internal/events"
	"bnoobot/internal/notifier"
	"bnoobot/internal/observability/debug"
	"bnoobot/internal/router"
	rtsup "bnoobot/internal/runtime/supervisor"
	"bnoobot/internal/storage"
	"bnoobot/internal/tasks"
	"bnoobot/internal/transport"
	"bnoobot/internal/transport/discord"
	"bnoobot/internal/transport/telegram"
	"bnoobot/internal/watch/chess"
	"bnoobot/internal/watch/twitch"
	logx "bnoobot/pkg/logx"
	"bnoobot/pkg/systemd"
)

// Event targets of one adapter share this send budget.
const (
	targetRatePerSec = 5
	targetBurst      = 5
)

type Option func(*options)

type options struct {
	adapter transport.Adapter
	http    *http.Client
}

// WithAdapter replaces the adapter built from transport config.
func WithAdapter(a transport.Adapter) Option { return func(o *options) { o.adapter = a } }

// WithHTTPClient sets the client used by HTTP pollers.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.http = c } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	events  *events.Scheduler
	notif   *notifier.Service
	tasks   *tasks.Service
	router  *router.Router
	debug   *debug.Server
	http    *http.Client

	// twitchCfg is the section behind the registered Twitch watcher. Only
	// Start and the reload loop touch it.
	twitchCfg *config.TwitchConfig

	started time.Time

	updates chan transport.Update
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// The chat sink needs the adapter and the adapter needs a logger, so the
	// sender is attached after the adapter exists.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	ad := o.adapter
	if ad == nil {
		ad, err = newAdapter(cfg, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
	}
	logSvc.SetSender(ad)

	bus := eventbus.New()

	var store storage.Store
	if sc, ok := mapStorage(cfg); ok {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sched := events.New(mapEvents(cfg), log.With(logx.String("comp", "events")), bus)
	notif := notifier.New(mapNotifier(cfg), ad, log.With(logx.String("comp", "notifier")), bus, store)
	taskSvc := tasks.New(mapTasks(cfg), log.With(logx.String("comp", "tasks")), bus)

	rt := router.New(mapRouter(cfg), ad, log.With(logx.String("comp", "router")))
	set := commands.New(commands.Deps{
		Events:  sched,
		Limiter: rate.NewLimiter(targetRatePerSec, targetBurst),
		Log:     log.With(logx.String("comp", "commands")),
	})
	rt.SetCommands(set.Commands())

	hc := o.http
	if hc == nil {
		hc = &http.Client{}
	}

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		events:  sched,
		notif:   notif,
		tasks:   taskSvc,
		router:  rt,
		http:    hc,
		updates: make(chan transport.Update, 256),
	}
	a.debug = debug.New(mapDebug(cfg), a.status, log.With(logx.String("comp", "debug")))
	return a, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	t := cfg.Transport
	switch strings.ToLower(strings.TrimSpace(t.Driver)) {
	case "discord":
		return discord.New(discord.Config{Token: t.Discord.Token}, log.With(logx.String("comp", "discord")))
	case "telegram":
		return telegram.New(telegram.Config{
			Token:       t.Telegram.Token,
			PollTimeout: config.DurationOr(t.Telegram.PollTimeout, 10*time.Second),
		}, log.With(logx.String("comp", "telegram")))
	default:
		return nil, fmt.Errorf("transport.driver: unknown driver %q", t.Driver)
	}
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Events exposes the scheduler for callers embedding the app.
func (a *App) Events() *events.Scheduler { return a.events }

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Chess.Enabled {
			if _, err := chess.New(mapChess(cfg, a.adapter.Name()), a.notif, a.http, logx.Nop()); err != nil {
				return err
			}
		}
		if cfg.Twitch.Enabled {
			if _, err := twitch.New(mapTwitch(cfg, a.adapter.Name()), a.notif, a.http, logx.Nop()); err != nil {
				return err
			}
		}
		return nil
	})

	// Subscribe before anything can publish.
	busCh, unsubBus := a.bus.Subscribe(256)

	if err := a.adapter.Start(run, a.updates); err != nil {
		unsubBus()
		a.sup.Cancel()
		return fmt.Errorf("transport %s: %w", a.adapter.Name(), err)
	}

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	cfg := a.cfgm.Get()
	if err := a.applyChess(cfg); err != nil {
		a.log.Warn("chess watcher not started", logx.Err(err))
	}
	if err := a.applyTwitch(cfg); err != nil {
		a.log.Warn("twitch watcher not started", logx.Err(err))
	}
	if a.tasks.Enabled() {
		a.tasks.Start(run)
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go0("audit", func(c context.Context) {
		defer unsubBus()
		a.auditLoop(c, busCh)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", systemd.Watchdog)
	if err := a.debug.Start(run); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
	}

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.String("transport", a.adapter.Name()),
		logx.String("prefix", a.router.Prefix()),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("tasks", a.tasks.Enabled()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyChess registers or removes the chess watcher for cfg.
func (a *App) applyChess(cfg *config.Config) error {
	if !cfg.Chess.Enabled {
		if a.tasks.Remove(chess.TaskName) {
			a.log.Info("chess watcher disabled")
		}
		return nil
	}
	w, err := chess.New(mapChess(cfg, a.adapter.Name()), a.notif, a.http, a.log.With(logx.String("comp", "chess")))
	if err != nil {
		return err
	}
	if err := w.Register(a.tasks); err != nil {
		return err
	}
	a.log.Info("chess watcher scheduled", logx.String("username", cfg.Chess.Username), logx.String("interval", cfg.Chess.Interval))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("tasks", 2*time.Second, func(c context.Context) error { a.tasks.Stop(c); return nil })
	step("events", 2*time.Second, func(c context.Context) error { a.events.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Supervised loops (router, audit, config) finish before storage closes.
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// applyTwitch registers or removes the Twitch live watcher for cfg. The
// watcher is only rebuilt when its section changed; a rebuilt watcher has no
// live state, so streamers already live are announced once more.
func (a *App) applyTwitch(cfg *config.Config) error {
	if !cfg.Twitch.Enabled {
		a.twitchCfg = nil
		if a.tasks.Remove(twitch.TaskName) {
			a.log.Info("twitch watcher disabled")
		}
		return nil
	}
	if a.twitchCfg != nil && reflect.DeepEqual(*a.twitchCfg, cfg.Twitch) {
		return nil
	}
	w, err := twitch.New(mapTwitch(cfg, a.adapter.Name()), a.notif, a.http, a.log.With(logx.String("comp", "twitch")))
	if err != nil {
		return err
	}
	if err := w.Register(a.tasks); err != nil {
		return err
	}
	tc := cfg.Twitch
	a.twitchCfg = &tc
	a.log.Info("twitch watcher scheduled", logx.Int("streamers", len(cfg.Twitch.Streamers)), logx.String("interval", cfg.Twitch.Interval))
	return nil
}
