// Package tasks runs named periodic jobs on a robfig/cron clock.
//
// Each run gets its own timeout and panic recovery. A run that is due while
// the previous run of the same task is still busy is skipped.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"bnoobot/internal/eventbus"
	logx "bnoobot/pkg/logx"
)

// Job is one run of a task.
type Job func(ctx context.Context) error

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local time
}

// Bus event types. Data is a RunInfo.
const (
	TopicRunFailed  = "tasks.failed"
	TopicRunSkipped = "tasks.skipped"
)

type RunInfo struct {
	Name  string
	Took  time.Duration
	Error string
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Runs     uint64
	Failures uint64
	Skipped  uint64
	LastErr  string
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}

type taskDef struct {
	name    string
	spec    string
	parsed  ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	busy     atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	lastErr  atomic.Value // string
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	defs   map[string]*taskDef
	order  []string
	rng    *rand.Rand
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		bus: bus,
		cfg: cfg,
		// SecondOptional accepts 5- and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*taskDef{},
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change restarts the cron clock.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.c.Stop()
		s.startLocked()
	}
}

// AddSchedule registers (or replaces) the task name. The schedule is parsed
// with ParseSchedule; timeout <= 0 means no per-run timeout.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("cron %q: %w", ps.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &taskDef{name: name, spec: schedule, parsed: ps, timeout: timeout, job: job}
	s.defs[name] = d
	s.order = append(s.order, name)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", schedule), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Start begins triggering. It is a no-op when disabled or already started.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc), cron.WithLogger(cronLogger{s.log}))
	for _, name := range s.order {
		if err := s.registerLocked(s.defs[name]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("tasks started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.order)))
}

func (s *Service) registerLocked(d *taskDef) error {
	run := cron.FuncJob(func() { s.run(d) })
	switch d.parsed.Kind {
	case SpecInterval:
		sched, jitter := intervalWithSpread(d.parsed.Every, time.Now(), s.rng)
		d.entryID = s.c.Schedule(sched, run)
		if jitter > 0 {
			s.log.Debug("startup spread", logx.String("name", d.name), logx.Duration("jitter", jitter))
		}
		return nil
	default:
		id, err := s.c.AddJob(d.parsed.Cron, run)
		if err != nil {
			return err
		}
		d.entryID = id
		return nil
	}
}

// RunNow runs name once in the background, outside its schedule, subject to
// the same overlap rule.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	d, ok := s.defs[name]
	started := s.c != nil
	s.mu.Unlock()
	if !ok || !started {
		return false
	}
	go s.run(d)
	return true
}

func (s *Service) run(d *taskDef) {
	if !d.busy.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("task still running; skipped", logx.String("name", d.name))
		s.publish(TopicRunSkipped, RunInfo{Name: d.name})
		return
	}
	defer d.busy.Store(false)

	s.mu.Lock()
	base := s.ctx
	if base == nil || base.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.runs.Add(1)
	s.mu.Unlock()
	defer s.runs.Done()

	ctx := base
	cancel := func() {}
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(base, d.timeout)
	}
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.job(ctx)
	}()
	took := time.Since(start)
	d.runs.Add(1)

	if err != nil {
		d.failures.Add(1)
		d.lastErr.Store(err.Error())
		s.log.Warn("task failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		s.publish(TopicRunFailed, RunInfo{Name: d.name, Took: took, Error: err.Error()})
		return
	}
	d.lastErr.Store("")
	s.log.Debug("task done", logx.String("name", d.name), logx.Duration("took", took))
}

// Stop halts triggering, cancels running jobs and waits for them until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("tasks stopped")
	case <-ctx.Done():
		s.log.Warn("tasks stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.cfg.Timezone}
	for _, name := range s.order {
		d := s.defs[name]
		info := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Runs:     d.runs.Load(),
			Failures: d.failures.Load(),
			Skipped:  d.skipped.Load(),
		}
		info.LastErr, _ = d.lastErr.Load().(string)
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	sort.SliceStable(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

func (s *Service) publish(topic string, in RunInfo) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Data: in})
	}
}

// cronLogger routes robfig/cron's own logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
