package events

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"bnoobot/internal/eventbus"
	logx "bnoobot/pkg/logx"
)

// Event is a handle to one scheduled announcement. Its mutable fields are
// guarded by the owning Scheduler's mutex.
type Event struct {
	s *Scheduler

	id          string
	name        string
	description string
	attendees   []string
	target      Target
	delay       int
	createdAt   time.Time
	triggerAt   time.Time

	state State
	err   error
	timer *time.Timer
	done  chan struct{}
}

func (e *Event) ID() string   { return e.id }
func (e *Event) Name() string { return e.name }

// Done is closed once the event reaches a terminal state.
func (e *Event) Done() <-chan struct{} { return e.done }

// Info returns a copy of the event's current state.
func (e *Event) Info() Info {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.infoLocked()
}

// Wait blocks until the event fires, is cancelled or ctx ends.
func (e *Event) Wait(ctx context.Context) (State, error) {
	select {
	case <-e.done:
		e.s.mu.Lock()
		defer e.s.mu.Unlock()
		return e.state, e.err
	case <-ctx.Done():
		return StatePending, ctx.Err()
	}
}

func (e *Event) infoLocked() Info {
	in := Info{
		ID:           e.id,
		Name:         e.name,
		Description:  e.description,
		Attendees:    append([]string(nil), e.attendees...),
		Target:       e.target,
		DelayMinutes: e.delay,
		CreatedAt:    e.createdAt,
		TriggerTime:  e.triggerAt,
		State:        e.state,
	}
	if e.err != nil {
		in.Err = e.err.Error()
	}
	return in
}

// finishLocked moves e to a terminal state exactly once.
func (e *Event) finishLocked(st State, err error) bool {
	if e.state.Terminal() {
		return false
	}
	e.state = st
	e.err = err
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	close(e.done)
	return true
}

// Scheduler owns the pending events. Events are kept in an id-indexed arena
// plus an insertion-ordered id list; both change only under mu.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	fires  sync.WaitGroup

	mu     sync.Mutex
	cfg    Config
	order  []string
	byID   map[string]*Event
	closed bool
}

// New creates a Scheduler. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:    log,
		bus:    bus,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg.withDefaults(),
		byID:   map[string]*Event{},
	}
}

// Apply swaps the config. Already armed timers keep their trigger time.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Schedule registers an event that fires after delayMinutes, announces it to
// target and arms its timer. It returns once the announcement is delivered;
// use Event.Wait to block until the event fires.
//
// If the announcement cannot be delivered the event is dropped again and the
// returned error wraps ErrDelivery.
func (s *Scheduler) Schedule(ctx context.Context, name string, target Target, delayMinutes int, opts ...Option) (*Event, error) {
	if delayMinutes < 0 {
		return nil, fmt.Errorf("schedule %q: %w", name, ErrInvalidDelay)
	}
	if target == nil {
		return nil, fmt.Errorf("schedule %q: %w", name, ErrNilTarget)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	cfg := s.cfg
	if delayMinutes > MaxDelay(cfg.Unit) {
		s.mu.Unlock()
		return nil, fmt.Errorf("schedule %q: %w (max %d)", name, ErrDelayTooLarge, MaxDelay(cfg.Unit))
	}
	if cfg.MaxPending > 0 && len(s.order) >= cfg.MaxPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("schedule %q: %w (max %d)", name, ErrTooManyPending, cfg.MaxPending)
	}
	now := s.now().UTC()
	ev := &Event{
		s:         s,
		id:        uuid.NewString(),
		name:      name,
		target:    target,
		delay:     delayMinutes,
		createdAt: now,
		triggerAt: now.Add(time.Duration(delayMinutes) * cfg.Unit),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(ev)
		}
	}
	s.order = append(s.order, ev.id)
	s.byID[ev.id] = ev
	s.mu.Unlock()

	s.log.Info("event scheduled",
		logx.String("name", name),
		logx.String("id", ev.id),
		logx.Time("trigger_time", ev.triggerAt),
		logx.Int("delay_minutes", delayMinutes),
	)

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := target.Send(sctx, announceText(name, ev.description, delayMinutes))
	cancel()

	s.mu.Lock()
	if err != nil {
		s.detachLocked(ev.id)
		err = fmt.Errorf("announce %q: %w: %w", name, ErrDelivery, err)
		ev.finishLocked(StateFailed, err)
		s.mu.Unlock()
		s.log.Warn("event announcement failed; dropped", logx.String("name", name), logx.String("id", ev.id), logx.Err(err))
		return nil, err
	}
	if ev.state.Terminal() {
		// Removed while the announcement was in flight.
		s.mu.Unlock()
		return ev, nil
	}
	delay := ev.triggerAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	ev.timer = time.AfterFunc(delay, func() { s.fire(ev) })
	info := ev.infoLocked()
	s.mu.Unlock()

	s.publish(TopicScheduled, info)
	return ev, nil
}

// MaxDelay is the largest delay, in units, whose trigger offset still fits
// in a time.Duration.
func MaxDelay(unit time.Duration) int {
	if unit <= 0 {
		unit = time.Minute
	}
	n := int64(math.MaxInt64) / int64(unit)
	if n > int64(math.MaxInt) {
		return math.MaxInt
	}
	return int(n)
}

func (s *Scheduler) fire(ev *Event) {
	s.mu.Lock()
	if ev.state.Terminal() || s.byID[ev.id] != ev {
		s.mu.Unlock()
		return
	}
	s.detachLocked(ev.id)
	ev.timer = nil
	timeout := s.cfg.SendTimeout
	s.fires.Add(1)
	s.mu.Unlock()
	defer s.fires.Done()

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	err := ev.target.Send(ctx, firedText(ev.name))
	cancel()

	s.mu.Lock()
	if err != nil {
		err = fmt.Errorf("fire %q: %w: %w", ev.name, ErrDelivery, err)
		ev.finishLocked(StateFailed, err)
	} else {
		ev.finishLocked(StateFired, nil)
	}
	info := ev.infoLocked()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("event fire delivery failed", logx.String("name", ev.name), logx.String("id", ev.id), logx.Err(err))
		s.publish(TopicFailed, info)
		return
	}
	s.log.Info("event fired", logx.String("name", ev.name), logx.String("id", ev.id))
	s.publish(TopicFired, info)
}

// List returns the pending events in the order they were scheduled.
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].infoLocked())
	}
	return out
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Find returns the first pending event named name (exact, case-sensitive).
func (s *Scheduler) Find(name string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev := s.findLocked(name); ev != nil {
		return ev.infoLocked(), true
	}
	return Info{}, false
}

// Get returns the pending event with the given id.
func (s *Scheduler) Get(id string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.byID[id]; ok {
		return ev.infoLocked(), true
	}
	return Info{}, false
}

// Remove cancels the first pending event named name. It reports false, and
// changes nothing, when no such event exists.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	ev := s.findLocked(name)
	if ev == nil {
		s.mu.Unlock()
		s.log.Warn("event not found", logx.String("name", name))
		return false
	}
	s.detachLocked(ev.id)
	ev.finishLocked(StateCancelled, nil)
	info := ev.infoLocked()
	s.mu.Unlock()

	s.log.Info("event removed from schedule", logx.String("name", name), logx.String("id", ev.id))
	s.publish(TopicCancelled, info)
	return true
}

// Stop cancels every pending event and rejects new ones. It waits for
// in-flight fire deliveries until ctx ends; after that their send context is
// cancelled and Stop returns without waiting for targets that ignore it.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancelled := make([]Info, 0, len(s.order))
	for _, id := range s.order {
		ev := s.byID[id]
		ev.finishLocked(StateCancelled, ErrClosed)
		cancelled = append(cancelled, ev.infoLocked())
	}
	s.order = nil
	s.byID = map[string]*Event{}
	s.mu.Unlock()

	for _, in := range cancelled {
		s.publish(TopicCancelled, in)
	}

	done := make(chan struct{})
	go func() {
		s.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		s.log.Warn("scheduler stop deadline reached; in-flight deliveries abandoned", logx.Int("cancelled", len(cancelled)), logx.Err(ctx.Err()))
		return
	}
	s.cancel()
	s.log.Info("scheduler stopped", logx.Int("cancelled", len(cancelled)))
}

func (s *Scheduler) findLocked(name string) *Event {
	for _, id := range s.order {
		if ev := s.byID[id]; ev.name == name {
			return ev
		}
	}
	return nil
}

func (s *Scheduler) detachLocked(id string) {
	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Scheduler) publish(topic string, in Info) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: s.now(), Data: in})
}
