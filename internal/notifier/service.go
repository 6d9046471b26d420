package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bnoobot/internal/eventbus"
	rtsup "bnoobot/internal/runtime/supervisor"
	"bnoobot/internal/storage"
	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

const historySize = 200

type job struct {
	n   transport.Notification
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is the async pipeline: queue, worker pool, rate limit, retry and
// dedup. It is safe for concurrent use.
type Service struct {
	log     logx.Logger
	adapter transport.Adapter
	bus     eventbus.Bus
	store   storage.Store

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	accepting bool
	inflight  sync.WaitGroup // Notify calls between the accepting check and the enqueue

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds a stopped Service. bus and store may be nil.
func New(cfg Config, adapter transport.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		adapter: adapter,
		bus:     bus,
		store:   store,
		dedup:   map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

// Apply swaps the config. Queue size and worker count take effect on the
// next Start; rate, retry and dedup settings apply immediately.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes pass.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan job, cfg.QueueSize)
	if cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.accepting = true
	q, pch, sup := s.queue, s.persistCh, s.sup
	s.mu.Unlock()

	if pch != nil {
		sup.Go0("notifier.persist", func(c context.Context) { s.persistLoop(c, pch) })
	}
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
}

// Stop refuses new notifications, lets the workers drain the queue and
// returns when they finish or ctx ends (then the workers are cancelled).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	q, pch, sup := s.queue, s.persistCh, s.sup
	s.accepting = false
	s.queue, s.persistCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	s.inflight.Wait()
	close(q)
	if pch != nil {
		close(pch)
	}

	done := make(chan struct{})
	go func() {
		_ = sup.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
	s.log.Info("notifier stopped", logx.Int("dropped", len(q)))
}

// Notify enqueues n. Duplicates inside the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	cfg, q, pch := s.cfg, s.queue, s.persistCh
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if cfg.DedupWindow > 0 && key != "" && !s.dedupAllow(ctx, key, cfg, pch) {
		s.publish(TopicDeduped, n, key, 0, nil)
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		s.publish(TopicQueued, n, key, 0, nil)
		return nil
	default:
		s.publish(TopicDropped, n, key, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns the most recent successful sends, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n transport.Notification, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: n.Channel, Text: text})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefixForPriority(j.n.Priority) + j.n.Text
	if text == "" || s.adapter == nil {
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(callCtx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j.n, text)
			s.publish(TopicSent, j.n, j.key, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("notification dropped after retries",
		logx.String("channel", j.n.Channel),
		logx.Int64("chat_id", j.n.Target.ChatID),
		logx.Err(lastErr),
	)
	s.publish(TopicFailed, j.n, j.key, attempts, lastErr)
}

func (s *Service) publish(topic string, n transport.Notification, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	default:
		return ""
	}
}

// dedupKey hashes channel, target, priority and text. An empty channel
// disables dedup for that notification.
func dedupKey(n transport.Notification) string {
	if n.Channel == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Over the cap: evict the entries that expire first.
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7-1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
