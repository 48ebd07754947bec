// Package eventbus is the runtime's publish/subscribe bus. Each runtime owns
// one Bus; there is no package-level instance. Subscribers receive events in
// the order a given publisher emitted them. No ordering is promised across
// publishers.
package eventbus

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-runtime/domain/entities"
	"github.com/reglet-dev/reglet-runtime/domain/ports"
)

// Handler receives one event. Handlers must not call Bus.Close.
type Handler func(entities.Event)

// Option configures a Bus.
type Option func(*busConfig)

type busConfig struct {
	logger       *slog.Logger
	now          func() time.Time
	bufferSize   int
	syncDelivery bool
}

func defaultBusConfig() busConfig {
	return busConfig{
		logger:     slog.Default(),
		now:        time.Now,
		bufferSize: 256,
	}
}

// WithBufferSize sets the per-subscriber queue length used in async mode.
func WithBufferSize(size int) Option {
	return func(c *busConfig) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// WithSyncDelivery calls handlers inline in the publishing goroutine.
func WithSyncDelivery() Option {
	return func(c *busConfig) {
		c.syncDelivery = true
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(c *busConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the timestamp source for events published without one.
func WithClock(now func() time.Time) Option {
	return func(c *busConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	config busConfig
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

var _ ports.EventPublisher = (*Bus)(nil)

// New creates a Bus.
func New(opts ...Option) *Bus {
	cfg := defaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{config: cfg}
}

type subscription struct {
	handler Handler
	types   []entities.EventType
	ch      chan entities.Event
	done    chan struct{}
	mu      sync.RWMutex
	id      uint64
	closed  bool
	once    sync.Once
}

func (s *subscription) wants(t entities.EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Subscribe registers handler for the given event types (all types when none
// are given) and returns a function that removes the subscription.
func (b *Bus) Subscribe(handler Handler, types ...entities.EventType) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		handler: handler,
		types:   append([]entities.EventType(nil), types...),
		done:    make(chan struct{}),
	}
	if !b.config.syncDelivery {
		sub.ch = make(chan entities.Event, b.config.bufferSize)
		b.wg.Add(1)
		go b.run(sub)
	}
	b.subs = append(b.subs, sub)

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s == sub })
	b.mu.Unlock()
	b.stop(sub)
}

func (b *Bus) stop(sub *subscription) {
	sub.once.Do(func() {
		close(sub.done)
		sub.mu.Lock()
		sub.closed = true
		if sub.ch != nil {
			close(sub.ch)
		}
		sub.mu.Unlock()
	})
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.call(sub, ev)
	}
}

func (b *Bus) call(sub *subscription, ev entities.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.config.logger.Error("event handler panicked",
				"event", ev.Type, "plugin", ev.PluginID, "subscriber", sub.id, "panic", r)
		}
	}()
	sub.handler(ev)
}

// Publish delivers ev to every matching subscriber. A zero timestamp is
// replaced with the bus clock.
func (b *Bus) Publish(ev entities.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.config.now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.wants(ev.Type) {
			continue
		}
		if b.config.syncDelivery {
			b.call(sub, ev)
			continue
		}
		b.enqueue(sub, ev)
	}
}

func (b *Bus) enqueue(sub *subscription, ev entities.Event) {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
	case <-sub.done:
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops all subscriptions and waits for queued events to be handled.
// It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		b.stop(sub)
	}
	b.wg.Wait()
}
