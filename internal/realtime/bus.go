package realtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"
)

var (
	ErrPublishTimeout = errors.New("publish timed out: bus ingress is full")
	ErrBusClosed      = errors.New("bus closed")
)

// BusConfig sizes the bus queues.
type BusConfig struct {
	IngressBuffer    int
	SubscriberBuffer int // default per-subscriber queue
	PublishTimeout   time.Duration
}

func (c *BusConfig) defaults() {
	if c.IngressBuffer <= 0 {
		c.IngressBuffer = 4096
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 256
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// Subscription is one consumer of the bus. Ordinary subscriptions have a
// bounded queue; when it is full the oldest queued entry is discarded so the
// subscriber keeps the most recent ones. Privileged subscriptions are never
// dropped: the dispatcher waits for them.
type Subscription struct {
	name       string
	ch         chan *models.LogEntry
	privileged bool
	bus        *Bus

	delivered atomic.Int64
	dropped   atomic.Int64

	done chan struct{}
	once sync.Once
}

// C delivers entries in publish order. It is closed when the bus closes.
// After Unsubscribe nothing more is sent but the channel stays open.
func (s *Subscription) C() <-chan *models.LogEntry { return s.ch }

func (s *Subscription) Name() string { return s.name }

// Dropped counts entries discarded for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) Delivered() int64 { return s.delivered.Load() }

// Done is closed once the subscription is removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// SubscriberStats describes one subscription.
type SubscriberStats struct {
	Name       string `json:"name"`
	Privileged bool   `json:"privileged"`
	Buffered   int    `json:"buffered"`
	Capacity   int    `json:"capacity"`
	Delivered  int64  `json:"delivered"`
	Dropped    int64  `json:"dropped"`
}

// BusStats is a point-in-time view of the bus.
type BusStats struct {
	Published       int64             `json:"published"`
	Rejected        int64             `json:"rejected"`
	Dispatched      int64             `json:"dispatched"`
	Dropped         int64             `json:"dropped"`
	IngressDepth    int               `json:"ingressDepth"`
	IngressCapacity int               `json:"ingressCapacity"`
	Subscribers     []SubscriberStats `json:"subscribers"`
}

// Bus is the single ingress for normalized entries. One dispatcher goroutine
// fans each entry out to a snapshot of the current subscribers, so
// per-publisher order is preserved on every subscription.
type Bus struct {
	cfg     BusConfig
	logger  *pterm.Logger
	ingress chan *models.LogEntry

	subMu sync.Mutex
	subs  atomic.Pointer[[]*Subscription] // copy-on-write

	closeMu sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}

	published  atomic.Int64
	rejected   atomic.Int64
	dispatched atomic.Int64
	dropped    atomic.Int64

	dropLog rate.Sometimes
}

func NewBus(cfg BusConfig, logger *pterm.Logger) *Bus {
	cfg.defaults()
	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		ingress: make(chan *models.LogEntry, cfg.IngressBuffer),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return b
}

// Start launches the dispatcher. Calling it twice has no effect.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.dispatchLoop()
	b.logger.Debug("Fan-out bus started",
		b.logger.Args("ingress_buffer", b.cfg.IngressBuffer, "subscriber_buffer", b.cfg.SubscriberBuffer))
}

// Publish hands an entry to the bus. It blocks for at most PublishTimeout
// when ingress is full and then returns ErrPublishTimeout.
func (b *Bus) Publish(ctx context.Context, e *models.LogEntry) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	select {
	case b.ingress <- e:
		b.published.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(b.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case b.ingress <- e:
		b.published.Add(1)
		return nil
	case <-timer.C:
		b.rejected.Add(1)
		return ErrPublishTimeout
	case <-ctx.Done():
		b.rejected.Add(1)
		return ctx.Err()
	}
}

// Subscribe registers an ordinary subscriber. buffer <= 0 uses the default size.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	return b.add(name, buffer, false)
}

// SubscribePrivileged registers a subscriber that is never dropped. A stalled
// privileged subscriber back-pressures publishers.
func (b *Bus) SubscribePrivileged(name string, buffer int) *Subscription {
	return b.add(name, buffer, true)
}

func (b *Bus) add(name string, buffer int, privileged bool) *Subscription {
	if buffer <= 0 {
		buffer = b.cfg.SubscriberBuffer
	}
	sub := &Subscription{
		name:       name,
		ch:         make(chan *models.LogEntry, buffer),
		privileged: privileged,
		bus:        b,
		done:       make(chan struct{}),
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		close(sub.ch)
		sub.once.Do(func() { close(sub.done) })
		return sub
	}

	b.subMu.Lock()
	next := append(slices.Clone(*b.subs.Load()), sub)
	b.subs.Store(&next)
	b.subMu.Unlock()

	b.logger.Debug("Bus subscriber registered", b.logger.Args("name", name, "buffer", buffer, "privileged", privileged))
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	current := *b.subs.Load()
	idx := slices.Index(current, sub)
	if idx < 0 {
		return
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	b.subs.Store(&next)
	b.logger.Debug("Bus subscriber removed", b.logger.Args("name", sub.name, "dropped", sub.dropped.Load()))
}

func (b *Bus) dispatchLoop() {
	defer close(b.done)

	for e := range b.ingress {
		b.dispatch(e)
	}

	for _, sub := range *b.subs.Load() {
		close(sub.ch)
	}
}

func (b *Bus) dispatch(e *models.LogEntry) {
	b.dispatched.Add(1)
	for _, sub := range *b.subs.Load() {
		if sub.privileged {
			select {
			case sub.ch <- e:
				sub.delivered.Add(1)
			case <-sub.done:
			}
			continue
		}

		select {
		case sub.ch <- e:
			sub.delivered.Add(1)
			continue
		default:
		}

		// Queue full: evict the oldest entry and retry once.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- e:
			sub.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
		b.dropLog.Do(func() {
			b.logger.Warn("Slow bus subscriber, dropping entries",
				b.logger.Args("subscriber", sub.name, "dropped_total", sub.dropped.Load()))
		})
	}
}

// Close stops accepting entries, delivers everything already accepted, then
// closes every subscription channel.
func (b *Bus) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.ingress)
	b.closeMu.Unlock()

	if !b.started.Load() {
		b.Start()
	}
	<-b.done
	b.logger.Debug("Fan-out bus closed",
		b.logger.Args("published", b.published.Load(), "dropped", b.dropped.Load()))
}

// Stats returns counters for the bus and every subscriber.
func (b *Bus) Stats() BusStats {
	subs := *b.subs.Load()
	st := BusStats{
		Published:       b.published.Load(),
		Rejected:        b.rejected.Load(),
		Dispatched:      b.dispatched.Load(),
		Dropped:         b.dropped.Load(),
		IngressDepth:    len(b.ingress),
		IngressCapacity: cap(b.ingress),
		Subscribers:     make([]SubscriberStats, 0, len(subs)),
	}
	for _, sub := range subs {
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			Name:       sub.name,
			Privileged: sub.privileged,
			Buffered:   len(sub.ch),
			Capacity:   cap(sub.ch),
			Delivered:  sub.delivered.Load(),
			Dropped:    sub.dropped.Load(),
		})
	}
	return st
}
