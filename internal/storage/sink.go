package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
)

// SinkConfig controls batching and retry of store writes.
type SinkConfig struct {
	BatchSize     int
	BatchInterval time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	Retention     time.Duration
	FlushTimeout  time.Duration // bound on the final flush after cancellation
}

func (c *SinkConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 2 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

// SinkStats is a point-in-time view of sink activity.
type SinkStats struct {
	Written             int64     `json:"written"`
	Dropped             int64     `json:"dropped"`
	Retries             int64     `json:"retries"`
	Batches             int64     `json:"batches"`
	ConsecutiveFailures int64     `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastErrorAt         time.Time `json:"lastErrorAt,omitempty"`
	LastFlushAt         time.Time `json:"lastFlushAt,omitempty"`
}

// Sink batches entries by count or time and writes them to a Store with
// bounded exponential backoff. Batches that exhaust the retry budget are
// dropped with an error log.
type Sink struct {
	store  Store
	cfg    SinkConfig
	logger *pterm.Logger

	written             atomic.Int64
	dropped             atomic.Int64
	retries             atomic.Int64
	batches             atomic.Int64
	consecutiveFailures atomic.Int64

	mu          sync.RWMutex
	lastError   string
	lastErrorAt time.Time
	lastFlushAt time.Time

	done chan struct{}
}

func NewSink(store Store, cfg SinkConfig, logger *pterm.Logger) *Sink {
	cfg.defaults()
	return &Sink{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run consumes entries until in is closed or ctx is cancelled, flushing on
// every full batch and every BatchInterval. Pending entries are flushed before
// Run returns.
func (s *Sink) Run(ctx context.Context, in <-chan *models.LogEntry) {
	defer close(s.done)

	batch := make([]*models.LogEntry, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		s.Write(ctx, batch)
		batch = make([]*models.LogEntry, 0, s.cfg.BatchSize)
	}

	finalFlush := func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		defer cancel()
		flush(flushCtx)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already buffered without blocking.
			for {
				select {
				case e, ok := <-in:
					if !ok {
						finalFlush()
						return
					}
					batch = append(batch, e)
					if len(batch) >= s.cfg.BatchSize {
						finalFlush()
					}
				default:
					finalFlush()
					return
				}
			}
		case e, ok := <-in:
			if !ok {
				finalFlush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// Done is closed when Run returns.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Write tags and inserts one batch, retrying transient failures. It returns
// false when the batch was dropped.
func (s *Sink) Write(ctx context.Context, entries []*models.LogEntry) bool {
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		e.Tag(s.cfg.Retention)
	}

	var err error
retry:
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			s.retries.Add(1)
			backoff := s.backoff(attempt)
			s.logger.Debug("Retrying batch write",
				s.logger.Args("attempt", attempt+1, "max_attempts", s.cfg.RetryAttempts, "backoff", backoff, "entries", len(entries)))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = ctx.Err()
				break retry
			case <-timer.C:
			}
		}

		err = s.store.Insert(ctx, entries)
		if err == nil {
			s.written.Add(int64(len(entries)))
			s.batches.Add(1)
			s.consecutiveFailures.Store(0)
			s.mu.Lock()
			s.lastFlushAt = time.Now()
			s.mu.Unlock()
			s.logger.Trace("Batch written", s.logger.Args("entries", len(entries)))
			return true
		}
		s.recordError(err)
		if errors.Is(err, ErrClosed) {
			break
		}
	}

	s.dropped.Add(int64(len(entries)))
	s.logger.WithCaller().Error("Dropping batch after retry budget exhausted",
		s.logger.Args("entries", len(entries), "attempts", s.cfg.RetryAttempts, "error", err))
	return false
}

// backoff returns RetryBase * 2^(attempt-1), capped at RetryMax.
func (s *Sink) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryMax {
			return s.cfg.RetryMax
		}
	}
	if d > s.cfg.RetryMax {
		return s.cfg.RetryMax
	}
	return d
}

func (s *Sink) recordError(err error) {
	s.consecutiveFailures.Add(1)
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
	s.logger.Warn("Batch write failed", s.logger.Args("error", err))
}

func (s *Sink) Stats() SinkStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SinkStats{
		Written:             s.written.Load(),
		Dropped:             s.dropped.Load(),
		Retries:             s.retries.Load(),
		Batches:             s.batches.Load(),
		ConsecutiveFailures: s.consecutiveFailures.Load(),
		LastError:           s.lastError,
		LastErrorAt:         s.lastErrorAt,
		LastFlushAt:         s.lastFlushAt,
	}
}
