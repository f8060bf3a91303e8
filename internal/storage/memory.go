package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"agentlog/internal/database/models"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

const defaultBlockRows = 4096

// MemoryConfig tunes the in-memory columnar store.
type MemoryConfig struct {
	BlockRows int           // rows per block before it is sealed
	Retention time.Duration // 0 disables expiry
}

type sealedBlock struct {
	data     []byte
	rows     int
	rawBytes int
	minTs    int64
	maxTs    int64
}

// MemoryStats describes the store's footprint.
type MemoryStats struct {
	Rows            int   `json:"rows"`
	ActiveRows      int   `json:"activeRows"`
	SealedBlocks    int   `json:"sealedBlocks"`
	CompressedBytes int64 `json:"compressedBytes"`
	RawBytes        int64 `json:"rawBytes"`
	PrunedBlocks    int64 `json:"prunedBlocks"`
}

// MemoryStore keeps entries in columnar blocks. The active block is plain
// slices; full blocks are sealed into zstd-compressed column frames and
// dropped whole once every row in them has expired.
type MemoryStore struct {
	mu     sync.RWMutex
	cfg    MemoryConfig
	codec  *codec
	active *columns
	minTs  int64
	maxTs  int64
	sealed []sealedBlock
	ids    map[string]int64 // id -> timestamp, for insert-or-ignore
	pruned int64
	closed bool
	now    func() time.Time
	logger *pterm.Logger
}

func NewMemoryStore(cfg MemoryConfig, logger *pterm.Logger) (*MemoryStore, error) {
	if cfg.BlockRows <= 0 {
		cfg.BlockRows = defaultBlockRows
	}
	cd, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize block codec: %w", err)
	}
	return &MemoryStore{
		cfg:    cfg,
		codec:  cd,
		active: &columns{},
		ids:    make(map[string]int64),
		now:    time.Now,
		logger: logger,
	}, nil
}

func (s *MemoryStore) Insert(ctx context.Context, entries []*models.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for _, e := range entries {
		if e == nil {
			continue
		}
		if _, dup := s.ids[e.ID]; dup {
			continue
		}
		if err := s.active.append(e); err != nil {
			return fmt.Errorf("append entry %s: %w", e.ID, err)
		}
		ts := e.Timestamp.UnixNano()
		if s.active.len() == 1 || ts < s.minTs {
			s.minTs = ts
		}
		if s.active.len() == 1 || ts > s.maxTs {
			s.maxTs = ts
		}
		s.ids[e.ID] = ts

		if s.active.len() >= s.cfg.BlockRows {
			s.sealLocked()
		}
	}
	return nil
}

// sealLocked compresses the active block. Caller must hold the write lock.
func (s *MemoryStore) sealLocked() {
	if s.active.len() == 0 {
		return
	}
	block := sealedBlock{
		data:     s.codec.seal(s.active, s.minTs, s.maxTs),
		rows:     s.active.len(),
		rawBytes: s.active.rawSize(),
		minTs:    s.minTs,
		maxTs:    s.maxTs,
	}
	s.sealed = append(s.sealed, block)
	s.active = &columns{}

	s.logger.Trace("Sealed columnar block",
		s.logger.Args(
			"rows", block.rows,
			"raw", humanize.Bytes(uint64(block.rawBytes)),
			"compressed", humanize.Bytes(uint64(len(block.data))),
		))

	s.pruneLocked(s.now())
}

// Prune drops sealed blocks whose newest row expired and returns how many were dropped.
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now())
}

func (s *MemoryStore) pruneLocked(now time.Time) int {
	if s.cfg.Retention <= 0 {
		return 0
	}
	threshold := now.Add(-s.cfg.Retention).UnixNano()

	kept := s.sealed[:0]
	dropped := 0
	for _, b := range s.sealed {
		if b.maxTs >= threshold {
			kept = append(kept, b)
			continue
		}
		if cols, err := s.codec.unseal(b.data); err == nil {
			for _, id := range cols.ids {
				delete(s.ids, id)
			}
		}
		dropped++
	}
	for i := len(kept); i < len(s.sealed); i++ {
		s.sealed[i] = sealedBlock{}
	}
	s.sealed = kept
	s.pruned += int64(dropped)

	if dropped > 0 {
		s.logger.Debug("Pruned expired blocks", s.logger.Args("blocks", dropped, "remaining", len(s.sealed)))
	}
	return dropped
}

// scan visits every live row matching f. Blocks outside the filter's time
// range are skipped without decompression.
func (s *MemoryStore) scan(ctx context.Context, f models.LogFilter, visit func(*models.LogEntry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	var expiredBefore int64
	if s.cfg.Retention > 0 {
		expiredBefore = s.now().Add(-s.cfg.Retention).UnixNano()
	}
	var minTs, maxTs int64
	if !f.Start.IsZero() {
		minTs = f.Start.UnixNano()
	}
	if !f.End.IsZero() {
		maxTs = f.End.UnixNano()
	}

	visitCols := func(c *columns) {
		for i := 0; i < c.len(); i++ {
			ts := c.ts[i]
			if expiredBefore != 0 && ts < expiredBefore {
				continue
			}
			if minTs != 0 && ts < minTs {
				continue
			}
			if maxTs != 0 && ts >= maxTs {
				continue
			}
			e := c.entry(i)
			if f.Match(e) {
				visit(e)
			}
		}
	}

	for _, b := range s.sealed {
		if minTs != 0 && b.maxTs < minTs {
			continue
		}
		if maxTs != 0 && b.minTs >= maxTs {
			continue
		}
		if expiredBefore != 0 && b.maxTs < expiredBefore {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cols, err := s.codec.unseal(b.data)
		if err != nil {
			return fmt.Errorf("read block: %w", err)
		}
		visitCols(cols)
	}
	visitCols(s.active)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q models.LogQuery) ([]*models.LogEntry, error) {
	var out []*models.LogEntry
	if err := s.scan(ctx, q.Filter, func(e *models.LogEntry) { out = append(out, e) }); err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b *models.LogEntry) int {
		if q.SortAsc {
			return a.Timestamp.Compare(b.Timestamp)
		}
		return b.Timestamp.Compare(a.Timestamp)
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []*models.LogEntry{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, f models.LogFilter) (int64, error) {
	var n int64
	if err := s.scan(ctx, f, func(*models.LogEntry) { n++ }); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *MemoryStore) Aggregate(ctx context.Context, req models.AggregateRequest) ([]models.AggregationRow, error) {
	if !req.GroupBy.Valid() {
		return nil, fmt.Errorf("unsupported group by %q", req.GroupBy)
	}

	type bucketKey struct {
		bucket int64
		key    string
	}
	counts := make(map[bucketKey]int64)
	err := s.scan(ctx, req.Filter, func(e *models.LogEntry) {
		b := models.BucketStart(e.Timestamp, req.Interval)
		counts[bucketKey{bucket: b.UnixNano(), key: req.GroupBy.KeyOf(e)}]++
	})
	if err != nil {
		return nil, err
	}

	rows := make([]models.AggregationRow, 0, len(counts))
	for k, n := range counts {
		bucket := time.Time{}
		if req.Interval > 0 {
			bucket = unixNanoUTC(k.bucket)
		}
		rows = append(rows, models.AggregationRow{Bucket: bucket, Key: k.key, Count: n})
	}
	models.SortRows(rows)
	return rows, nil
}

// Stats reports the current footprint.
func (s *MemoryStore) Stats() MemoryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := MemoryStats{
		ActiveRows:   s.active.len(),
		SealedBlocks: len(s.sealed),
		RawBytes:     int64(s.active.rawSize()),
		PrunedBlocks: s.pruned,
	}
	st.Rows = st.ActiveRows
	for _, b := range s.sealed {
		st.Rows += b.rows
		st.CompressedBytes += int64(len(b.data))
		st.RawBytes += int64(b.rawBytes)
	}
	return st
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.codec.close()
	s.sealed = nil
	s.active = &columns{}
	s.ids = nil
	return nil
}

func unixNanoUTC(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
