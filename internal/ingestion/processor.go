package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"agentlog/internal/database/models"
	parsers "agentlog/internal/parser"
	"agentlog/internal/registry"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
	"golang.org/x/time/rate"
)

// ProcessorConfig tunes a single file tailer.
type ProcessorConfig struct {
	PollInterval       time.Duration
	ReadChunkBytes     int
	WorkerPoolSize     int
	ParallelThreshold  int // batches smaller than this are parsed inline
	StartFromBeginning bool
	StopGrace          time.Duration
}

func (c *ProcessorConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReadChunkBytes <= 0 {
		c.ReadChunkBytes = 256 << 10
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 4
	}
	if c.ParallelThreshold <= 0 {
		c.ParallelThreshold = 64
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
}

// Publisher accepts normalized entries. Implemented by the realtime bus.
type Publisher interface {
	Publish(ctx context.Context, e *models.LogEntry) error
}

// WatchedFile is the runtime state of one tailed file.
type WatchedFile struct {
	Path             string    `json:"path"`
	AgentID          string    `json:"agentId"`
	SourceID         string    `json:"sourceId"`
	IsHealthy        bool      `json:"isHealthy"`
	Offset           int64     `json:"offset"`
	Inode            int64     `json:"inode"`
	LastReadAt       time.Time `json:"lastReadAt"`
	LastError        string    `json:"lastError,omitempty"`
	UnhealthySince   time.Time `json:"unhealthySince"`
	LinesRead        int64     `json:"linesRead"`
	EntriesPublished int64     `json:"entriesPublished"`
	EntriesDropped   int64     `json:"entriesDropped"`
	ParseFailures    int64     `json:"parseFailures"`
	Rotations        int64     `json:"rotations"`
}

// FileProcessor tails one file: it reads new lines, normalizes them and
// publishes the entries in file order.
type FileProcessor struct {
	source    registry.Source
	path      string
	parser    parsers.LogParser
	reader    *IncrementalReader
	publisher Publisher
	positions PositionStore
	cfg       ProcessorConfig
	logger    *pterm.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wake     chan struct{}
	replaced atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once

	mu     sync.RWMutex
	status WatchedFile
	saved  ReaderState

	dropLog rate.Sometimes
	now     func() time.Time
}

// NewFileProcessor creates a tailer for path. positions may be nil.
func NewFileProcessor(
	source registry.Source,
	path string,
	parser parsers.LogParser,
	publisher Publisher,
	positions PositionStore,
	cfg ProcessorConfig,
	logger *pterm.Logger,
) *FileProcessor {
	if source.PollInterval > 0 {
		cfg.PollInterval = source.PollInterval
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &FileProcessor{
		source:    source,
		path:      path,
		parser:    parser,
		reader:    NewIncrementalReader(path, ReaderState{}, logger),
		publisher: publisher,
		positions: positions,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		status: WatchedFile{
			Path:      path,
			AgentID:   source.AgentID,
			SourceID:  source.ID,
			IsHealthy: true,
		},
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		now:     time.Now,
	}
}

// Path returns the tailed file path.
func (p *FileProcessor) Path() string { return p.path }

// Source returns the source this file belongs to.
func (p *FileProcessor) Source() registry.Source { return p.source }

// Start positions the reader and launches the tailing goroutine.
func (p *FileProcessor) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.initPosition()
	go p.processLoop()
}

// Stop cancels the tailer and waits up to the stop grace period for it to
// release the file. It reports whether the tailer exited in time.
func (p *FileProcessor) Stop() bool {
	p.stopOnce.Do(p.cancel)
	if !p.started.Load() {
		return true
	}
	timer := time.NewTimer(p.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		p.logger.Warn("File processor did not stop within grace period",
			p.logger.Args("path", p.path, "grace", p.cfg.StopGrace.String()))
		return false
	}
}

// Done is closed when the tailing goroutine has exited.
func (p *FileProcessor) Done() <-chan struct{} { return p.done }

// Wake requests an immediate read.
func (p *FileProcessor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Notify feeds a file-system event for the tailed path. A create only wakes
// the reader: the preceding remove or rename already flagged the replacement.
func (p *FileProcessor) Notify(op fsnotify.Op) {
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		p.replaced.Store(true)
	}
	p.Wake()
}

// Status returns a copy of the file's runtime state.
func (p *FileProcessor) Status() WatchedFile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *FileProcessor) initPosition() {
	if p.positions != nil {
		stored, err := p.positions.FindByPath(p.path)
		if err != nil {
			p.logger.WithCaller().Warn("Failed to load stored position",
				p.logger.Args("path", p.path, "error", err))
		} else if stored != nil {
			state := ReaderState{Offset: stored.Offset, Inode: stored.Inode, LastLine: stored.LastLineContent}
			if p.reader.Matches(state) {
				p.reader = NewIncrementalReader(p.path, state, p.logger)
				p.saved = state
				p.setOffset(state)
				p.logger.Info("Resuming file from stored position",
					p.logger.Args("path", p.path, "offset", state.Offset))
				return
			}
			// The file was replaced while we were not watching; its content is new.
			p.logger.Info("Stored position no longer matches file, reading from start",
				p.logger.Args("path", p.path, "stored_offset", stored.Offset, "stored_inode", stored.Inode))
			return
		}
	}

	if p.cfg.StartFromBeginning {
		return
	}
	if err := p.reader.SeekToEnd(); err != nil {
		// Not created yet: everything it will contain is new.
		p.logger.Debug("File not readable at start, will read from beginning once it appears",
			p.logger.Args("path", p.path, "error", err))
		return
	}
	p.setOffset(p.reader.State())
}

func (p *FileProcessor) processLoop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Debug("File processor started",
		p.logger.Args("path", p.path, "source", p.source.ID, "poll_interval", p.cfg.PollInterval.String()))

	p.poll()
	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug("File processor stopped", p.logger.Args("path", p.path))
			return
		case <-ticker.C:
			p.poll()
		case <-p.wake:
			p.poll()
		}
	}
}

// poll reads until EOF, publishing every complete line.
func (p *FileProcessor) poll() {
	if p.replaced.Swap(false) {
		p.reader.MarkReplaced()
	}

	for p.ctx.Err() == nil {
		res, err := p.reader.ReadBatch(p.cfg.ReadChunkBytes)
		if err != nil {
			p.markUnhealthy(err)
			return
		}
		p.markHealthy(res)

		if len(res.Lines) > 0 {
			entries, failures := p.parseLines(res.Lines)
			published, dropped, ok := p.publish(entries)

			p.mu.Lock()
			p.status.LinesRead += int64(len(res.Lines))
			p.status.ParseFailures += int64(failures)
			p.status.EntriesPublished += int64(published)
			p.status.EntriesDropped += int64(dropped)
			p.mu.Unlock()

			if !ok {
				// Stopped mid-batch: leave the stored position behind the
				// unpublished lines so they are read again next time.
				return
			}
		}
		p.persist()

		if res.EOF {
			return
		}
	}
}

// parseLines normalizes lines preserving their order. Large batches are
// spread over a worker pool.
func (p *FileProcessor) parseLines(lines []Line) ([]*models.LogEntry, int) {
	ingested := p.now().UTC()
	results := make([]*models.LogEntry, len(lines))

	numWorkers := p.cfg.WorkerPoolSize
	if numWorkers > len(lines) {
		numWorkers = len(lines)
	}

	if len(lines) < p.cfg.ParallelThreshold || numWorkers <= 1 {
		for i := range lines {
			results[i] = p.normalize(lines[i], ingested)
		}
	} else {
		jobs := make(chan int, len(lines))
		var wg sync.WaitGroup
		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					results[i] = p.normalize(lines[i], ingested)
				}
			}()
		}
		for i := range lines {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	}

	entries := results[:0]
	failures := 0
	for _, e := range results {
		if e == nil {
			failures++
			continue
		}
		entries = append(entries, e)
	}
	return entries, failures
}

func (p *FileProcessor) normalize(line Line, ingested time.Time) (entry *models.LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithCaller().Error("Parser panicked on line",
				p.logger.Args("path", p.path, "offset", line.Offset, "panic", r))
			entry = nil
		}
	}()

	entry = p.parser.Normalize(line.Text, parsers.SourceMeta{
		SourceID:   p.source.ID,
		AgentID:    p.source.AgentID,
		Path:       p.path,
		Offset:     line.Offset,
		IngestedAt: ingested,
	})
	if entry == nil {
		p.logger.Trace("Dropped unparseable line",
			p.logger.Args("path", p.path, "offset", line.Offset, "line_preview", truncate(line.Text, 100)))
	}
	return entry
}

// publish hands entries to the bus in order. ok is false when the processor
// was stopped before every entry was offered.
func (p *FileProcessor) publish(entries []*models.LogEntry) (published, dropped int, ok bool) {
	for _, e := range entries {
		err := p.publisher.Publish(p.ctx, e)
		switch {
		case err == nil:
			published++
		case p.ctx.Err() != nil:
			return published, dropped, false
		default:
			dropped++
			p.dropLog.Do(func() {
				p.logger.Warn("Downstream is not keeping up, dropping entries",
					p.logger.Args("path", p.path, "source", p.source.ID, "error", err))
			})
		}
	}
	return published, dropped, true
}

func (p *FileProcessor) persist() {
	state := p.reader.State()
	p.setOffset(state)
	if state == p.saved || p.positions == nil {
		return
	}

	now := p.now()
	pos := &models.FilePosition{
		Path:            p.path,
		SourceID:        p.source.ID,
		AgentID:         p.source.AgentID,
		Offset:          state.Offset,
		Inode:           state.Inode,
		LastLineContent: state.LastLine,
		LastReadAt:      &now,
	}
	if err := p.positions.UpdateTracking(pos); err != nil {
		p.logger.WithCaller().Warn("Failed to persist file position",
			p.logger.Args("path", p.path, "offset", state.Offset, "error", err))
		return
	}
	p.saved = state
}

func (p *FileProcessor) setOffset(state ReaderState) {
	p.mu.Lock()
	p.status.Offset = state.Offset
	p.status.Inode = state.Inode
	p.mu.Unlock()
}

func (p *FileProcessor) markHealthy(res ReadResult) {
	p.mu.Lock()
	recovered := !p.status.IsHealthy
	p.status.IsHealthy = true
	p.status.LastError = ""
	p.status.UnhealthySince = time.Time{}
	p.status.LastReadAt = p.now()
	if res.Rotated {
		p.status.Rotations++
	}
	p.mu.Unlock()

	if recovered {
		p.logger.Info("Log file readable again", p.logger.Args("path", p.path, "source", p.source.ID))
	}
}

func (p *FileProcessor) markUnhealthy(err error) {
	p.mu.Lock()
	first := p.status.IsHealthy
	p.status.IsHealthy = false
	p.status.LastError = err.Error()
	if p.status.UnhealthySince.IsZero() {
		p.status.UnhealthySince = p.now()
	}
	p.mu.Unlock()

	if first {
		p.logger.Warn("Log file not readable, will retry",
			p.logger.Args("path", p.path, "source", p.source.ID, "error", err))
	} else {
		p.logger.Trace("Log file still not readable", p.logger.Args("path", p.path, "error", err))
	}
}

// unhealthyFor reports how long the file has been unreadable.
func (p *FileProcessor) unhealthyFor(now time.Time) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.status.IsHealthy || p.status.UnhealthySince.IsZero() {
		return 0
	}
	return now.Sub(p.status.UnhealthySince)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
