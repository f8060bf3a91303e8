package ingestion

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	parsers "agentlog/internal/parser"
	"agentlog/internal/registry"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
)

// ErrNotRunning is returned by operations that need an active supervisor.
var ErrNotRunning = errors.New("watcher supervisor is not running")

// CoordinatorConfig tunes the watcher supervisor.
type CoordinatorConfig struct {
	Processor          ProcessorConfig
	ValidationInterval time.Duration
	// StaleAfter retires files that stopped matching their source and have
	// been unreadable this long.
	StaleAfter time.Duration
}

func (c *CoordinatorConfig) defaults() {
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = c.ValidationInterval
	}
}

// Status is the externally visible state of the supervisor.
type Status struct {
	IsRunning    bool          `json:"isRunning"`
	WatcherCount int           `json:"watcherCount"`
	WatchedFiles []WatchedFile `json:"watchedFiles"`
}

// Coordinator supervises one FileProcessor per watched file.
type Coordinator struct {
	sources   *registry.Registry
	parserReg *parsers.Registry
	publisher Publisher
	positions PositionStore
	cfg       CoordinatorConfig
	logger    *pterm.Logger

	mu          sync.RWMutex
	isRunning   bool
	startedOnce bool
	parent      context.Context
	cancel      context.CancelFunc
	loops       sync.WaitGroup
	active      map[string]registry.Source // by source ID
	processors  map[string]*FileProcessor  // by file path
	watcher     *fsnotify.Watcher
	watchedDirs map[string]int
	resync      chan struct{}

	validationMu     sync.Mutex
	validationCancel context.CancelFunc
}

// NewCoordinator creates a supervisor. sources may be nil, in which case
// StartWatching's argument is the only work list. positions may be nil.
func NewCoordinator(
	sources *registry.Registry,
	parserReg *parsers.Registry,
	publisher Publisher,
	positions PositionStore,
	cfg CoordinatorConfig,
	logger *pterm.Logger,
) *Coordinator {
	cfg.defaults()
	if positions == nil {
		positions = NewMemoryPositionStore()
	}
	return &Coordinator{
		sources:     sources,
		parserReg:   parserReg,
		publisher:   publisher,
		positions:   positions,
		cfg:         cfg,
		logger:      logger,
		active:      make(map[string]registry.Source),
		processors:  make(map[string]*FileProcessor),
		watchedDirs: make(map[string]int),
	}
}

// StartWatching starts a processor for every file of every enabled source.
// Sources that fail to start are logged and skipped.
func (c *Coordinator) StartWatching(ctx context.Context, sources []registry.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		c.logger.Warn("Watcher supervisor already running, skipping start")
		return nil
	}

	c.logger.Info("Starting watcher supervisor...", c.logger.Args("sources", len(sources)))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.WithCaller().Warn("File notifications unavailable, relying on polling",
			c.logger.Args("error", err))
		watcher = nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.parent = ctx
	c.cancel = cancel
	c.watcher = watcher
	c.resync = make(chan struct{}, 1)
	c.isRunning = true

	// Only the first start may skip existing content. Files first seen on a
	// restart appeared while nothing was watching.
	fromStart := c.startedOnce
	c.startedOnce = true

	started := 0
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		if err := c.startSourceLocked(src, fromStart); err != nil {
			c.logger.WithCaller().Warn("Failed to start source (other sources continue)",
				c.logger.Args("source", src.ID, "error", err))
			continue
		}
		started++
	}

	c.loops.Add(1)
	go c.eventLoop(runCtx, watcher)
	if c.sources != nil {
		c.loops.Add(1)
		go c.registryLoop(runCtx)
	}

	if len(c.processors) == 0 {
		c.logger.Warn("No log files are being watched yet. Waiting for sources or files to appear.")
	}
	c.logger.Info("Watcher supervisor started",
		c.logger.Args("sources", started, "watched_files", len(c.processors)))
	return nil
}

// startSourceLocked starts processors for every current file of src.
// fromStart makes files without a stored position read from offset 0.
// IMPORTANT: Caller must hold c.mu lock
func (c *Coordinator) startSourceLocked(src registry.Source, fromStart bool) error {
	parser, err := c.parserReg.Get(src.Format)
	if err != nil {
		return fmt.Errorf("parser for source %s: %w", src.ID, err)
	}
	c.active[src.ID] = src

	if spec, ok := src.Spec.(registry.DirectorySpec); ok {
		c.watchDirLocked(spec.Dir)
	}
	for _, path := range registry.Resolve(src) {
		c.startFileLocked(src, parser, path, fromStart)
	}
	return nil
}

// IMPORTANT: Caller must hold c.mu lock
func (c *Coordinator) startFileLocked(src registry.Source, parser parsers.LogParser, path string, fromStart bool) {
	if existing, ok := c.processors[path]; ok {
		if existing.Source().ID != src.ID {
			c.logger.Debug("File already watched by another source",
				c.logger.Args("path", path, "source", src.ID, "owner", existing.Source().ID))
		}
		return
	}

	cfg := c.cfg.Processor
	if fromStart {
		cfg.StartFromBeginning = true
	}
	proc := NewFileProcessor(src, path, parser, c.publisher, c.positions, cfg, c.logger)
	proc.Start()
	c.processors[path] = proc
	c.watchDirLocked(filepath.Dir(path))

	c.logger.Info("Started watching log file",
		c.logger.Args("path", path, "source", src.ID, "agent", src.AgentID, "format", src.Format, "from_start", fromStart))
}

// IMPORTANT: Caller must hold c.mu lock
func (c *Coordinator) stopFileLocked(path string, forget bool) {
	proc, ok := c.processors[path]
	if !ok {
		return
	}
	proc.Stop()
	delete(c.processors, path)
	c.unwatchDirLocked(filepath.Dir(path))
	if forget {
		if err := c.positions.Delete(path); err != nil {
			c.logger.WithCaller().Warn("Failed to delete stored position",
				c.logger.Args("path", path, "error", err))
		}
	}
}

// IMPORTANT: Caller must hold c.mu lock
func (c *Coordinator) stopSourceLocked(sourceID string) {
	for path, proc := range c.processors {
		if proc.Source().ID == sourceID {
			c.stopFileLocked(path, false)
		}
	}
	if src, ok := c.active[sourceID]; ok {
		if spec, ok := src.Spec.(registry.DirectorySpec); ok {
			c.unwatchDirLocked(spec.Dir)
		}
		delete(c.active, sourceID)
	}
}

// IMPORTANT: Caller must hold c.mu lock
func (c *Coordinator) watchDirLocked(dir string) {
	if c.watcher == nil {
		return
	}
	dir = filepath.Clean(dir)
	c.watchedDirs[dir]++
	if c.watchedDirs[dir] > 1 {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		// Missing directories are covered by polling and validation.
		c.logger.Debug("Cannot watch directory", c.logger.Args("dir", dir, "error", err))
	}
}

// IMPORTANT: Caller must hold c.mu lock
func (c *Coordinator) unwatchDirLocked(dir string) {
	if c.watcher == nil {
		return
	}
	dir = filepath.Clean(dir)
	n, ok := c.watchedDirs[dir]
	if !ok {
		return
	}
	if n > 1 {
		c.watchedDirs[dir] = n - 1
		return
	}
	delete(c.watchedDirs, dir)
	_ = c.watcher.Remove(dir)
}

// eventLoop routes file-system events to processors. Creations of unknown
// files trigger a re-resolution of the sources.
func (c *Coordinator) eventLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer c.loops.Done()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			path := filepath.Clean(ev.Name)
			c.mu.RLock()
			proc := c.processors[path]
			c.mu.RUnlock()
			if proc != nil {
				proc.Notify(ev.Op)
			} else if ev.Has(fsnotify.Create) {
				c.requestResync()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Warn("File watcher error", c.logger.Args("error", err))
		case <-c.resync:
			if err := c.Validate(); err != nil && !errors.Is(err, ErrNotRunning) {
				c.logger.WithCaller().Warn("Source re-resolution failed", c.logger.Args("error", err))
			}
		}
	}
}

func (c *Coordinator) requestResync() {
	select {
	case c.resync <- struct{}{}:
	default:
	}
}

func (c *Coordinator) registryLoop(ctx context.Context) {
	defer c.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sources.Changes():
			if err := c.SyncWithRegistry(); err != nil && !errors.Is(err, ErrNotRunning) {
				c.logger.WithCaller().Warn("Registry sync failed", c.logger.Args("error", err))
			}
		}
	}
}

// StopWatching stops every processor and releases the file watcher.
func (c *Coordinator) StopWatching() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		c.logger.Debug("Watcher supervisor not running, skipping stop")
		return
	}

	c.logger.Info("Stopping watcher supervisor...", c.logger.Args("watched_files", len(c.processors)))

	processors := c.processors
	watcher := c.watcher
	cancel := c.cancel
	c.processors = make(map[string]*FileProcessor)
	c.active = make(map[string]registry.Source)
	c.watchedDirs = make(map[string]int)
	c.watcher = nil
	c.isRunning = false
	c.mu.Unlock()

	cancel()
	c.loops.Wait()
	if watcher != nil {
		_ = watcher.Close()
	}

	var wg sync.WaitGroup
	for path, proc := range processors {
		wg.Add(1)
		go func(path string, proc *FileProcessor) {
			defer wg.Done()
			c.logger.Debug("Stopping file processor", c.logger.Args("path", path))
			proc.Stop()
		}(path, proc)
	}
	wg.Wait()

	c.logger.Info("Watcher supervisor stopped successfully")
}

// Restart drains all processors and starts them again from their persisted
// positions, using the registry's current sources when one is attached.
func (c *Coordinator) Restart() error {
	c.logger.Info("Restarting watcher supervisor...")

	c.mu.RLock()
	parent := c.parent
	previous := make([]registry.Source, 0, len(c.active))
	for _, src := range c.active {
		previous = append(previous, src)
	}
	c.mu.RUnlock()

	if parent == nil {
		parent = context.Background()
	}
	sources := previous
	if c.sources != nil {
		sources = c.sources.Enabled()
	}

	c.StopWatching()
	return c.StartWatching(parent, sources)
}

// SyncWithRegistry reconciles running processors with the registry: removed
// or changed sources are stopped, new or changed ones started. Unaffected
// sources keep running.
func (c *Coordinator) SyncWithRegistry() error {
	if c.sources == nil {
		return nil
	}
	desired := c.sources.Enabled()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return ErrNotRunning
	}

	want := make(map[string]registry.Source, len(desired))
	for _, src := range desired {
		want[src.ID] = src
	}

	removed := 0
	for id, current := range c.active {
		next, ok := want[id]
		if ok && reflect.DeepEqual(current, next) {
			continue
		}
		c.logger.Info("Source removed or changed, stopping its watchers", c.logger.Args("source", id))
		c.stopSourceLocked(id)
		removed++
	}

	added := 0
	for _, src := range desired {
		if _, ok := c.active[src.ID]; ok {
			continue
		}
		if err := c.startSourceLocked(src, true); err != nil {
			c.logger.WithCaller().Warn("Failed to start source",
				c.logger.Args("source", src.ID, "error", err))
			continue
		}
		added++
	}

	if added > 0 || removed > 0 {
		c.logger.Info("Registry sync completed",
			c.logger.Args("added", added, "removed", removed, "watched_files", len(c.processors)))
	} else {
		c.logger.Debug("Registry sync completed - no changes", c.logger.Args("watched_files", len(c.processors)))
	}
	return nil
}

// Validate re-resolves every active source, starts processors for files that
// appeared, wakes unhealthy ones and retires files that no longer match their
// source and have been unreadable for longer than StaleAfter.
func (c *Coordinator) Validate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isRunning {
		return ErrNotRunning
	}

	now := time.Now()
	resolved := make(map[string]struct{})
	for _, src := range c.active {
		parser, err := c.parserReg.Get(src.Format)
		if err != nil {
			continue
		}
		for _, path := range registry.Resolve(src) {
			resolved[path] = struct{}{}
			c.startFileLocked(src, parser, path, true)
		}
	}

	unhealthy, retired := 0, 0
	for path, proc := range c.processors {
		down := proc.unhealthyFor(now)
		if down == 0 {
			continue
		}
		if _, ok := resolved[path]; !ok && down > c.cfg.StaleAfter {
			c.logger.Info("Retiring log file that no longer exists",
				c.logger.Args("path", path, "unhealthy_for", down.String()))
			c.stopFileLocked(path, true)
			retired++
			continue
		}
		unhealthy++
		proc.Wake()
	}

	c.logger.Debug("Watcher validation completed",
		c.logger.Args("watched_files", len(c.processors), "unhealthy", unhealthy, "retired", retired))
	return nil
}

// StartPeriodicValidation runs Validate every interval until
// StopPeriodicValidation is called. Calling it again replaces the timer.
func (c *Coordinator) StartPeriodicValidation(interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.ValidationInterval
	}

	c.validationMu.Lock()
	defer c.validationMu.Unlock()
	if c.validationCancel != nil {
		c.validationCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.validationCancel = cancel

	c.logger.Info("Starting periodic watcher validation", c.logger.Args("interval", interval.String()))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Validate(); err != nil && !errors.Is(err, ErrNotRunning) {
					c.logger.WithCaller().Warn("Watcher validation failed", c.logger.Args("error", err))
				}
			}
		}
	}()
}

// StopPeriodicValidation stops the validation timer.
func (c *Coordinator) StopPeriodicValidation() {
	c.validationMu.Lock()
	defer c.validationMu.Unlock()
	if c.validationCancel != nil {
		c.validationCancel()
		c.validationCancel = nil
	}
}

// GetStatus returns the supervisor state with files sorted by path.
func (c *Coordinator) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	files := make([]WatchedFile, 0, len(c.processors))
	for _, proc := range c.processors {
		files = append(files, proc.Status())
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return Status{
		IsRunning:    c.isRunning,
		WatcherCount: len(c.processors),
		WatchedFiles: files,
	}
}

// IsRunning returns whether the supervisor is currently running
func (c *Coordinator) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// GetProcessorCount returns the number of watched files
func (c *Coordinator) GetProcessorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.processors)
}
