package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pterm/pterm"
)

// Registry holds the configured sources. Mutations are rare and serialized by
// a single lock; readers receive copies.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	changes chan struct{}
	logger  *pterm.Logger
}

func New(logger *pterm.Logger) *Registry {
	return &Registry{
		sources: make(map[string]Source),
		changes: make(chan struct{}, 1),
		logger:  logger,
	}
}

// Changes delivers a signal after every mutation. Signals coalesce: a pending
// signal absorbs later ones until it is received.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

// Add registers a new source.
func (r *Registry) Add(src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.sources[src.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, src.ID)
	}
	r.sources[src.ID] = src.clone()
	r.mu.Unlock()

	r.logger.Debug("Source registered", r.logger.Args("source", src.ID, "agent", src.AgentID, "kind", src.Spec.Kind()))
	r.notify()
	return nil
}

// Update replaces an existing source.
func (r *Registry) Update(src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.sources[src.ID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, src.ID)
	}
	r.sources[src.ID] = src.clone()
	r.mu.Unlock()

	r.logger.Debug("Source updated", r.logger.Args("source", src.ID))
	r.notify()
	return nil
}

// Upsert adds the source or replaces it when present.
func (r *Registry) Upsert(src Source) error {
	if err := src.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.sources[src.ID] = src.clone()
	r.mu.Unlock()

	r.notify()
	return nil
}

// Remove deletes a source.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, exists := r.sources[id]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sources, id)
	r.mu.Unlock()

	r.logger.Debug("Source removed", r.logger.Args("source", id))
	r.notify()
	return nil
}

// Get returns a copy of one source.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return src.clone(), true
}

// List returns every source ordered by id.
func (r *Registry) List() []Source {
	return r.filter(func(Source) bool { return true })
}

// Enabled returns the enabled sources ordered by id.
func (r *Registry) Enabled() []Source {
	return r.filter(func(s Source) bool { return s.Enabled })
}

func (r *Registry) filter(keep func(Source) bool) []Source {
	r.mu.RLock()
	out := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		if keep(src) {
			out = append(out, src.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
