package analytics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentlog/internal/database/models"
)

// AlertStore persists alerts. SaveAlerts ignores alerts whose id already
// exists and reports how many were created.
type AlertStore interface {
	SaveAlerts(ctx context.Context, alerts []*models.Alert) (int, error)
	ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]*models.Alert, error)
	Acknowledge(ctx context.Context, id string) (*models.Alert, error)
	Resolve(ctx context.Context, id string) (*models.Alert, error)
}

// RunRecorder keeps the history of analysis runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.AnalysisRun) error
	RecentRuns(ctx context.Context, analysis string, limit int) ([]*models.AnalysisRun, error)
}

// MemoryAlertStore is an AlertStore for tests and the memory backend.
type MemoryAlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
	now    func() time.Time
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]*models.Alert), now: time.Now}
}

func (s *MemoryAlertStore) SaveAlerts(ctx context.Context, alerts []*models.Alert) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	now := s.now()
	for _, a := range alerts {
		if _, exists := s.alerts[a.ID]; exists {
			continue
		}
		cp := *a
		cp.CreatedAt, cp.UpdatedAt = now, now
		s.alerts[a.ID] = &cp
		created++
	}
	return created, nil
}

// ListAlerts returns alerts newest first; an empty status lists every alert.
func (s *MemoryAlertStore) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryAlertStore) Acknowledge(ctx context.Context, id string) (*models.Alert, error) {
	return s.transition(ctx, id, models.AlertAcknowledged)
}

func (s *MemoryAlertStore) Resolve(ctx context.Context, id string) (*models.Alert, error) {
	return s.transition(ctx, id, models.AlertResolved)
}

func (s *MemoryAlertStore) transition(ctx context.Context, id string, to models.AlertStatus) (*models.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if err := a.Transition(to, s.now()); err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

// MemoryRunRecorder keeps the last runs of each analysis in a ring.
type MemoryRunRecorder struct {
	mu   sync.RWMutex
	keep int
	runs map[string][]*models.AnalysisRun
}

func NewMemoryRunRecorder(keep int) *MemoryRunRecorder {
	if keep <= 0 {
		keep = 100
	}
	return &MemoryRunRecorder{keep: keep, runs: make(map[string][]*models.AnalysisRun)}
}

func (r *MemoryRunRecorder) RecordRun(ctx context.Context, run *models.AnalysisRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *run
	list := append(r.runs[run.Analysis], &cp)
	if len(list) > r.keep {
		list = list[len(list)-r.keep:]
	}
	r.runs[run.Analysis] = list
	return nil
}

// RecentRuns returns runs newest first. An empty analysis name merges all.
func (r *MemoryRunRecorder) RecentRuns(ctx context.Context, analysis string, limit int) ([]*models.AnalysisRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AnalysisRun
	for name, list := range r.runs {
		if analysis != "" && name != analysis {
			continue
		}
		for _, run := range list {
			cp := *run
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
