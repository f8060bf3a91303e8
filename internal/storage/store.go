package storage

import (
	"context"
	"errors"

	"agentlog/internal/database/models"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store closed")

// Store is the log entry store the sink writes to and analytics reads from.
// Insert ignores entries whose id is already stored. Read errors are returned
// to the caller, never retried.
type Store interface {
	Insert(ctx context.Context, entries []*models.LogEntry) error
	Query(ctx context.Context, q models.LogQuery) ([]*models.LogEntry, error)
	Count(ctx context.Context, f models.LogFilter) (int64, error)
	Aggregate(ctx context.Context, req models.AggregateRequest) ([]models.AggregationRow, error)
	Close() error
}
