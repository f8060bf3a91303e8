package repositories

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"agentlog/internal/database/models"
	"agentlog/internal/storage"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// SQLite's default host parameter limit
	MaxSQLiteVariables = 32766
	// Columns written per log entry row
	logEntryColumns = 13
	// MaxEntriesPerBatch keeps one INSERT under the variable limit
	MaxEntriesPerBatch = MaxSQLiteVariables / logEntryColumns
)

// LogEntryRepository is the persistent Store backend.
type LogEntryRepository interface {
	storage.Store
	Partitions(ctx context.Context) ([]*PartitionStats, error)
}

// PartitionStats summarises one monthly partition.
type PartitionStats struct {
	Partition string    `json:"partition"`
	Entries   int64     `json:"entries"`
	Oldest    time.Time `json:"oldest"`
	Newest    time.Time `json:"newest"`
}

type logEntryRepo struct {
	db     *gorm.DB // writer pool
	reader *gorm.DB // read pool, defaults to db
	logger *pterm.Logger
	closed atomic.Bool
	now    func() time.Time
}

// NewLogEntryRepository returns a Store over the log_entries table. Reads go
// to reader when it is non-nil so analytics scans do not compete with inserts.
func NewLogEntryRepository(db, reader *gorm.DB, logger *pterm.Logger) LogEntryRepository {
	if reader == nil {
		reader = db
	}
	return &logEntryRepo{
		db:     db,
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
}

// Insert writes entries, ignoring ids that are already stored. Large batches
// are split to stay under SQLite's variable limit.
func (r *logEntryRepo) Insert(ctx context.Context, entries []*models.LogEntry) error {
	if r.closed.Load() {
		return storage.ErrClosed
	}
	if len(entries) == 0 {
		return nil
	}

	rows := make([]*models.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e != nil {
			rows = append(rows, e)
		}
	}

	for i := 0; i < len(rows); i += MaxEntriesPerBatch {
		end := min(i+MaxEntriesPerBatch, len(rows))
		if err := r.insertSubBatch(ctx, rows[i:end]); err != nil {
			r.logger.WithCaller().Error("Failed to insert log entry batch",
				r.logger.Args("batch_num", (i/MaxEntriesPerBatch)+1, "count", end-i, "error", err))
			return err
		}
		if end < len(rows) {
			r.logger.Trace("Inserted sub-batch", r.logger.Args("progress", end, "total", len(rows)))
		}
	}
	return nil
}

func (r *logEntryRepo) insertSubBatch(ctx context.Context, rows []*models.LogEntry) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

func (r *logEntryRepo) Query(ctx context.Context, q models.LogQuery) ([]*models.LogEntry, error) {
	if r.closed.Load() {
		return nil, storage.ErrClosed
	}

	order := "timestamp DESC, id DESC"
	if q.SortAsc {
		order = "timestamp ASC, id ASC"
	}
	query := r.applyFilter(r.reader.WithContext(ctx).Model(&models.LogEntry{}), q.Filter).Order(order)
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}

	entries := make([]*models.LogEntry, 0, max(q.Limit, 0))
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	for _, e := range entries {
		e.Timestamp = e.Timestamp.UTC()
	}
	return entries, nil
}

func (r *logEntryRepo) Count(ctx context.Context, f models.LogFilter) (int64, error) {
	if r.closed.Load() {
		return 0, storage.ErrClosed
	}
	var count int64
	if err := r.applyFilter(r.reader.WithContext(ctx).Model(&models.LogEntry{}), f).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count log entries: %w", err)
	}
	return count, nil
}

// groupColumns maps a grouping to its column.
var groupColumns = map[models.GroupBy]string{
	models.GroupByNone:    "''",
	models.GroupByLevel:   "level",
	models.GroupByAgent:   "agent_id",
	models.GroupBySession: "session_id",
	models.GroupBySource:  "source",
}

// Aggregate buckets with integer epoch seconds, so intervals below one second
// are rounded up to one second.
func (r *logEntryRepo) Aggregate(ctx context.Context, req models.AggregateRequest) ([]models.AggregationRow, error) {
	if r.closed.Load() {
		return nil, storage.ErrClosed
	}
	keyCol, ok := groupColumns[req.GroupBy]
	if !ok {
		return nil, fmt.Errorf("unsupported group by %q", req.GroupBy)
	}

	var results []struct {
		Bucket   int64
		GroupKey string
		Count    int64
	}

	query := r.applyFilter(r.reader.WithContext(ctx).Model(&models.LogEntry{}), req.Filter)
	if req.Interval > 0 {
		step := max(int64(req.Interval/time.Second), 1)
		query = query.Select(
			"(CAST(strftime('%s', timestamp) AS INTEGER) / ?) * ? as bucket, "+keyCol+" as group_key, COUNT(*) as count",
			step, step,
		)
	} else {
		query = query.Select("0 as bucket, " + keyCol + " as group_key, COUNT(*) as count")
	}
	if err := query.Group("bucket, group_key").Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("aggregate log entries: %w", err)
	}

	rows := make([]models.AggregationRow, 0, len(results))
	for _, res := range results {
		row := models.AggregationRow{Key: res.GroupKey, Count: res.Count}
		if req.Interval > 0 {
			row.Bucket = time.Unix(res.Bucket, 0).UTC()
		}
		rows = append(rows, row)
	}
	models.SortRows(rows)
	return rows, nil
}

// Partitions reports row counts and time span per monthly partition.
func (r *logEntryRepo) Partitions(ctx context.Context) ([]*PartitionStats, error) {
	if r.closed.Load() {
		return nil, storage.ErrClosed
	}

	var results []struct {
		Partition string
		Entries   int64
		Oldest    string
		Newest    string
	}
	err := r.reader.WithContext(ctx).Model(&models.LogEntry{}).
		Select("`partition` as partition, COUNT(*) as entries, MIN(timestamp) as oldest, MAX(timestamp) as newest").
		Group("`partition`").
		Order("`partition` DESC").
		Scan(&results).Error
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	stats := make([]*PartitionStats, 0, len(results))
	for _, res := range results {
		stats = append(stats, &PartitionStats{
			Partition: res.Partition,
			Entries:   res.Entries,
			Oldest:    parseSQLiteTime(res.Oldest),
			Newest:    parseSQLiteTime(res.Newest),
		})
	}
	return stats, nil
}

// Close marks the store closed. The pools belong to the caller.
func (r *logEntryRepo) Close() error {
	r.closed.Store(true)
	return nil
}

// applyFilter translates a LogFilter into WHERE clauses. Expired rows are
// hidden even before the retention sweep deletes them.
func (r *logEntryRepo) applyFilter(query *gorm.DB, f models.LogFilter) *gorm.DB {
	query = query.Where("NOT (expires_at > ? AND expires_at <= ?)", time.Time{}, r.now().UTC())

	if !f.Start.IsZero() {
		query = query.Where("timestamp >= ?", f.Start.UTC())
	}
	if !f.End.IsZero() {
		query = query.Where("timestamp < ?", f.End.UTC())
	}
	if len(f.Levels) > 0 {
		query = query.Where("level IN ?", f.Levels)
	}
	if len(f.AgentIDs) > 0 {
		query = query.Where("agent_id IN ?", f.AgentIDs)
	}
	if len(f.SourceIDs) > 0 {
		query = query.Where("source IN ?", f.SourceIDs)
	}
	if f.SessionID != "" {
		query = query.Where("session_id = ?", f.SessionID)
	}
	if f.Search != "" {
		query = query.Where("instr(lower(message), lower(?)) > 0", f.Search)
	}
	return query
}

// sqliteTimeLayouts are the text forms aggregate functions return for
// timestamp columns.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func parseSQLiteTime(s string) time.Time {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
