package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
)

var baseTime = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func makeEntry(i int, level models.Level, agent string) *models.LogEntry {
	return &models.LogEntry{
		ID:        fmt.Sprintf("id-%05d", i),
		Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
		Level:     level,
		Message:   fmt.Sprintf("message %d", i),
		Source:    agent + "-src",
		AgentID:   agent,
		SessionID: fmt.Sprintf("s-%d", i%3),
		Metadata:  map[string]any{"n": float64(i)},
		Raw:       fmt.Sprintf(`{"n":%d}`, i),
	}
}

func newTestStore(t *testing.T, blockRows int) *MemoryStore {
	t.Helper()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	store, err := NewMemoryStore(MemoryConfig{BlockRows: blockRows}, logger)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryStore_InsertIgnoresDuplicates(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	entries := []*models.LogEntry{makeEntry(1, models.LevelInfo, "a"), makeEntry(2, models.LevelInfo, "a")}
	if err := store.Insert(ctx, entries); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := store.Insert(ctx, entries); err != nil {
		t.Fatalf("Expected no error on re-insert, got %v", err)
	}

	n, err := store.Count(ctx, models.LogFilter{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}
}

func TestMemoryStore_QueryAcrossSealedBlocks(t *testing.T) {
	store := newTestStore(t, 10)
	ctx := context.Background()

	var entries []*models.LogEntry
	for i := 0; i < 35; i++ {
		level := models.LevelInfo
		if i%5 == 0 {
			level = models.LevelError
		}
		entries = append(entries, makeEntry(i, level, "a"))
	}
	if err := store.Insert(ctx, entries); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	stats := store.Stats()
	if stats.SealedBlocks != 3 || stats.ActiveRows != 5 || stats.Rows != 35 {
		t.Errorf("Expected 3 sealed blocks and 5 active rows, got %+v", stats)
	}

	got, err := store.Query(ctx, models.LogQuery{Limit: 3})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(got) != 3 || got[0].ID != "id-00034" || got[2].ID != "id-00032" {
		t.Errorf("Expected newest three entries, got %v", ids(got))
	}

	asc, _ := store.Query(ctx, models.LogQuery{SortAsc: true, Offset: 2, Limit: 2})
	if len(asc) != 2 || asc[0].ID != "id-00002" {
		t.Errorf("Expected ascending page starting at id-00002, got %v", ids(asc))
	}

	errs, _ := store.Query(ctx, models.LogQuery{Filter: models.LogFilter{Levels: []models.Level{models.LevelError}}})
	if len(errs) != 7 {
		t.Errorf("Expected 7 error entries, got %d", len(errs))
	}

	decoded := got[0]
	if decoded.Metadata["n"] != float64(34) || decoded.Raw != `{"n":34}` || decoded.SessionID != "s-1" {
		t.Errorf("Expected entry to round-trip through sealed columns, got %+v", decoded)
	}
}

func TestMemoryStore_TimeRangeAndSearch(t *testing.T) {
	store := newTestStore(t, 8)
	ctx := context.Background()

	var entries []*models.LogEntry
	for i := 0; i < 20; i++ {
		entries = append(entries, makeEntry(i, models.LevelInfo, "a"))
	}
	_ = store.Insert(ctx, entries)

	n, _ := store.Count(ctx, models.LogFilter{Start: baseTime.Add(5 * time.Minute), End: baseTime.Add(10 * time.Minute)})
	if n != 5 {
		t.Errorf("Expected 5 entries in [5m,10m), got %d", n)
	}

	n, _ = store.Count(ctx, models.LogFilter{Search: "MESSAGE 1"})
	if n != 11 {
		t.Errorf("Expected 11 case-insensitive matches, got %d", n)
	}
}

func TestMemoryStore_Aggregate(t *testing.T) {
	store := newTestStore(t, 16)
	ctx := context.Background()

	var entries []*models.LogEntry
	for i := 0; i < 120; i++ {
		agent := "a"
		if i%4 == 0 {
			agent = "b"
		}
		entries = append(entries, makeEntry(i, models.LevelInfo, agent))
	}
	_ = store.Insert(ctx, entries)

	rows, err := store.Aggregate(ctx, models.AggregateRequest{GroupBy: models.GroupByAgent, Interval: time.Hour})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("Expected 4 rows (2 hours x 2 agents), got %d", len(rows))
	}
	if rows[0].Key != "a" || rows[0].Count != 45 || !rows[0].Bucket.Equal(baseTime) {
		t.Errorf("Expected first row a=45 at %v, got %+v", baseTime, rows[0])
	}
	if rows[1].Key != "b" || rows[1].Count != 15 {
		t.Errorf("Expected second row b=15, got %+v", rows[1])
	}

	total, _ := store.Aggregate(ctx, models.AggregateRequest{})
	if len(total) != 1 || total[0].Count != 120 {
		t.Errorf("Expected single total row of 120, got %+v", total)
	}

	if _, err := store.Aggregate(ctx, models.AggregateRequest{GroupBy: "host"}); err == nil {
		t.Error("Expected error for unknown grouping")
	}
}

func TestMemoryStore_RetentionPrunesBlocks(t *testing.T) {
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	store, err := NewMemoryStore(MemoryConfig{BlockRows: 10, Retention: 24 * time.Hour}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	store.now = func() time.Time { return baseTime.Add(48 * time.Hour) }
	ctx := context.Background()

	var old []*models.LogEntry
	for i := 0; i < 10; i++ {
		old = append(old, makeEntry(i, models.LevelInfo, "a"))
	}
	_ = store.Insert(ctx, old)

	var fresh []*models.LogEntry
	for i := 0; i < 10; i++ {
		e := makeEntry(1000+i, models.LevelInfo, "a")
		e.Timestamp = baseTime.Add(47 * time.Hour)
		fresh = append(fresh, e)
	}
	_ = store.Insert(ctx, fresh)

	if st := store.Stats(); st.SealedBlocks != 1 || st.PrunedBlocks != 1 {
		t.Errorf("Expected expired block to be pruned on seal, got %+v", st)
	}

	n, _ := store.Count(ctx, models.LogFilter{})
	if n != 10 {
		t.Errorf("Expected 10 live entries, got %d", n)
	}

	// Pruned ids can be stored again.
	_ = store.Insert(ctx, old[:1])
	if st := store.Stats(); st.ActiveRows != 1 {
		t.Errorf("Expected pruned id to be accepted again, got %+v", st)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	store := newTestStore(t, 0)
	store.Close()

	if err := store.Insert(context.Background(), []*models.LogEntry{makeEntry(1, models.LevelInfo, "a")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := store.Count(context.Background(), models.LogFilter{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestCodec_RejectsCorruptBlock(t *testing.T) {
	cd, err := newCodec()
	if err != nil {
		t.Fatal(err)
	}
	defer cd.close()

	cols := &columns{}
	for i := 0; i < 5; i++ {
		_ = cols.append(makeEntry(i, models.LevelWarn, "a"))
	}
	data := cd.seal(cols, cols.ts[0], cols.ts[4])

	back, err := cd.unseal(data)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if back.len() != 5 || back.entry(4).Level != models.LevelWarn {
		t.Errorf("Expected 5 warn rows, got %d", back.len())
	}

	if _, err := cd.unseal(append([]byte("BADMAGIC"), data[8:]...)); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("Expected ErrInvalidBlock, got %v", err)
	}
	if _, err := cd.unseal(data[:len(data)-30]); err == nil {
		t.Error("Expected error for truncated block")
	}
}

func ids(entries []*models.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
