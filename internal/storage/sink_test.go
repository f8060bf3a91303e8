package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
)

// flakyStore fails the first failures inserts, then delegates.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	calls    int
	batches  []int
}

func (f *flakyStore) Insert(ctx context.Context, entries []*models.LogEntry) error {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("database is locked")
	}
	f.batches = append(f.batches, len(entries))
	f.mu.Unlock()
	return f.Store.Insert(ctx, entries)
}

func newSinkForTest(t *testing.T, failures int, cfg SinkConfig) (*Sink, *flakyStore) {
	t.Helper()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	store := &flakyStore{Store: newTestStore(t, 0), failures: failures}
	return NewSink(store, cfg, logger), store
}

func TestSink_BatchesBySize(t *testing.T) {
	sink, store := newSinkForTest(t, 0, SinkConfig{BatchSize: 10, BatchInterval: time.Hour})

	in := make(chan *models.LogEntry, 64)
	go sink.Run(context.Background(), in)

	for i := 0; i < 25; i++ {
		in <- makeEntry(i, models.LevelInfo, "a")
	}
	close(in)
	<-sink.Done()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 3 || store.batches[0] != 10 || store.batches[2] != 5 {
		t.Errorf("Expected batches [10 10 5], got %v", store.batches)
	}
	if st := sink.Stats(); st.Written != 25 || st.Batches != 3 {
		t.Errorf("Expected 25 written in 3 batches, got %+v", st)
	}
}

func TestSink_FlushesOnInterval(t *testing.T) {
	sink, store := newSinkForTest(t, 0, SinkConfig{BatchSize: 100, BatchInterval: 20 * time.Millisecond})

	in := make(chan *models.LogEntry, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx, in)

	in <- makeEntry(1, models.LevelInfo, "a")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.Stats().Written == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := sink.Stats().Written; got != 1 {
		t.Errorf("Expected time-based flush to write 1 entry, got %d", got)
	}

	n, _ := store.Count(context.Background(), models.LogFilter{})
	if n != 1 {
		t.Errorf("Expected 1 stored entry, got %d", n)
	}
}

func TestSink_RetriesTransientFailures(t *testing.T) {
	sink, store := newSinkForTest(t, 2, SinkConfig{RetryAttempts: 5, RetryBase: time.Millisecond, RetryMax: 4 * time.Millisecond})

	ok := sink.Write(context.Background(), []*models.LogEntry{makeEntry(1, models.LevelInfo, "a")})
	if !ok {
		t.Fatal("Expected write to succeed after retries")
	}

	st := sink.Stats()
	if st.Retries != 2 || st.Written != 1 || st.ConsecutiveFailures != 0 {
		t.Errorf("Expected 2 retries and a reset failure counter, got %+v", st)
	}
	if store.calls != 3 {
		t.Errorf("Expected 3 insert calls, got %d", store.calls)
	}
}

func TestSink_DropsAfterBudget(t *testing.T) {
	sink, store := newSinkForTest(t, 100, SinkConfig{RetryAttempts: 3, RetryBase: time.Millisecond, RetryMax: time.Millisecond})

	entries := []*models.LogEntry{makeEntry(1, models.LevelInfo, "a"), makeEntry(2, models.LevelInfo, "a")}
	if sink.Write(context.Background(), entries) {
		t.Fatal("Expected batch to be dropped")
	}

	st := sink.Stats()
	if st.Dropped != 2 || st.ConsecutiveFailures != 3 || st.LastError == "" {
		t.Errorf("Expected 2 dropped after 3 failures, got %+v", st)
	}
	if store.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", store.calls)
	}
}

func TestSink_TagsPartitionAndExpiry(t *testing.T) {
	sink, _ := newSinkForTest(t, 0, SinkConfig{Retention: 90 * 24 * time.Hour})

	e := makeEntry(1, models.LevelInfo, "a")
	sink.Write(context.Background(), []*models.LogEntry{e})

	if e.Partition != "2025-06" {
		t.Errorf("Expected partition 2025-06, got %q", e.Partition)
	}
	if !e.ExpiresAt.Equal(e.Timestamp.Add(90 * 24 * time.Hour)) {
		t.Errorf("Expected expiry 90 days after timestamp, got %v", e.ExpiresAt)
	}
}

func TestSink_Backoff(t *testing.T) {
	sink, _ := newSinkForTest(t, 0, SinkConfig{RetryBase: 200 * time.Millisecond, RetryMax: 5 * time.Second})

	tests := map[int]time.Duration{
		1: 200 * time.Millisecond,
		2: 400 * time.Millisecond,
		3: 800 * time.Millisecond,
		5: 3200 * time.Millisecond,
		6: 5 * time.Second,
		9: 5 * time.Second,
	}
	for attempt, want := range tests {
		if got := sink.backoff(attempt); got != want {
			t.Errorf("Expected backoff %v for attempt %d, got %v", want, attempt, got)
		}
	}
}
