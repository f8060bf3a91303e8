package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentlog/internal/database/models"
	parsers "agentlog/internal/parser"
	"agentlog/internal/registry"

	"github.com/fsnotify/fsnotify"
	"github.com/pterm/pterm"
)

type collector struct {
	mu      sync.Mutex
	entries []*models.LogEntry
	failing bool
}

func (c *collector) Publish(ctx context.Context, e *models.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("publish timed out")
	}
	c.entries = append(c.entries, e)
	return nil
}

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Message
	}
	return out
}

func (c *collector) setFailing(v bool) {
	c.mu.Lock()
	c.failing = v
	c.mu.Unlock()
}

func jsonLine(msg string) string {
	return fmt.Sprintf(`{"timestamp":"2025-06-01T12:00:00Z","level":"info","message":%q}`+"\n", msg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func testSource(id, path string) registry.Source {
	return registry.Source{
		ID:      id,
		AgentID: "agent-" + id,
		Name:    id,
		Format:  models.FormatJSONLines,
		Spec:    registry.FileSpec{Paths: []string{path}},
		Enabled: true,
	}
}

func newTestProcessor(t *testing.T, path string, pub Publisher, positions PositionStore, cfg ProcessorConfig) *FileProcessor {
	t.Helper()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	parser, err := parsers.NewRegistry(logger).Get(models.FormatJSONLines)
	if err != nil {
		t.Fatalf("Failed to get parser: %v", err)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	p := NewFileProcessor(testSource("src", path), path, parser, pub, positions, cfg, logger)
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestFileProcessor_TailsOnlyNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	writeFile(t, path, jsonLine("history"))

	pub := &collector{}
	positions := NewMemoryPositionStore()
	p := newTestProcessor(t, path, pub, positions, ProcessorConfig{})
	p.Start()

	appendFile(t, path, jsonLine("one")+jsonLine("two")+"not json\n"+jsonLine("three"))
	waitFor(t, "three entries", func() bool { return len(pub.messages()) == 3 })

	got := pub.messages()
	if got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Errorf("Expected [one two three], got %v", got)
	}

	info, _ := os.Stat(path)
	waitFor(t, "position persisted", func() bool {
		pos, _ := positions.FindByPath(path)
		return pos != nil && pos.Offset == info.Size()
	})

	status := p.Status()
	if !status.IsHealthy {
		t.Error("Expected file to be healthy")
	}
	if status.EntriesPublished != 3 {
		t.Errorf("Expected 3 published entries, got %d", status.EntriesPublished)
	}
	if status.ParseFailures != 1 {
		t.Errorf("Expected 1 parse failure, got %d", status.ParseFailures)
	}
}

func TestFileProcessor_ResumesFromStoredPosition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	writeFile(t, path, jsonLine("a")+jsonLine("b"))

	positions := NewMemoryPositionStore()
	first := &collector{}
	p1 := newTestProcessor(t, path, first, positions, ProcessorConfig{StartFromBeginning: true})
	p1.Start()
	waitFor(t, "first run entries", func() bool { return len(first.messages()) == 2 })
	if !p1.Stop() {
		t.Fatal("Expected processor to stop within grace period")
	}

	appendFile(t, path, jsonLine("c"))

	second := &collector{}
	p2 := newTestProcessor(t, path, second, positions, ProcessorConfig{StartFromBeginning: true})
	p2.Start()
	waitFor(t, "second run entries", func() bool { return len(second.messages()) >= 1 })
	time.Sleep(100 * time.Millisecond)

	got := second.messages()
	if len(got) != 1 || got[0] != "c" {
		t.Errorf("Expected only [c] after resume, got %v", got)
	}
}

func TestFileProcessor_DeleteAndRecreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	writeFile(t, path, "")

	pub := &collector{}
	p := newTestProcessor(t, path, pub, nil, ProcessorConfig{})
	p.Start()

	appendFile(t, path, jsonLine("before"))
	waitFor(t, "entry before delete", func() bool { return len(pub.messages()) == 1 })

	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	p.Notify(fsnotify.Remove)
	waitFor(t, "file unhealthy", func() bool { return !p.Status().IsHealthy })

	writeFile(t, path, jsonLine("after 1")+jsonLine("after 2"))
	p.Notify(fsnotify.Create)
	waitFor(t, "file healthy again", func() bool { return p.Status().IsHealthy })
	waitFor(t, "entries from recreated file", func() bool { return len(pub.messages()) == 3 })

	got := pub.messages()
	if got[1] != "after 1" || got[2] != "after 2" {
		t.Errorf("Expected recreated file to be read from start, got %v", got)
	}
	if p.Status().Rotations != 1 {
		t.Errorf("Expected 1 rotation, got %d", p.Status().Rotations)
	}
}

func TestFileProcessor_MissingFileBecomesHealthy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.log")

	pub := &collector{}
	p := newTestProcessor(t, path, pub, nil, ProcessorConfig{})
	p.Start()
	waitFor(t, "missing file unhealthy", func() bool { return !p.Status().IsHealthy })
	if p.Status().LastError == "" {
		t.Error("Expected last error to be recorded")
	}

	writeFile(t, path, jsonLine("first"))
	waitFor(t, "late entry", func() bool { return len(pub.messages()) == 1 })
	if !p.Status().IsHealthy {
		t.Error("Expected file to recover once it exists")
	}
}

func TestFileProcessor_CountsDropsAndKeepsReading(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	writeFile(t, path, "")

	pub := &collector{failing: true}
	p := newTestProcessor(t, path, pub, nil, ProcessorConfig{})
	p.Start()

	appendFile(t, path, jsonLine("lost 1")+jsonLine("lost 2"))
	waitFor(t, "dropped entries", func() bool { return p.Status().EntriesDropped == 2 })

	pub.setFailing(false)
	appendFile(t, path, jsonLine("kept"))
	waitFor(t, "entry after recovery", func() bool { return len(pub.messages()) == 1 })
	if got := pub.messages()[0]; got != "kept" {
		t.Errorf("Expected kept, got %s", got)
	}
}

func TestFileProcessor_ParallelParsePreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	content := ""
	for i := 0; i < 500; i++ {
		content += jsonLine(fmt.Sprintf("msg %03d", i))
	}
	writeFile(t, path, content)

	pub := &collector{}
	p := newTestProcessor(t, path, pub, nil, ProcessorConfig{
		StartFromBeginning: true,
		WorkerPoolSize:     8,
		ParallelThreshold:  4,
		ReadChunkBytes:     1024,
	})
	p.Start()
	waitFor(t, "all entries", func() bool { return len(pub.messages()) == 500 })

	for i, msg := range pub.messages() {
		if want := fmt.Sprintf("msg %03d", i); msg != want {
			t.Fatalf("Expected %q at %d, got %q", want, i, msg)
		}
	}
}

func TestFileProcessor_StopBeforeStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	p := newTestProcessor(t, path, &collector{}, nil, ProcessorConfig{})
	if !p.Stop() {
		t.Error("Expected stop of an unstarted processor to succeed")
	}
}
