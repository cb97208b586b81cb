package collector_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentinelwatch/agent/internal/collector"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_EmitsLinesFromTailedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	writeFile(t, path, "")

	w := collector.NewWatcher(testLogger(), 20*time.Millisecond)
	w.AddPath(path, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	<-w.Ready()
	appendFile(t, path, "hello\nworld\n")

	var got []collector.LogEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case evt := <-w.Events():
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d: %v", len(got), got)
		}
	}

	if got[0].Content != "hello" || got[1].Content != "world" {
		t.Errorf("events = %v, want [hello, world]", got)
	}
	if got[0].SourcePath != path {
		t.Errorf("SourcePath = %q, want %q", got[0].SourcePath, path)
	}
}

func TestWatcher_AddPath_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	writeFile(t, path, "")

	w := collector.NewWatcher(testLogger(), time.Second)
	w.AddPath(path, false)
	w.AddPath(path, false)

	if snap := w.Snapshot(); len(snap) != 1 {
		t.Errorf("Snapshot() = %v, want exactly one path", snap)
	}
}

func TestWatcher_Snapshot_ReflectsAddedPaths(t *testing.T) {
	dir := t.TempDir()
	path1 := filepath.Join(dir, "a.log")
	path2 := filepath.Join(dir, "b.log")
	writeFile(t, path1, "")
	writeFile(t, path2, "")

	w := collector.NewWatcher(testLogger(), time.Second)
	w.AddPath(path1, false)
	w.AddPath(path2, false)

	snap := w.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() = %v, want 2 paths", snap)
	}
}

func TestWatcher_StopIsIdempotentAndClosesEvents(t *testing.T) {
	w := collector.NewWatcher(testLogger(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-w.Ready()

	w.Stop()
	w.Stop() // must not panic or block

	if _, ok := <-w.Events(); ok {
		t.Error("Events() channel still open after Stop")
	}
}

func TestWatcher_MissingFile_ToleratedUntilCreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-yet.log")

	w := collector.NewWatcher(testLogger(), 20*time.Millisecond)
	w.AddPath(path, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()
	<-w.Ready()

	// File doesn't exist yet; watcher should not error or panic.
	time.Sleep(50 * time.Millisecond)

	writeFile(t, path, "")
	appendFile(t, path, "now it exists\n")

	select {
	case evt := <-w.Events():
		if evt.Content != "now it exists" {
			t.Errorf("Content = %q, want %q", evt.Content, "now it exists")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after file creation")
	}
}
