package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type countingSource struct {
	n   atomic.Int32
	err error
}

func (s *countingSource) Snapshot(_ context.Context, dir string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	n := s.n.Add(1)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("state-%04d.json", n))
	return path, os.WriteFile(path, []byte("{}"), 0644)
}

func TestRunOnceKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	src := &countingSource{}
	w, err := NewWorker(src, dir, time.Hour, 2, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	// Files with another prefix are not touched.
	other := filepath.Join(dir, "traitlab-0001.db")
	if err := os.WriteFile(other, nil, 0644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := []string{"state-0003.json", "state-0004.json", "traitlab-0001.db"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("files = %v, want %v", names, want)
	}
}

func TestRunOnceError(t *testing.T) {
	w, err := NewWorker(&countingSource{err: errors.New("disk full")}, t.TempDir(), time.Hour, 1, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if _, err := w.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestWorkerRunsOnSchedule(t *testing.T) {
	src := &countingSource{}
	w, err := NewWorker(src, t.TempDir(), 20*time.Millisecond, 3, nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for src.n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if src.n.Load() < 2 {
		t.Fatalf("snapshots taken = %d, want at least 2", src.n.Load())
	}
}

func TestNewWorkerRequiresDir(t *testing.T) {
	if _, err := NewWorker(&countingSource{}, "", time.Minute, 1, nil); err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestSnapshotPrefix(t *testing.T) {
	if got := snapshotPrefix("/x/traitlab-20250101T000000.000000000Z.db"); got != "traitlab-" {
		t.Fatalf("prefix = %q", got)
	}
}
