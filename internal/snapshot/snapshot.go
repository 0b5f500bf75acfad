// Package snapshot periodically copies the store state to a backup
// directory and prunes old copies.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ashureev/traitlab/internal/metrics"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultKeep     = 6
)

// Source writes a point-in-time copy of its state into dir and returns the
// written path.
type Source interface {
	Snapshot(ctx context.Context, dir string) (string, error)
}

// Worker runs snapshots on a fixed interval.
type Worker struct {
	source    Source
	dir       string
	keep      int
	interval  time.Duration
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// NewWorker creates a snapshot worker. It does not start until Start.
func NewWorker(source Source, dir string, interval time.Duration, keep int, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if keep <= 0 {
		keep = DefaultKeep
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Worker{
		source:    source,
		dir:       dir,
		keep:      keep,
		interval:  interval,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

// Start schedules the snapshot job. Runs never overlap.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() {
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Snapshot failed", "error", err)
			}
		}),
		gocron.WithName("state-snapshot"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot job: %w", err)
	}

	w.scheduler.Start()
	w.logger.Info("Snapshot worker started", "interval", w.interval, "dir", w.dir, "keep", w.keep)
	return nil
}

// Stop waits for a running snapshot and stops the scheduler.
func (w *Worker) Stop() error {
	if err := w.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown snapshot scheduler: %w", err)
	}
	w.logger.Info("Snapshot worker stopped")
	return nil
}

// RunOnce takes one snapshot and prunes old ones.
func (w *Worker) RunOnce(ctx context.Context) (string, error) {
	start := time.Now()
	path, err := w.source.Snapshot(ctx, w.dir)
	if err != nil {
		metrics.SnapshotRuns.WithLabelValues("error").Inc()
		return "", fmt.Errorf("take snapshot: %w", err)
	}
	metrics.SnapshotRuns.WithLabelValues("ok").Inc()

	removed, err := Prune(w.dir, snapshotPrefix(path), w.keep)
	if err != nil {
		w.logger.Warn("Snapshot prune failed", "error", err, "dir", w.dir)
	}
	w.logger.Info("Snapshot written", "path", path, "pruned", removed, "duration", time.Since(start))
	return path, nil
}

// snapshotPrefix returns the name part before the timestamp, e.g.
// "traitlab-" for "traitlab-20250101T000000.000000000Z.db".
func snapshotPrefix(path string) string {
	name := filepath.Base(path)
	if i := strings.Index(name, "-"); i >= 0 {
		return name[:i+1]
	}
	return name
}

// Prune deletes all but the newest keep files in dir whose names start with
// prefix. Snapshot names embed a sortable UTC timestamp, so name order is
// age order.
func Prune(dir, prefix string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read snapshot directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) <= keep {
		return 0, nil
	}

	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}
