package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dftlab/dftsup/internal/model"
)

// Watcher reports the first appearance of a result artifact. Polling is
// authoritative, filesystem notifications only make the sighting faster.
type Watcher struct {
	path     string
	interval time.Duration
}

func NewWatcher(path string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = model.DefaultPollInterval
	}
	return &Watcher{path: path, interval: interval}
}

func (w *Watcher) Path() string {
	return w.path
}

// Watch blocks until the artifact is found or ctx is done. The located path
// is sent to found at most once.
func (w *Watcher) Watch(ctx context.Context, found chan<- string) {
	if w.report(ctx, found) {
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw := w.notifier(ctx); fw != nil {
		defer func() {
			if err := fw.Close(); err != nil {
				slog.DebugContext(ctx, "closing fsnotify watcher", "error", err)
			}
		}()
		events = fw.Events
		errs = fw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.DebugContext(ctx, "fsnotify error: relying on polling", "error", err)
			continue
		}
		if w.report(ctx, found) {
			return
		}
	}
}

func (w *Watcher) report(ctx context.Context, found chan<- string) bool {
	path, ok := FindArtifact(w.path)
	if !ok {
		return false
	}
	select {
	case found <- path:
	case <-ctx.Done():
	}
	return true
}

// notifier watches the artifact's parent directory. Nil means the
// directory can't be watched and only polling is used.
func (w *Watcher) notifier(ctx context.Context) *fsnotify.Watcher {
	dir, ok := FindArtifact(filepath.Dir(w.path))
	if !ok {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		slog.DebugContext(ctx, "fsnotify unavailable", "error", err)
		return nil
	}
	if err := fw.Add(dir); err != nil {
		slog.DebugContext(ctx, "fsnotify can't watch output directory", "dir", dir, "error", err)
		_ = fw.Close()
		return nil
	}
	return fw
}

// FindArtifact returns path when it exists. Otherwise every component is
// looked up case-insensitively in its parent directory, so output/Results.MAT
// matches output/results.mat on case-sensitive filesystems too.
func FindArtifact(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if _, err := os.Stat(path); err == nil {
		return path, true
	}
	return resolveFold(filepath.Clean(path))
}

func resolveFold(path string) (string, bool) {
	if _, err := os.Lstat(path); err == nil {
		return path, true
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	parent, name := filepath.Split(path)
	parent = filepath.Clean(parent)
	if name == "" || parent == path {
		return "", false
	}
	parent, ok := resolveFold(parent)
	if !ok {
		return "", false
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return filepath.Join(parent, e.Name()), true
		}
	}
	return "", false
}
