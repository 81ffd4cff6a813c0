package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dftlab/dftsup/internal/log"
	"github.com/dftlab/dftsup/internal/model"
)

// Results reads the result file of dir, or of the last successful run
// when dir is empty.
func (s *Supervisor) Results(_ context.Context, dir string) (model.ResultSet, error) {
	if dir == "" {
		dir = s.LastWorkDir()
	}
	if dir == "" {
		return model.ResultSet{}, fmt.Errorf("%w: no analysis has succeeded yet", model.ErrNotFound)
	}

	path, ok := FindArtifact(filepath.Join(dir, s.resultsDir, s.resultsFile))
	if !ok {
		return model.ResultSet{}, fmt.Errorf("%w: no %s in %s", model.ErrNotFound, s.resultsFile, dir)
	}
	info, err := os.Stat(path)
	if err != nil {
		return model.ResultSet{}, fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ResultSet{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return model.ResultSet{}, model.NewRunError(model.ErrValidation, "%s is not valid JSON", path)
	}

	return model.ResultSet{
		Path:       path,
		WorkingDir: dir,
		Modified:   info.ModTime().UTC(),
		AgeSeconds: time.Since(info.ModTime()).Seconds(),
		Summary:    summarize(data),
		Data:       data,
	}, nil
}

// summarize collects the top level scalar fields of a JSON object.
func summarize(data []byte) map[string]string {
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil
	}
	summary := make(map[string]string)
	doc.ForEach(func(key, value gjson.Result) bool {
		switch value.Type {
		case gjson.String, gjson.Number, gjson.True, gjson.False:
			summary[key.String()] = value.String()
		}
		return true
	})
	return summary
}

// Extract runs the configured extraction command in dir, which converts
// the analysis artifact to the result file, and returns the fresh results.
// Only one extraction runs at a time.
func (s *Supervisor) Extract(ctx context.Context, dir string) (model.ResultSet, error) {
	if s.extract == nil {
		return model.ResultSet{}, fmt.Errorf("%w: no extraction command configured", model.ErrNotFound)
	}
	if dir == "" {
		dir = s.LastWorkDir()
	}
	if dir == "" {
		return model.ResultSet{}, fmt.Errorf("%w: no analysis has succeeded yet", model.ErrNotFound)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return model.ResultSet{}, fmt.Errorf("%w: working directory %s", model.ErrNotFound, dir)
	}
	if !s.extractMx.TryLock() {
		return model.ResultSet{}, fmt.Errorf("%w: extraction in progress", model.ErrBusy)
	}
	defer s.extractMx.Unlock()

	ctx = log.ContextAttrs(ctx, slog.String("extract_dir", dir))
	tail := newTailBuffer(s.tailBytes)
	proc, err := s.launcher.Spawn(ctx, dir, *s.extract, tail, tail)
	if err != nil {
		return model.ResultSet{}, err
	}
	slog.InfoContext(ctx, "extraction started", "pid", proc.Pid())

	select {
	case <-proc.Done():
	case <-ctx.Done():
		if err := proc.Terminate(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "terminating extraction", "error", err)
		}
		return model.ResultSet{}, ctx.Err()
	}

	res := proc.Result()
	code := res.ExitCode()
	switch {
	case errors.Is(res.Err, model.ErrTimeout):
		return model.ResultSet{}, &model.RunError{
			Err:    model.ErrTimeout,
			Detail: fmt.Sprintf("extraction did not finish within %s", s.extract.Timeout),
			Tail:   tail.String(),
		}
	case code != 0:
		return model.ResultSet{}, &model.RunError{
			Err:      model.ErrExitMismatch,
			Detail:   "extraction failed",
			ExitCode: &code,
			Tail:     tail.String(),
		}
	}
	slog.InfoContext(ctx, "extraction finished")
	return s.Results(ctx, dir)
}
