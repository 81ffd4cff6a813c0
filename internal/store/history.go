package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dftlab/dftsup/internal/model"
)

// History records analysis runs in a SQLite database.
type History struct {
	db *sql.DB
}

// OpenHistory opens or creates the database at path.
func OpenHistory(ctx context.Context, path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := InitDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("initializing history database: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Begin(ctx context.Context, info model.RunInfo) error {
	return Start(ctx, h.db, Run{
		UUID:       info.ID,
		Kind:       info.Kind,
		WorkingDir: info.WorkingDir,
		Started:    info.Started,
	})
}

func (h *History) Finish(ctx context.Context, info model.RunInfo) error {
	out := Outcome{
		Success:       info.State == model.RunSucceeded,
		ResultPath:    info.ResultPath,
		FailureReason: info.Error,
		ExitCode:      info.ExitCode,
		Cancelled:     info.Cancelled,
	}
	if info.Finished != nil {
		out.Finished = *info.Finished
	}
	return Finish(ctx, h.db, info.ID, out)
}

// LastSucceeded returns the working directory of the last successful run,
// model.ErrNotFound if there is none.
func (h *History) LastSucceeded(ctx context.Context) (string, error) {
	row, err := LastSucceeded(ctx, h.db)
	if errors.Is(err, ErrNotFound) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return row.WorkingDir, nil
}

// Get returns a single run, model.ErrNotFound for an unknown id.
func (h *History) Get(ctx context.Context, id string) (model.RunInfo, error) {
	row, err := Get(ctx, h.db, id)
	if errors.Is(err, ErrNotFound) {
		return model.RunInfo{}, fmt.Errorf("%w: run %s", model.ErrNotFound, id)
	}
	if err != nil {
		return model.RunInfo{}, err
	}
	return row.Info(), nil
}

func (h *History) List(ctx context.Context, limit int) ([]model.RunInfo, error) {
	rows, err := List(ctx, h.db, limit)
	if err != nil {
		return nil, err
	}
	ret := make([]model.RunInfo, 0, len(rows))
	for _, r := range rows {
		ret = append(ret, r.Info())
	}
	return ret, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Info converts a stored row to the API representation.
func (r RunRow) Info() model.RunInfo {
	info := model.RunInfo{
		ID:         r.UUID,
		Kind:       r.Kind,
		WorkingDir: r.WorkingDir,
		Started:    r.Started,
		Finished:   r.Finished,
		ExitCode:   r.ExitCode,
		Cancelled:  r.Cancelled,
		State:      model.RunPending,
	}
	if r.InProgress {
		info.State = model.RunRunning
	}
	if r.Success != nil {
		info.State = model.RunFailed
		if *r.Success {
			info.State = model.RunSucceeded
			info.Progress = 100
		}
	}
	if r.ResultPath != nil {
		info.ResultPath = *r.ResultPath
	}
	if r.FailureReason != nil {
		info.Error = *r.FailureReason
	}
	return info
}
