package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID          string
	Kind          string
	WorkingDir    string
	InProgress    bool
	Success       *bool
	ResultPath    *string
	FailureReason *string
	ExitCode      *int
	Cancelled     bool
	Started       time.Time
	Finished      *time.Time
}

type RunRow struct {
	Run
	ID int
}

// Outcome is how a run ended.
type Outcome struct {
	Success       bool
	ResultPath    string
	FailureReason string
	ExitCode      *int
	Cancelled     bool
	Finished      time.Time
}

const columns = `id, uuid, kind, working_dir, in_progress, success, result_path,
	failure_reason, exit_code, cancelled, started, finished`

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			working_dir TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			result_path TEXT DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			exit_code INTEGER DEFAULT NULL,
			cancelled BOOLEAN NOT NULL DEFAULT false,
			started INTEGER NOT NULL,
			finished INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start persists, on success, information that a run identified by 'uuid' is in progress.
// If the run is still in progress, no error is returned,
// if it has already finished ErrAlreadyFinished is returned.
func Start(ctx context.Context, db *sql.DB, run Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, run.UUID)

	var inProgress bool
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, run.UUID,
	)
	err = row.Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, kind, working_dir, in_progress, started) VALUES (?,?,?,?,?);`,
		run.UUID, run.Kind, run.WorkingDir, true, run.Started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns info about a run identified by 'uuid' on success,
// ErrNotFound when the run does not exist,
// error otherwise.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM runs WHERE uuid=?`, uuid,
	)
	r, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// Finish stores the outcome of a run identified by 'uuid',
// if the run has already finished, ErrAlreadyFinished is returned,
// ErrNotFound if it was never started.
func Finish(ctx context.Context, db *sql.DB, uuid string, out Outcome) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	row := tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	)
	err = row.Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var resultPath, reason, exitCode any
	if out.ResultPath != "" {
		resultPath = out.ResultPath
	}
	if out.FailureReason != "" {
		reason = out.FailureReason
	}
	if out.ExitCode != nil {
		exitCode = *out.ExitCode
	}
	finished := out.Finished
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			success = ?,
			result_path = ?,
			failure_reason = ?,
			exit_code = ?,
			cancelled = ?,
			finished = ?
		WHERE uuid = ?;
		`, out.Success, resultPath, reason, exitCode, out.Cancelled, finished.UnixMilli(), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first. A limit <= 0 returns all.
func List(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs ORDER BY started DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []RunRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows failed: %w", err)
	}
	return ret, nil
}

// LastSucceeded returns the most recent successful run or ErrNotFound.
func LastSucceeded(ctx context.Context, db *sql.DB) (RunRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM runs WHERE success = true ORDER BY finished DESC, id DESC LIMIT 1`,
	)
	r, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (RunRow, error) {
	var (
		r        RunRow
		exitCode sql.NullInt64
		started  int64
		finished sql.NullInt64
	)
	err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.Kind,
		&r.WorkingDir,
		&r.InProgress,
		&r.Success,
		&r.ResultPath,
		&r.FailureReason,
		&exitCode,
		&r.Cancelled,
		&started,
		&finished,
	)
	if err != nil {
		return RunRow{}, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	r.Started = time.UnixMilli(started).UTC()
	if finished.Valid {
		f := time.UnixMilli(finished.Int64).UTC()
		r.Finished = &f
	}
	return r, nil
}
