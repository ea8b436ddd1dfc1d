package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"automationsync/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

const runColumns = `id, trigger_kind, status, scheduled_at, started_at, ended_at, retrieved, written, failed, failed_keys, error, created_at`

func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	run.CreatedAt = time.Now().UTC()
	keys, err := encodeKeys(run.FailedKeys)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO sync_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Trigger, run.Status, run.ScheduledAt.UTC().Format(timeFormat),
		nullableTime(run.StartedAt), nullableTime(run.EndedAt), run.Retrieved, run.Written, run.Failed,
		keys, nullableString(run.Error), run.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, started_at = ?
		WHERE id = ?
	`, core.RunStatusRunning, startedAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return expectRow(res)
}

// MarkRunCompleted stores the final status, counts and error of a run.
func (s *Store) MarkRunCompleted(ctx context.Context, run *core.Run) error {
	keys, err := encodeKeys(run.FailedKeys)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, ended_at = ?, retrieved = ?, written = ?, failed = ?, failed_keys = ?, error = ?
		WHERE id = ?
	`, run.Status, nullableTime(run.EndedAt), run.Retrieved, run.Written, run.Failed, keys,
		nullableString(run.Error), run.ID)
	if err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return expectRow(res)
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM sync_runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneOldRuns removes run records beyond the retention limit.
func (s *Store) PruneOldRuns(ctx context.Context) error {
	if s.RunRetention <= 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM sync_runs
		WHERE id NOT IN (
			SELECT id FROM sync_runs
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
	`, s.RunRetention)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func expectRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func encodeKeys(keys []string) (any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("encode failed keys: %w", err)
	}
	return string(data), nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		run         core.Run
		trigger     string
		status      string
		scheduledAt string
		startedAt   sql.NullString
		endedAt     sql.NullString
		failedKeys  sql.NullString
		errMsg      sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&run.ID, &trigger, &status, &scheduledAt, &startedAt, &endedAt,
		&run.Retrieved, &run.Written, &run.Failed, &failedKeys, &errMsg, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Trigger = core.RunTrigger(trigger)
	run.Status = core.RunStatus(status)
	var err error
	if run.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if run.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	if failedKeys.Valid {
		if err := json.Unmarshal([]byte(failedKeys.String), &run.FailedKeys); err != nil {
			return nil, fmt.Errorf("decode failed keys: %w", err)
		}
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return &run, nil
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", value, err)
	}
	return t, nil
}
