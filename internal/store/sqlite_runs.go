package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

func (s *SQLiteStore) CreateRun(ctx context.Context, kind string, asOf time.Time, h model.Horizon) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, as_of, horizon_days, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, kind, sqliteTime(asOf), int(h), string(model.RunStatusQueued), sqliteTime(now), sqliteTime(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &model.Run{
		ID:        id,
		Kind:      kind,
		AsOf:      asOf.UTC(),
		Horizon:   h,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), sqliteTime(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult, errMsg string) error {
	var resultJSON any
	if result != nil {
		raw, err := encodeJSON(result)
		if err != nil {
			return err
		}
		resultJSON = raw
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), resultJSON, errMsg, sqliteTime(time.Now()), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const runCols = `id, kind, as_of, horizon_days, status, result, error, created_at, updated_at`

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var result sql.NullString
	if err := row.Scan(&r.ID, &r.Kind, timeCol{&r.AsOf}, &r.Horizon, &r.Status, &result, &r.Error,
		timeCol{&r.CreatedAt}, timeCol{&r.UpdatedAt}); err != nil {
		return nil, err
	}
	if result.Valid {
		r.Result = &model.RunResult{}
		if err := decodeJSON([]byte(result.String), r.Result); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.NotFoundError{Entity: "run", ID: runID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runCols + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) CreateStage(ctx context.Context, runID, name string) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, name, string(model.StageStatusRunning), sqliteTime(now),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert stage for run %s", runID)
	}
	return &model.RunStage{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	resultJSON, err := encodeJSON(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_stages SET status = ?, result = ? WHERE id = ?`,
		string(result.Status), resultJSON, stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageID)
	}
	return checkRowsAffected(res, "stage", stageID)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, f model.StageFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_failures (id, run_id, stage, entity_id, as_of, code, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.RunID, f.Stage, f.EntityID, sqliteTime(f.AsOf), string(f.Code), f.Message, sqliteTime(f.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: record failure for %s", f.EntityID)
}

func (s *SQLiteStore) ListFailures(ctx context.Context, filter FailureFilter) ([]model.StageFailure, error) {
	query := `SELECT id, run_id, stage, entity_id, as_of, code, message, created_at FROM stage_failures WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, filter.Stage)
	}
	if filter.Code != "" {
		query += ` AND code = ?`
		args = append(args, string(filter.Code))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StageFailure
	for rows.Next() {
		var f model.StageFailure
		if err := rows.Scan(&f.ID, &f.RunID, &f.Stage, &f.EntityID, timeCol{&f.AsOf}, &f.Code, &f.Message,
			timeCol{&f.CreatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) CountFailuresByCode(ctx context.Context, since time.Time) (map[model.Code]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT code, COUNT(*) FROM stage_failures WHERE created_at >= ? GROUP BY code`, sqliteTime(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count failures")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.Code]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure count")
		}
		out[model.Code(code)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count failures iterate")
}
