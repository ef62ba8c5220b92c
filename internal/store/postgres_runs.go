package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

func (s *PostgresStore) CreateRun(ctx context.Context, kind string, asOf time.Time, h model.Horizon) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, pgInsertRun,
		id, kind, utc(asOf), int(h), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx, pgUpdateRunStatus, string(status), time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult, errMsg string) error {
	var resultJSON any
	if result != nil {
		raw, err := encodeJSON(result)
		if err != nil {
			return err
		}
		resultJSON = raw
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, result = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(status), resultJSON, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var result []byte
	if err := row.Scan(&r.ID, &r.Kind, &r.AsOf, &r.Horizon, &r.Status, &result, &r.Error,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if result != nil {
		r.Result = &model.RunResult{}
		if err := decodeJSON(result, r.Result); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+runCols+` FROM runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &model.NotFoundError{Entity: "run", ID: runID}
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runCols + ` FROM runs WHERE true`
	var args pgArgs
	if filter.Status != "" {
		query += ` AND status = ` + args.add(string(filter.Status))
	}
	if filter.Kind != "" {
		query += ` AND kind = ` + args.add(filter.Kind)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + args.add(limitOr(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ` + args.add(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) CreateStage(ctx context.Context, runID, name string) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, pgInsertStage, id, runID, name, string(model.StageStatusRunning), now)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert stage for run %s", runID)
	}
	return &model.RunStage{
		ID:        id,
		RunID:     runID,
		Name:      name,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error {
	resultJSON, err := encodeJSON(result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, pgCompleteStage, string(result.Status), resultJSON, stageID)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("stage not found: %s", stageID)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, f model.StageFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, pgInsertFailure,
		f.ID, f.RunID, f.Stage, f.EntityID, utc(f.AsOf), string(f.Code), f.Message, utc(f.CreatedAt),
	)
	return eris.Wrapf(err, "postgres: record failure for %s", f.EntityID)
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter FailureFilter) ([]model.StageFailure, error) {
	query := `SELECT id, run_id, stage, entity_id, as_of, code, message, created_at FROM stage_failures WHERE true`
	var args pgArgs
	if filter.RunID != "" {
		query += ` AND run_id = ` + args.add(filter.RunID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ` + args.add(filter.Stage)
	}
	if filter.Code != "" {
		query += ` AND code = ` + args.add(string(filter.Code))
	}
	query += ` ORDER BY created_at DESC LIMIT ` + args.add(limitOr(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []model.StageFailure
	for rows.Next() {
		var f model.StageFailure
		if err := rows.Scan(&f.ID, &f.RunID, &f.Stage, &f.EntityID, &f.AsOf, &f.Code, &f.Message, &f.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) CountFailuresByCode(ctx context.Context, since time.Time) (map[model.Code]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, COUNT(*) FROM stage_failures WHERE created_at >= $1 GROUP BY code`, utc(since))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count failures")
	}
	defer rows.Close()

	out := make(map[model.Code]int)
	for rows.Next() {
		var code string
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure count")
		}
		out[model.Code(code)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: count failures iterate")
}
