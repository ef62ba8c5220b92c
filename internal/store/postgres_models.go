package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

func (s *PostgresStore) InsertModelVersion(ctx context.Context, mv model.ModelVersion) error {
	samples, err := encodeJSON(mv.Samples)
	if err != nil {
		return err
	}
	features, err := encodeJSON(mv.Features)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_versions (id, name, version, model_type, horizon_days, training_cutoff, samples,
		   features, artifact_location, status, error, trained_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		mv.ID, mv.Name, mv.Version, mv.ModelType, int(mv.Horizon), utc(mv.TrainingCutoff), samples,
		features, mv.ArtifactLocation, string(mv.Status), mv.Error, utc(mv.TrainedAt),
	)
	return eris.Wrapf(err, "postgres: insert model version %s", mv.ID)
}

func scanPgModel(row pgx.Row) (*model.ModelVersion, error) {
	var mv model.ModelVersion
	var samples, features, metrics, importances []byte
	if err := row.Scan(&mv.ID, &mv.Name, &mv.Version, &mv.ModelType, &mv.Horizon, &mv.TrainingCutoff,
		&samples, &features, &metrics, &importances, &mv.ArtifactLocation, &mv.Status, &mv.Error,
		&mv.TrainedAt, &mv.DeployedAt, &mv.ArchivedAt); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{samples, &mv.Samples}, {features, &mv.Features}, {metrics, &mv.Metrics}, {importances, &mv.Importances}} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return nil, err
		}
	}
	mv.TrainingCutoff = mv.TrainingCutoff.UTC()
	mv.TrainedAt = mv.TrainedAt.UTC()
	return &mv, nil
}

func (s *PostgresStore) GetModelVersion(ctx context.Context, id string) (*model.ModelVersion, error) {
	mv, err := scanPgModel(s.pool.QueryRow(ctx, `SELECT `+modelCols+` FROM model_versions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get model version %s", id)
	}
	return mv, nil
}

func (s *PostgresStore) GetDeployedModel(ctx context.Context, h model.Horizon) (*model.ModelVersion, error) {
	mv, err := scanPgModel(s.pool.QueryRow(ctx, pgGetDeployedModel, int(h)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get deployed model %dd", int(h))
	}
	return mv, nil
}

func (s *PostgresStore) ListModelVersions(ctx context.Context, filter ModelFilter) ([]model.ModelVersion, error) {
	query := `SELECT ` + modelCols + ` FROM model_versions WHERE true`
	var args pgArgs
	if filter.Horizon > 0 {
		query += ` AND horizon_days = ` + args.add(int(filter.Horizon))
	}
	if filter.Status != "" {
		query += ` AND status = ` + args.add(string(filter.Status))
	}
	query += ` ORDER BY trained_at DESC, id LIMIT ` + args.add(limitOr(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list model versions")
	}
	defer rows.Close()

	var out []model.ModelVersion
	for rows.Next() {
		mv, err := scanPgModel(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan model version")
		}
		out = append(out, *mv)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list model versions iterate")
}

func (s *PostgresStore) CompleteModelVersion(ctx context.Context, id string, result model.TrainingResult) error {
	samples, err := encodeJSON(result.Samples)
	if err != nil {
		return err
	}
	features, err := encodeJSON(result.Features)
	if err != nil {
		return err
	}
	metrics, err := encodeJSON(result.Metrics)
	if err != nil {
		return err
	}
	importances, err := encodeJSON(result.Importances)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE model_versions SET samples = $1, features = $2, metrics = $3, importances = $4,
		   artifact_location = $5, status = 'completed'
		 WHERE id = $6 AND status = 'training'`,
		samples, features, metrics, importances, result.ArtifactLocation, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete model version %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.transitionMiss(ctx, id, model.ModelCompleted)
}

func (s *PostgresStore) TransitionModelVersion(ctx context.Context, id string, from, to model.ModelStatus, at time.Time, errMsg string) error {
	if !model.CanTransition(from, to) {
		return &model.StatusTransitionError{ID: id, From: from, To: to}
	}
	var args pgArgs
	query := `UPDATE model_versions SET status = ` + args.add(string(to))
	switch to {
	case model.ModelDeployed:
		query += `, deployed_at = ` + args.add(utc(at))
	case model.ModelArchived:
		query += `, archived_at = ` + args.add(utc(at))
	case model.ModelFailed:
		query += `, error = ` + args.add(errMsg)
	}
	query += ` WHERE id = ` + args.add(id) + ` AND status = ` + args.add(string(from))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition model version %s", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.transitionMiss(ctx, id, to)
}

// transitionMiss explains a compare-and-set that matched no row.
func (s *PostgresStore) transitionMiss(ctx context.Context, id string, to model.ModelStatus) error {
	cur, err := s.GetModelVersion(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return &model.NotFoundError{Entity: "model version", ID: id}
	}
	return &model.StatusTransitionError{ID: id, From: cur.Status, To: to}
}

func (s *PostgresStore) DeployModelVersion(ctx context.Context, id string, at time.Time) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin deploy")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status model.ModelStatus
	var h int
	err = tx.QueryRow(ctx,
		`SELECT status, horizon_days FROM model_versions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &h)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", &model.NotFoundError{Entity: "model version", ID: id}
		}
		return "", eris.Wrapf(err, "postgres: lock model version %s", id)
	}
	if !model.CanTransition(status, model.ModelDeployed) {
		return "", &model.StatusTransitionError{ID: id, From: status, To: model.ModelDeployed}
	}

	var archived string
	err = tx.QueryRow(ctx,
		`UPDATE model_versions SET status = 'archived', archived_at = $1
		 WHERE horizon_days = $2 AND status = 'deployed' RETURNING id`,
		utc(at), h,
	).Scan(&archived)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", eris.Wrap(err, "postgres: archive deployed model")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE model_versions SET status = 'deployed', deployed_at = $1 WHERE id = $2`,
		utc(at), id,
	); err != nil {
		return "", eris.Wrapf(err, "postgres: deploy model version %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit deploy")
	}
	return archived, nil
}

func (s *PostgresStore) InsertEvaluation(ctx context.Context, ev model.ModelEvaluation) error {
	samples, err := encodeJSON(ev.Samples)
	if err != nil {
		return err
	}
	metrics, err := encodeJSON(ev.Metrics)
	if err != nil {
		return err
	}
	calibration, err := encodeJSON(ev.Calibration)
	if err != nil {
		return err
	}
	thresholds, err := encodeJSON(ev.Thresholds)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO model_evaluations (id, model_version_id, eval_cutoff, samples, metrics, calibration,
		   calibration_slope, calibration_intercept, thresholds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.ModelVersionID, utc(ev.EvalCutoff), samples, metrics, calibration,
		ev.CalibrationSlope, ev.CalibrationIntercept, thresholds, utc(ev.CreatedAt),
	)
	return eris.Wrapf(err, "postgres: insert evaluation %s", ev.ID)
}

func (s *PostgresStore) ListEvaluations(ctx context.Context, modelVersionID string) ([]model.ModelEvaluation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, model_version_id, eval_cutoff, samples, metrics, calibration, calibration_slope,
		   calibration_intercept, thresholds, created_at
		 FROM model_evaluations WHERE model_version_id = $1 ORDER BY created_at DESC`, modelVersionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list evaluations")
	}
	defer rows.Close()

	var out []model.ModelEvaluation
	for rows.Next() {
		var ev model.ModelEvaluation
		var samples, metrics, calibration, thresholds []byte
		if err := rows.Scan(&ev.ID, &ev.ModelVersionID, &ev.EvalCutoff, &samples, &metrics, &calibration,
			&ev.CalibrationSlope, &ev.CalibrationIntercept, &thresholds, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan evaluation")
		}
		for _, f := range []struct {
			raw []byte
			dst any
		}{{samples, &ev.Samples}, {metrics, &ev.Metrics}, {calibration, &ev.Calibration}, {thresholds, &ev.Thresholds}} {
			if err := decodeJSON(f.raw, f.dst); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list evaluations iterate")
}
