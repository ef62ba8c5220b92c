package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

const modelCols = `id, name, version, model_type, horizon_days, training_cutoff, samples, features,
	metrics, importances, artifact_location, status, error, trained_at, deployed_at, archived_at`

func (s *SQLiteStore) InsertModelVersion(ctx context.Context, mv model.ModelVersion) error {
	samples, err := encodeJSON(mv.Samples)
	if err != nil {
		return err
	}
	features, err := encodeJSON(mv.Features)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_versions (id, name, version, model_type, horizon_days, training_cutoff, samples,
		   features, artifact_location, status, error, trained_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mv.ID, mv.Name, mv.Version, mv.ModelType, int(mv.Horizon), sqliteTime(mv.TrainingCutoff), samples,
		features, mv.ArtifactLocation, string(mv.Status), mv.Error, sqliteTime(mv.TrainedAt),
	)
	return eris.Wrapf(err, "sqlite: insert model version %s", mv.ID)
}

func scanSQLiteModel(row scannable) (*model.ModelVersion, error) {
	var mv model.ModelVersion
	var samples, features string
	var metrics, importances sql.NullString
	if err := row.Scan(&mv.ID, &mv.Name, &mv.Version, &mv.ModelType, &mv.Horizon, timeCol{&mv.TrainingCutoff},
		&samples, &features, &metrics, &importances, &mv.ArtifactLocation, &mv.Status, &mv.Error,
		timeCol{&mv.TrainedAt}, nullTimeCol{&mv.DeployedAt}, nullTimeCol{&mv.ArchivedAt}); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(samples), &mv.Samples); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(features), &mv.Features); err != nil {
		return nil, err
	}
	if metrics.Valid {
		if err := decodeJSON([]byte(metrics.String), &mv.Metrics); err != nil {
			return nil, err
		}
	}
	if importances.Valid {
		if err := decodeJSON([]byte(importances.String), &mv.Importances); err != nil {
			return nil, err
		}
	}
	return &mv, nil
}

func (s *SQLiteStore) GetModelVersion(ctx context.Context, id string) (*model.ModelVersion, error) {
	mv, err := scanSQLiteModel(s.db.QueryRowContext(ctx, `SELECT `+modelCols+` FROM model_versions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get model version %s", id)
	}
	return mv, nil
}

func (s *SQLiteStore) GetDeployedModel(ctx context.Context, h model.Horizon) (*model.ModelVersion, error) {
	mv, err := scanSQLiteModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelCols+` FROM model_versions WHERE horizon_days = ? AND status = ?`,
		int(h), string(model.ModelDeployed)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get deployed model %dd", int(h))
	}
	return mv, nil
}

func (s *SQLiteStore) ListModelVersions(ctx context.Context, filter ModelFilter) ([]model.ModelVersion, error) {
	query := `SELECT ` + modelCols + ` FROM model_versions WHERE 1=1`
	var args []any
	if filter.Horizon > 0 {
		query += ` AND horizon_days = ?`
		args = append(args, int(filter.Horizon))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY trained_at DESC, id LIMIT ?`
	args = append(args, limitOr(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list model versions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ModelVersion
	for rows.Next() {
		mv, err := scanSQLiteModel(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan model version")
		}
		out = append(out, *mv)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list model versions iterate")
}

func (s *SQLiteStore) CompleteModelVersion(ctx context.Context, id string, result model.TrainingResult) error {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE model_versions SET samples = ?, features = ?, metrics = ?, importances = ?,
		   artifact_location = ?, status = ?
		 WHERE id = ? AND status = ?`,
		samples, features, metrics, importances, result.ArtifactLocation, string(model.ModelCompleted),
		id, string(model.ModelTraining),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete model version %s", id)
	}
	return s.casResult(ctx, res, id, model.ModelTraining, model.ModelCompleted)
}

func (s *SQLiteStore) TransitionModelVersion(ctx context.Context, id string, from, to model.ModelStatus, at time.Time, errMsg string) error {
	if !model.CanTransition(from, to) {
		return &model.StatusTransitionError{ID: id, From: from, To: to}
	}
	query := `UPDATE model_versions SET status = ?`
	args := []any{string(to)}
	switch to {
	case model.ModelDeployed:
		query += `, deployed_at = ?`
		args = append(args, sqliteTime(at))
	case model.ModelArchived:
		query += `, archived_at = ?`
		args = append(args, sqliteTime(at))
	case model.ModelFailed:
		query += `, error = ?`
		args = append(args, errMsg)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition model version %s", id)
	}
	return s.casResult(ctx, res, id, from, to)
}

// casResult turns a zero-row status update into a typed error.
func (s *SQLiteStore) casResult(ctx context.Context, res sql.Result, id string, from, to model.ModelStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetModelVersion(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return &model.NotFoundError{Entity: "model version", ID: id}
	}
	return &model.StatusTransitionError{ID: id, From: cur.Status, To: to}
}

func (s *SQLiteStore) DeployModelVersion(ctx context.Context, id string, at time.Time) (string, error) {
	mv, err := s.GetModelVersion(ctx, id)
	if err != nil {
		return "", err
	}
	if mv == nil {
		return "", &model.NotFoundError{Entity: "model version", ID: id}
	}
	if !model.CanTransition(mv.Status, model.ModelDeployed) {
		return "", &model.StatusTransitionError{ID: id, From: mv.Status, To: model.ModelDeployed}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin deploy")
	}
	defer tx.Rollback() //nolint:errcheck

	var archived string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM model_versions WHERE horizon_days = ? AND status = ?`,
		int(mv.Horizon), string(model.ModelDeployed),
	).Scan(&archived)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", eris.Wrap(err, "sqlite: find deployed model")
	}
	if archived != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE model_versions SET status = ?, archived_at = ? WHERE id = ? AND status = ?`,
			string(model.ModelArchived), sqliteTime(at), archived, string(model.ModelDeployed),
		); err != nil {
			return "", eris.Wrapf(err, "sqlite: archive model version %s", archived)
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE model_versions SET status = ?, deployed_at = ? WHERE id = ? AND status = ?`,
		string(model.ModelDeployed), sqliteTime(at), id, string(model.ModelCompleted),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: deploy model version %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", &model.StatusTransitionError{ID: id, From: mv.Status, To: model.ModelDeployed}
	}
	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit deploy")
	}
	return archived, nil
}

func (s *SQLiteStore) InsertEvaluation(ctx context.Context, ev model.ModelEvaluation) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO model_evaluations (id, model_version_id, eval_cutoff, samples, metrics, calibration,
		   calibration_slope, calibration_intercept, thresholds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ModelVersionID, sqliteTime(ev.EvalCutoff), samples, metrics, calibration,
		ev.CalibrationSlope, ev.CalibrationIntercept, thresholds, sqliteTime(ev.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert evaluation %s", ev.ID)
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context, modelVersionID string) ([]model.ModelEvaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_version_id, eval_cutoff, samples, metrics, calibration, calibration_slope,
		   calibration_intercept, thresholds, created_at
		 FROM model_evaluations WHERE model_version_id = ? ORDER BY created_at DESC`, modelVersionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list evaluations")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ModelEvaluation
	for rows.Next() {
		var ev model.ModelEvaluation
		var samples, metrics, calibration, thresholds string
		if err := rows.Scan(&ev.ID, &ev.ModelVersionID, timeCol{&ev.EvalCutoff}, &samples, &metrics, &calibration,
			&ev.CalibrationSlope, &ev.CalibrationIntercept, &thresholds, timeCol{&ev.CreatedAt}); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evaluation")
		}
		for _, f := range []struct {
			raw string
			dst any
		}{{samples, &ev.Samples}, {metrics, &ev.Metrics}, {calibration, &ev.Calibration}, {thresholds, &ev.Thresholds}} {
			if err := decodeJSON([]byte(f.raw), f.dst); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list evaluations iterate")
}
