package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

const predictionCols = `id, model_version_id, player_id, from_club_id, to_club_id, horizon_days, probability,
	drivers, features, as_of, window_start, window_end, created_at`

func (s *SQLiteStore) InsertPredictions(ctx context.Context, snaps []model.PredictionSnapshot) (int, error) {
	if len(snaps) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin predictions")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO prediction_snapshots (`+predictionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare predictions")
	}
	defer stmt.Close() //nolint:errcheck

	n := 0
	for _, p := range snaps {
		if err := p.Validate(); err != nil {
			return 0, err
		}
		drivers, err := encodeJSON(p.Drivers)
		if err != nil {
			return 0, err
		}
		var features any
		if p.Features != nil {
			if features, err = encodeJSON(p.Features); err != nil {
				return 0, err
			}
		}
		var to any
		if p.ToClubID != nil {
			to = *p.ToClubID
		}
		res, err := stmt.ExecContext(ctx,
			p.ID, p.ModelVersionID, p.PlayerID, nullable(p.FromClubID), to, int(p.Horizon), p.Probability,
			drivers, features, sqliteTime(p.AsOf), sqliteTime(p.WindowStart), sqliteTime(p.WindowEnd),
			sqliteTime(p.CreatedAt),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert prediction %s", p.ID)
		}
		ok, err := inserted(res)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit predictions")
	}
	return n, nil
}

func scanSQLitePrediction(row scannable) (*model.PredictionSnapshot, error) {
	var p model.PredictionSnapshot
	var from, to, features sql.NullString
	var drivers string
	if err := row.Scan(&p.ID, &p.ModelVersionID, &p.PlayerID, &from, &to, &p.Horizon, &p.Probability,
		&drivers, &features, timeCol{&p.AsOf}, timeCol{&p.WindowStart}, timeCol{&p.WindowEnd},
		timeCol{&p.CreatedAt}); err != nil {
		return nil, err
	}
	p.FromClubID = from.String
	if to.Valid {
		v := to.String
		p.ToClubID = &v
	}
	if err := decodeJSON([]byte(drivers), &p.Drivers); err != nil {
		return nil, err
	}
	if features.Valid {
		if err := decodeJSON([]byte(features.String), &p.Features); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *SQLiteStore) GetPrediction(ctx context.Context, id string) (*model.PredictionSnapshot, error) {
	p, err := scanSQLitePrediction(s.db.QueryRowContext(ctx,
		`SELECT `+predictionCols+` FROM prediction_snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get prediction %s", id)
	}
	return p, nil
}

// predictionWhere builds the shared predicate. MinProbability is left to the
// caller so that latest reads apply it after picking the newest row.
func predictionWhere(filter PredictionFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if filter.PlayerID != "" {
		where += ` AND player_id = ?`
		args = append(args, filter.PlayerID)
	}
	switch filter.ToClubID {
	case "":
	case model.AnyDestination:
		where += ` AND to_club_id IS NULL`
	default:
		where += ` AND to_club_id = ?`
		args = append(args, filter.ToClubID)
	}
	if filter.Horizon > 0 {
		where += ` AND horizon_days = ?`
		args = append(args, int(filter.Horizon))
	}
	if filter.ModelVersionID != "" {
		where += ` AND model_version_id = ?`
		args = append(args, filter.ModelVersionID)
	}
	return where, args
}

func (s *SQLiteStore) ListPredictions(ctx context.Context, filter PredictionFilter) ([]model.PredictionSnapshot, error) {
	where, args := predictionWhere(filter)
	if filter.MinProbability > 0 {
		where += ` AND probability >= ?`
		args = append(args, filter.MinProbability)
	}
	query := `SELECT ` + predictionCols + ` FROM prediction_snapshots` + where +
		` ORDER BY as_of DESC, created_at DESC, id LIMIT ?`
	args = append(args, limitOr(filter.Limit))
	return s.queryPredictions(ctx, query, args)
}

func (s *SQLiteStore) LatestPredictions(ctx context.Context, filter PredictionFilter) ([]model.PredictionSnapshot, error) {
	where, args := predictionWhere(filter)
	query := `SELECT ` + predictionCols + ` FROM (
		SELECT *, ROW_NUMBER() OVER (
			PARTITION BY player_id, COALESCE(to_club_id, 'ANY'), horizon_days
			ORDER BY as_of DESC, created_at DESC, id DESC
		) AS rn
		FROM prediction_snapshots` + where + `
	) WHERE rn = 1`
	if filter.MinProbability > 0 {
		query += ` AND probability >= ?`
		args = append(args, filter.MinProbability)
	}
	query += ` ORDER BY probability DESC, player_id, id LIMIT ?`
	args = append(args, limitOr(filter.Limit))
	return s.queryPredictions(ctx, query, args)
}

func (s *SQLiteStore) queryPredictions(ctx context.Context, query string, args []any) ([]model.PredictionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query predictions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PredictionSnapshot
	for rows.Next() {
		p, err := scanSQLitePrediction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prediction")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query predictions iterate")
}
