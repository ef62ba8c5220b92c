package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/db"
	"github.com/clarence2022/transferlens/internal/model"
)

var predictionInsertConfig = db.InsertConfig{
	Table: "prediction_snapshots",
	Columns: []string{"id", "model_version_id", "player_id", "from_club_id", "to_club_id", "horizon_days",
		"probability", "drivers", "features", "as_of", "window_start", "window_end", "created_at"},
	ConflictKeys: []string{"id"},
}

// InsertPredictions validates the whole batch before any row is copied;
// BulkInsert commits it as one transaction.
func (s *PostgresStore) InsertPredictions(ctx context.Context, snaps []model.PredictionSnapshot) (int, error) {
	rows := make([][]any, 0, len(snaps))
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
		rows = append(rows, []any{
			p.ID, p.ModelVersionID, p.PlayerID, nullable(p.FromClubID), p.ToClubID, int(p.Horizon),
			p.Probability, drivers, features, utc(p.AsOf), utc(p.WindowStart), utc(p.WindowEnd), utc(p.CreatedAt),
		})
	}
	n, err := db.BulkInsert(ctx, s.pool, predictionInsertConfig, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert predictions")
	}
	return int(n), nil
}

func scanPgPrediction(row pgx.Row) (*model.PredictionSnapshot, error) {
	var p model.PredictionSnapshot
	var from *string
	var drivers, features []byte
	if err := row.Scan(&p.ID, &p.ModelVersionID, &p.PlayerID, &from, &p.ToClubID, &p.Horizon, &p.Probability,
		&drivers, &features, &p.AsOf, &p.WindowStart, &p.WindowEnd, &p.CreatedAt); err != nil {
		return nil, err
	}
	if from != nil {
		p.FromClubID = *from
	}
	if err := decodeJSON(drivers, &p.Drivers); err != nil {
		return nil, err
	}
	if err := decodeJSON(features, &p.Features); err != nil {
		return nil, err
	}
	p.AsOf = p.AsOf.UTC()
	p.WindowStart = p.WindowStart.UTC()
	p.WindowEnd = p.WindowEnd.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *PostgresStore) GetPrediction(ctx context.Context, id string) (*model.PredictionSnapshot, error) {
	p, err := scanPgPrediction(s.pool.QueryRow(ctx,
		`SELECT `+predictionCols+` FROM prediction_snapshots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get prediction %s", id)
	}
	return p, nil
}

func pgPredictionWhere(filter PredictionFilter, args *pgArgs) string {
	where := ` WHERE true`
	if filter.PlayerID != "" {
		where += ` AND player_id = ` + args.add(filter.PlayerID)
	}
	switch filter.ToClubID {
	case "":
	case model.AnyDestination:
		where += ` AND to_club_id IS NULL`
	default:
		where += ` AND to_club_id = ` + args.add(filter.ToClubID)
	}
	if filter.Horizon > 0 {
		where += ` AND horizon_days = ` + args.add(int(filter.Horizon))
	}
	if filter.ModelVersionID != "" {
		where += ` AND model_version_id = ` + args.add(filter.ModelVersionID)
	}
	return where
}

func (s *PostgresStore) ListPredictions(ctx context.Context, filter PredictionFilter) ([]model.PredictionSnapshot, error) {
	var args pgArgs
	query := `SELECT ` + predictionCols + ` FROM prediction_snapshots` + pgPredictionWhere(filter, &args)
	if filter.MinProbability > 0 {
		query += ` AND probability >= ` + args.add(filter.MinProbability)
	}
	query += ` ORDER BY as_of DESC, created_at DESC, id LIMIT ` + args.add(limitOr(filter.Limit))
	return s.queryPredictions(ctx, query, args)
}

// LatestPredictions picks the newest row per key with DISTINCT ON, then
// applies the probability floor to that projection.
func (s *PostgresStore) LatestPredictions(ctx context.Context, filter PredictionFilter) ([]model.PredictionSnapshot, error) {
	var args pgArgs
	query := `SELECT ` + predictionCols + ` FROM (
		SELECT DISTINCT ON (player_id, COALESCE(to_club_id, 'ANY'), horizon_days) ` + predictionCols + `
		FROM prediction_snapshots` + pgPredictionWhere(filter, &args) + `
		ORDER BY player_id, COALESCE(to_club_id, 'ANY'), horizon_days, as_of DESC, created_at DESC, id DESC
	) latest WHERE true`
	if filter.MinProbability > 0 {
		query += ` AND probability >= ` + args.add(filter.MinProbability)
	}
	query += ` ORDER BY probability DESC, player_id, id LIMIT ` + args.add(limitOr(filter.Limit))
	return s.queryPredictions(ctx, query, args)
}

func (s *PostgresStore) queryPredictions(ctx context.Context, query string, args pgArgs) ([]model.PredictionSnapshot, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query predictions")
	}
	defer rows.Close()

	var out []model.PredictionSnapshot
	for rows.Next() {
		p, err := scanPgPrediction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prediction")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query predictions iterate")
}
