package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

func (s *PostgresStore) GetCandidateSet(ctx context.Context, playerID string, asOf time.Time, h model.Horizon) (*model.CandidateSet, error) {
	var cs model.CandidateSet
	var candidates, counts, pctx []byte
	err := s.pool.QueryRow(ctx, pgGetCandidateSet, playerID, utc(asOf), int(h)).
		Scan(&cs.ID, &cs.PlayerID, &cs.AsOf, &cs.Horizon, &candidates, &counts, &pctx, &cs.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get candidate set %s", playerID)
	}
	if err := decodeJSON(candidates, &cs.Candidates); err != nil {
		return nil, err
	}
	if err := decodeJSON(counts, &cs.SourceCounts); err != nil {
		return nil, err
	}
	if err := decodeJSON(pctx, &cs.Context); err != nil {
		return nil, err
	}
	cs.AsOf = cs.AsOf.UTC()
	return &cs, nil
}

func (s *PostgresStore) InsertCandidateSet(ctx context.Context, cs model.CandidateSet) (bool, error) {
	candidates, err := encodeJSON(cs.Candidates)
	if err != nil {
		return false, err
	}
	counts, err := encodeJSON(cs.SourceCounts)
	if err != nil {
		return false, err
	}
	pctx, err := encodeJSON(cs.Context)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO candidate_sets (id, player_id, as_of, horizon_days, candidates, source_counts, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING`,
		cs.ID, cs.PlayerID, utc(cs.AsOf), int(cs.Horizon), candidates, counts, pctx, utc(cs.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert candidate set %s", cs.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetFeatureSnapshot(ctx context.Context, key model.FeatureKey) (*model.FeatureSnapshot, error) {
	var fs model.FeatureSnapshot
	var features []byte
	err := s.pool.QueryRow(ctx, pgGetFeatureSnapshot, key.PlayerID, key.ClubID, utc(key.AsOf), key.SchemaVersion).
		Scan(&fs.ID, &fs.PlayerID, &fs.ClubID, &fs.AsOf, &fs.SchemaVersion, &features, &fs.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get feature snapshot %s/%s", key.PlayerID, key.ClubID)
	}
	if err := decodeJSON(features, &fs.Features); err != nil {
		return nil, err
	}
	fs.AsOf = fs.AsOf.UTC()
	return &fs, nil
}

func (s *PostgresStore) InsertFeatureSnapshot(ctx context.Context, fs model.FeatureSnapshot) (bool, error) {
	features, err := encodeJSON(fs.Features)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, pgInsertFeatureSnapshot,
		fs.ID, fs.PlayerID, fs.ClubID, utc(fs.AsOf), fs.SchemaVersion, features, utc(fs.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert feature snapshot %s", fs.ID)
	}
	return tag.RowsAffected() > 0, nil
}
