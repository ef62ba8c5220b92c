package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

func (s *SQLiteStore) GetCandidateSet(ctx context.Context, playerID string, asOf time.Time, h model.Horizon) (*model.CandidateSet, error) {
	var cs model.CandidateSet
	var candidates, counts, pctx string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, player_id, as_of, horizon_days, candidates, source_counts, context, created_at
		 FROM candidate_sets WHERE player_id = ? AND as_of = ? AND horizon_days = ?`,
		playerID, sqliteTime(asOf), int(h),
	).Scan(&cs.ID, &cs.PlayerID, timeCol{&cs.AsOf}, &cs.Horizon, &candidates, &counts, &pctx, timeCol{&cs.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get candidate set %s", playerID)
	}
	if err := decodeJSON([]byte(candidates), &cs.Candidates); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(counts), &cs.SourceCounts); err != nil {
		return nil, err
	}
	if err := decodeJSON([]byte(pctx), &cs.Context); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *SQLiteStore) InsertCandidateSet(ctx context.Context, cs model.CandidateSet) (bool, error) {
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO candidate_sets (id, player_id, as_of, horizon_days, candidates, source_counts, context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		cs.ID, cs.PlayerID, sqliteTime(cs.AsOf), int(cs.Horizon), candidates, counts, pctx, sqliteTime(cs.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert candidate set %s", cs.ID)
	}
	return inserted(res)
}

func (s *SQLiteStore) GetFeatureSnapshot(ctx context.Context, key model.FeatureKey) (*model.FeatureSnapshot, error) {
	var fs model.FeatureSnapshot
	var features string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, player_id, club_id, as_of, schema_version, features, created_at FROM feature_snapshots
		 WHERE player_id = ? AND club_id = ? AND as_of = ? AND schema_version = ?`,
		key.PlayerID, key.ClubID, sqliteTime(key.AsOf), key.SchemaVersion,
	).Scan(&fs.ID, &fs.PlayerID, &fs.ClubID, timeCol{&fs.AsOf}, &fs.SchemaVersion, &features, timeCol{&fs.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get feature snapshot %s/%s", key.PlayerID, key.ClubID)
	}
	if err := decodeJSON([]byte(features), &fs.Features); err != nil {
		return nil, err
	}
	return &fs, nil
}

func (s *SQLiteStore) InsertFeatureSnapshot(ctx context.Context, fs model.FeatureSnapshot) (bool, error) {
	features, err := encodeJSON(fs.Features)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_snapshots (id, player_id, club_id, as_of, schema_version, features, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		fs.ID, fs.PlayerID, fs.ClubID, sqliteTime(fs.AsOf), fs.SchemaVersion, features, sqliteTime(fs.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert feature snapshot %s", fs.ID)
	}
	return inserted(res)
}
