package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/db"
	"github.com/clarence2022/transferlens/internal/model"
)

func (s *PostgresStore) InsertTransfer(ctx context.Context, t model.TransferEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, pgInsertTransfer,
		t.ID, t.PlayerID, nullable(t.FromClubID), t.ToClubID, string(t.Kind), utc(t.EffectiveDate),
		t.FeeAmount, t.FeeCurrency, t.Source, t.SourceConfidence, utc(t.ObservedAt), utc(t.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert transfer %s", t.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPgTransfer(row pgx.Row) (*model.TransferEvent, error) {
	var t model.TransferEvent
	var from *string
	if err := row.Scan(&t.ID, &t.PlayerID, &from, &t.ToClubID, &t.Kind, &t.EffectiveDate, &t.FeeAmount,
		&t.FeeCurrency, &t.Source, &t.SourceConfidence, &t.ObservedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	if from != nil {
		t.FromClubID = *from
	}
	t.EffectiveDate = t.EffectiveDate.UTC()
	t.ObservedAt = t.ObservedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*model.TransferEvent, error) {
	t, err := scanPgTransfer(s.pool.QueryRow(ctx, `SELECT `+transferCols+` FROM transfer_events WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get transfer %s", id)
	}
	return t, nil
}

func (s *PostgresStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]model.TransferEvent, error) {
	query := `SELECT ` + transferCols + ` FROM transfer_events WHERE true`
	var args pgArgs
	if filter.PlayerID != "" {
		query += ` AND player_id = ` + args.add(filter.PlayerID)
	}
	if filter.After != nil {
		query += ` AND effective_date > ` + args.add(utc(*filter.After))
	}
	if filter.Through != nil {
		query += ` AND effective_date <= ` + args.add(utc(*filter.Through))
	}
	if !filter.IncludeSuperseded {
		query += ` AND NOT EXISTS (SELECT 1 FROM transfer_supersessions s WHERE s.superseded_id = transfer_events.id)`
	}
	query += ` ORDER BY effective_date, id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + args.add(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transfers")
	}
	defer rows.Close()

	var out []model.TransferEvent
	for rows.Next() {
		t, err := scanPgTransfer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan transfer")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transfers iterate")
}

func (s *PostgresStore) InsertSupersession(ctx context.Context, sup model.TransferSupersession) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO transfer_supersessions (superseded_id, replacement_id, reason, recorded_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (superseded_id) DO NOTHING`,
		sup.SupersededID, sup.ReplacementID, sup.Reason, utc(sup.RecordedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert supersession %s", sup.SupersededID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) IsSuperseded(ctx context.Context, transferID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transfer_supersessions WHERE superseded_id = $1)`, transferID,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: is superseded %s", transferID)
}

var signalInsertConfig = db.InsertConfig{
	Table: "signal_events",
	Columns: []string{"id", "player_id", "club_id", "kind", "value_kind", "value", "unit", "source",
		"confidence", "observed_at", "effective_from", "effective_to", "created_at"},
	ConflictKeys: []string{"id"},
}

func pgSignalRow(sig model.SignalEvent) ([]any, error) {
	kind, payload, err := model.EncodeValue(sig.Value)
	if err != nil {
		return nil, err
	}
	var effTo *time.Time
	if sig.EffectiveTo != nil {
		t := sig.EffectiveTo.UTC()
		effTo = &t
	}
	return []any{
		sig.ID, nullable(sig.PlayerID), nullable(sig.ClubID), string(sig.Kind), string(kind), payload,
		sig.Unit, sig.Source, sig.Confidence, utc(sig.ObservedAt), utc(sig.EffectiveFrom), effTo, utc(sig.CreatedAt),
	}, nil
}

func (s *PostgresStore) InsertSignal(ctx context.Context, sig model.SignalEvent) (bool, error) {
	row, err := pgSignalRow(sig)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO signal_events (`+signalCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) ON CONFLICT (id) DO NOTHING`,
		row...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert signal %s", sig.ID)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertSignals appends through a temp table and COPY.
func (s *PostgresStore) InsertSignals(ctx context.Context, signals []model.SignalEvent) (int, error) {
	rows := make([][]any, 0, len(signals))
	for _, sig := range signals {
		row, err := pgSignalRow(sig)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.BulkInsert(ctx, s.pool, signalInsertConfig, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert signals")
	}
	return int(n), nil
}

func scanPgSignal(row pgx.Row) (*model.SignalEvent, error) {
	var sig model.SignalEvent
	var player, club *string
	var valueKind string
	var payload []byte
	if err := row.Scan(&sig.ID, &player, &club, &sig.Kind, &valueKind, &payload, &sig.Unit, &sig.Source,
		&sig.Confidence, &sig.ObservedAt, &sig.EffectiveFrom, &sig.EffectiveTo, &sig.CreatedAt); err != nil {
		return nil, err
	}
	if player != nil {
		sig.PlayerID = *player
	}
	if club != nil {
		sig.ClubID = *club
	}
	v, err := model.DecodeValue(model.ValueKind(valueKind), string(payload))
	if err != nil {
		return nil, err
	}
	sig.Value = v
	sig.ObservedAt = sig.ObservedAt.UTC()
	sig.EffectiveFrom = sig.EffectiveFrom.UTC()
	sig.CreatedAt = sig.CreatedAt.UTC()
	if sig.EffectiveTo != nil {
		t := sig.EffectiveTo.UTC()
		sig.EffectiveTo = &t
	}
	return &sig, nil
}

func (s *PostgresStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.SignalEvent, error) {
	query := `SELECT ` + signalCols + ` FROM signal_events WHERE true`
	var args pgArgs
	if filter.PlayerID != "" {
		query += ` AND player_id = ` + args.add(filter.PlayerID)
	}
	if filter.ClubID != "" {
		query += ` AND club_id = ` + args.add(filter.ClubID)
	}
	query += scopeClause(filter.Scope)
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		query += ` AND kind = ANY(` + args.add(kinds) + `)`
	}
	if filter.AsOf != nil {
		p := args.add(utc(*filter.AsOf))
		query += ` AND observed_at <= ` + p + ` AND effective_from <= ` + p
	}
	query += ` ORDER BY effective_from DESC, observed_at DESC, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list signals")
	}
	defer rows.Close()

	var out []model.SignalEvent
	for rows.Next() {
		sig, err := scanPgSignal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal")
		}
		out = append(out, *sig)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list signals iterate")
}

var behaviorInsertConfig = db.InsertConfig{
	Table:        "behavior_events",
	Columns:      []string{"id", "type", "user_anon_id", "session_id", "player_id", "club_id", "occurred_at", "properties"},
	ConflictKeys: []string{"id"},
}

func (s *PostgresStore) InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) (int, error) {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		var props any
		if len(e.Properties) > 0 {
			p, err := encodeJSON(e.Properties)
			if err != nil {
				return 0, err
			}
			props = p
		}
		rows = append(rows, []any{
			e.ID, string(e.Type), e.UserAnonID, e.SessionID, nullable(e.PlayerID), nullable(e.ClubID),
			utc(e.OccurredAt), props,
		})
	}
	n, err := db.BulkInsert(ctx, s.pool, behaviorInsertConfig, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert behavior events")
	}
	return int(n), nil
}

func (s *PostgresStore) ListBehaviorEvents(ctx context.Context, filter BehaviorFilter) ([]model.BehaviorEvent, error) {
	var args pgArgs
	query := `SELECT ` + behaviorCols + ` FROM behavior_events WHERE occurred_at >= ` + args.add(utc(filter.From)) +
		` AND occurred_at <= ` + args.add(utc(filter.To))
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query += ` AND type = ANY(` + args.add(types) + `)`
	}
	query += ` ORDER BY occurred_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list behavior events")
	}
	defer rows.Close()

	var out []model.BehaviorEvent
	for rows.Next() {
		var e model.BehaviorEvent
		var player, club *string
		var props []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.UserAnonID, &e.SessionID, &player, &club, &e.OccurredAt, &props); err != nil {
			return nil, eris.Wrap(err, "postgres: scan behavior event")
		}
		if player != nil {
			e.PlayerID = *player
		}
		if club != nil {
			e.ClubID = *club
		}
		e.OccurredAt = e.OccurredAt.UTC()
		if err := decodeJSON(props, &e.Properties); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list behavior events iterate")
}
