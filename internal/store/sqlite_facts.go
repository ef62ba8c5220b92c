package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

const transferCols = `id, player_id, from_club_id, to_club_id, kind, effective_date, fee_amount,
	fee_currency, source, source_confidence, observed_at, created_at`

func (s *SQLiteStore) InsertTransfer(ctx context.Context, t model.TransferEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_events (`+transferCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		t.ID, t.PlayerID, nullable(t.FromClubID), t.ToClubID, string(t.Kind), sqliteTime(t.EffectiveDate),
		t.FeeAmount, t.FeeCurrency, t.Source, t.SourceConfidence, sqliteTime(t.ObservedAt), sqliteTime(t.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert transfer %s", t.ID)
	}
	return inserted(res)
}

func scanSQLiteTransfer(row scannable) (*model.TransferEvent, error) {
	var t model.TransferEvent
	var from sql.NullString
	var fee sql.NullFloat64
	if err := row.Scan(&t.ID, &t.PlayerID, &from, &t.ToClubID, &t.Kind, timeCol{&t.EffectiveDate}, &fee,
		&t.FeeCurrency, &t.Source, &t.SourceConfidence, timeCol{&t.ObservedAt}, timeCol{&t.CreatedAt}); err != nil {
		return nil, err
	}
	t.FromClubID = from.String
	if fee.Valid {
		f := fee.Float64
		t.FeeAmount = &f
	}
	return &t, nil
}

func (s *SQLiteStore) GetTransfer(ctx context.Context, id string) (*model.TransferEvent, error) {
	t, err := scanSQLiteTransfer(s.db.QueryRowContext(ctx,
		`SELECT `+transferCols+` FROM transfer_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get transfer %s", id)
	}
	return t, nil
}

func (s *SQLiteStore) ListTransfers(ctx context.Context, filter TransferFilter) ([]model.TransferEvent, error) {
	query := `SELECT ` + transferCols + ` FROM transfer_events WHERE 1=1`
	var args []any
	if filter.PlayerID != "" {
		query += ` AND player_id = ?`
		args = append(args, filter.PlayerID)
	}
	if filter.After != nil {
		query += ` AND effective_date > ?`
		args = append(args, sqliteTime(*filter.After))
	}
	if filter.Through != nil {
		query += ` AND effective_date <= ?`
		args = append(args, sqliteTime(*filter.Through))
	}
	if !filter.IncludeSuperseded {
		query += ` AND id NOT IN (SELECT superseded_id FROM transfer_supersessions)`
	}
	query += ` ORDER BY effective_date, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transfers")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TransferEvent
	for rows.Next() {
		t, err := scanSQLiteTransfer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transfer")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list transfers iterate")
}

func (s *SQLiteStore) InsertSupersession(ctx context.Context, sup model.TransferSupersession) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_supersessions (superseded_id, replacement_id, reason, recorded_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (superseded_id) DO NOTHING`,
		sup.SupersededID, sup.ReplacementID, sup.Reason, sqliteTime(sup.RecordedAt),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert supersession %s", sup.SupersededID)
	}
	return inserted(res)
}

func (s *SQLiteStore) IsSuperseded(ctx context.Context, transferID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transfer_supersessions WHERE superseded_id = ?`, transferID,
	).Scan(&n)
	return n > 0, eris.Wrapf(err, "sqlite: is superseded %s", transferID)
}

const signalCols = `id, player_id, club_id, kind, value_kind, value, unit, source, confidence,
	observed_at, effective_from, effective_to, created_at`

func sqliteSignalArgs(sig model.SignalEvent) ([]any, error) {
	kind, payload, err := model.EncodeValue(sig.Value)
	if err != nil {
		return nil, err
	}
	return []any{
		sig.ID, nullable(sig.PlayerID), nullable(sig.ClubID), string(sig.Kind), string(kind), payload,
		sig.Unit, sig.Source, sig.Confidence, sqliteTime(sig.ObservedAt), sqliteTime(sig.EffectiveFrom),
		sqliteNullTime(sig.EffectiveTo), sqliteTime(sig.CreatedAt),
	}, nil
}

const sqliteInsertSignal = `INSERT INTO signal_events (` + signalCols + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`

func (s *SQLiteStore) InsertSignal(ctx context.Context, sig model.SignalEvent) (bool, error) {
	args, err := sqliteSignalArgs(sig)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, sqliteInsertSignal, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert signal %s", sig.ID)
	}
	return inserted(res)
}

func (s *SQLiteStore) InsertSignals(ctx context.Context, signals []model.SignalEvent) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert signals")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteInsertSignal)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert signal")
	}
	defer stmt.Close() //nolint:errcheck

	count := 0
	for _, sig := range signals {
		args, err := sqliteSignalArgs(sig)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert signal %s", sig.ID)
		}
		ok, err := inserted(res)
		if err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert signals")
	}
	return count, nil
}

func scanSQLiteSignal(row scannable) (*model.SignalEvent, error) {
	var sig model.SignalEvent
	var player, club sql.NullString
	var valueKind, payload string
	if err := row.Scan(&sig.ID, &player, &club, &sig.Kind, &valueKind, &payload, &sig.Unit, &sig.Source,
		&sig.Confidence, timeCol{&sig.ObservedAt}, timeCol{&sig.EffectiveFrom}, nullTimeCol{&sig.EffectiveTo},
		timeCol{&sig.CreatedAt}); err != nil {
		return nil, err
	}
	sig.PlayerID = player.String
	sig.ClubID = club.String
	v, err := model.DecodeValue(model.ValueKind(valueKind), payload)
	if err != nil {
		return nil, err
	}
	sig.Value = v
	return &sig, nil
}

func (s *SQLiteStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.SignalEvent, error) {
	query := `SELECT ` + signalCols + ` FROM signal_events WHERE 1=1`
	var args []any
	if filter.PlayerID != "" {
		query += ` AND player_id = ?`
		args = append(args, filter.PlayerID)
	}
	if filter.ClubID != "" {
		query += ` AND club_id = ?`
		args = append(args, filter.ClubID)
	}
	query += scopeClause(filter.Scope)
	if len(filter.Kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(filter.Kinds)) + `)`
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	if filter.AsOf != nil {
		asOf := sqliteTime(*filter.AsOf)
		query += ` AND observed_at <= ? AND effective_from <= ?`
		args = append(args, asOf, asOf)
	}
	query += ` ORDER BY effective_from DESC, observed_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list signals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SignalEvent
	for rows.Next() {
		sig, err := scanSQLiteSignal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal")
		}
		out = append(out, *sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list signals iterate")
}

// scopeClause is shared by both drivers.
func scopeClause(scope model.Scope) string {
	switch scope {
	case model.ScopePlayer:
		return ` AND player_id IS NOT NULL AND club_id IS NULL`
	case model.ScopeClub:
		return ` AND player_id IS NULL AND club_id IS NOT NULL`
	case model.ScopePair:
		return ` AND player_id IS NOT NULL AND club_id IS NOT NULL`
	}
	return ""
}

const behaviorCols = `id, type, user_anon_id, session_id, player_id, club_id, occurred_at, properties`

func (s *SQLiteStore) InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert behavior events")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO behavior_events (`+behaviorCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert behavior event")
	}
	defer stmt.Close() //nolint:errcheck

	count := 0
	for _, e := range events {
		var props any
		if len(e.Properties) > 0 {
			p, err := encodeJSON(e.Properties)
			if err != nil {
				return 0, err
			}
			props = p
		}
		res, err := stmt.ExecContext(ctx, e.ID, string(e.Type), e.UserAnonID, e.SessionID,
			nullable(e.PlayerID), nullable(e.ClubID), sqliteTime(e.OccurredAt), props)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert behavior event %s", e.ID)
		}
		if ok, _ := inserted(res); ok {
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit behavior events")
	}
	return count, nil
}

func (s *SQLiteStore) ListBehaviorEvents(ctx context.Context, filter BehaviorFilter) ([]model.BehaviorEvent, error) {
	query := `SELECT ` + behaviorCols + ` FROM behavior_events WHERE occurred_at >= ? AND occurred_at <= ?`
	args := []any{sqliteTime(filter.From), sqliteTime(filter.To)}
	if len(filter.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY occurred_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list behavior events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.BehaviorEvent
	for rows.Next() {
		var e model.BehaviorEvent
		var player, club, props sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.UserAnonID, &e.SessionID, &player, &club,
			timeCol{&e.OccurredAt}, &props); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan behavior event")
		}
		e.PlayerID = player.String
		e.ClubID = club.String
		if props.Valid {
			if err := decodeJSON([]byte(props.String), &e.Properties); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list behavior events iterate")
}
