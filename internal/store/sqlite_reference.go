package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

func (s *SQLiteStore) UpsertCompetition(ctx context.Context, c model.Competition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO competitions (id, name, country, tier) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, country = excluded.country, tier = excluded.tier`,
		c.ID, c.Name, c.Country, c.Tier,
	)
	return eris.Wrapf(err, "sqlite: upsert competition %s", c.ID)
}

func (s *SQLiteStore) UpsertClub(ctx context.Context, c model.Club) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clubs (id, name, country, competition_id, active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, country = excluded.country,
		   competition_id = excluded.competition_id, active = excluded.active`,
		c.ID, c.Name, c.Country, nullable(c.CompetitionID), boolInt(c.Active),
	)
	return eris.Wrapf(err, "sqlite: upsert club %s", c.ID)
}

func (s *SQLiteStore) UpsertPlayer(ctx context.Context, p model.Player) error {
	var dob any
	if !p.DateOfBirth.IsZero() {
		dob = p.DateOfBirth.UTC().Format(time.DateOnly)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO players (id, name, position, date_of_birth, nationality, registered_club_id, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, position = excluded.position,
		   date_of_birth = excluded.date_of_birth, nationality = excluded.nationality,
		   registered_club_id = excluded.registered_club_id, active = excluded.active`,
		p.ID, p.Name, string(p.Position), dob, p.Nationality, nullable(p.RegisteredClubID), boolInt(p.Active),
	)
	return eris.Wrapf(err, "sqlite: upsert player %s", p.ID)
}

func (s *SQLiteStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	var c model.Competition
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, country, tier FROM competitions WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Country, &c.Tier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get competition %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, country, tier FROM competitions ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list competitions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Competition
	for rows.Next() {
		var c model.Competition
		if err := rows.Scan(&c.ID, &c.Name, &c.Country, &c.Tier); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan competition")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list competitions iterate")
}

const clubCols = `id, name, country, competition_id, active`

func scanSQLiteClub(row scannable) (*model.Club, error) {
	var c model.Club
	var comp sql.NullString
	var active int
	if err := row.Scan(&c.ID, &c.Name, &c.Country, &comp, &active); err != nil {
		return nil, err
	}
	c.CompetitionID = comp.String
	c.Active = active != 0
	return &c, nil
}

func (s *SQLiteStore) GetClub(ctx context.Context, id string) (*model.Club, error) {
	c, err := scanSQLiteClub(s.db.QueryRowContext(ctx, `SELECT `+clubCols+` FROM clubs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get club %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListClubs(ctx context.Context, filter ClubFilter) ([]model.Club, error) {
	query := `SELECT ` + clubCols + ` FROM clubs WHERE 1=1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	if filter.CompetitionID != "" {
		query += ` AND competition_id = ?`
		args = append(args, filter.CompetitionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clubs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Club
	for rows.Next() {
		c, err := scanSQLiteClub(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan club")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list clubs iterate")
}

const playerCols = `id, name, position, date_of_birth, nationality, registered_club_id, active`

func scanSQLitePlayer(row scannable) (*model.Player, error) {
	var p model.Player
	var dob, club sql.NullString
	var active int
	if err := row.Scan(&p.ID, &p.Name, &p.Position, &dob, &p.Nationality, &club, &active); err != nil {
		return nil, err
	}
	if dob.Valid && dob.String != "" {
		t, err := time.Parse(time.DateOnly, dob.String)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse date_of_birth for %s", p.ID)
		}
		p.DateOfBirth = t
	}
	p.RegisteredClubID = club.String
	p.Active = active != 0
	return &p, nil
}

func (s *SQLiteStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	p, err := scanSQLitePlayer(s.db.QueryRowContext(ctx, `SELECT `+playerCols+` FROM players WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get player %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListPlayers(ctx context.Context, filter PlayerFilter) ([]model.Player, error) {
	query := `SELECT ` + playerCols + ` FROM players WHERE 1=1`
	var args []any
	if filter.ActiveOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list players")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Player
	for rows.Next() {
		p, err := scanSQLitePlayer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan player")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list players iterate")
}
