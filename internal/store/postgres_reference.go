package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
)

func (s *PostgresStore) UpsertCompetition(ctx context.Context, c model.Competition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitions (id, name, country, tier) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $2, country = $3, tier = $4`,
		c.ID, c.Name, c.Country, c.Tier,
	)
	return eris.Wrapf(err, "postgres: upsert competition %s", c.ID)
}

func (s *PostgresStore) UpsertClub(ctx context.Context, c model.Club) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO clubs (id, name, country, competition_id, active) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = $2, country = $3, competition_id = $4, active = $5`,
		c.ID, c.Name, c.Country, nullable(c.CompetitionID), c.Active,
	)
	return eris.Wrapf(err, "postgres: upsert club %s", c.ID)
}

func (s *PostgresStore) UpsertPlayer(ctx context.Context, p model.Player) error {
	var dob *time.Time
	if !p.DateOfBirth.IsZero() {
		d := model.Day(p.DateOfBirth)
		dob = &d
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO players (id, name, position, date_of_birth, nationality, registered_club_id, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET name = $2, position = $3, date_of_birth = $4, nationality = $5,
		   registered_club_id = $6, active = $7`,
		p.ID, p.Name, string(p.Position), dob, p.Nationality, nullable(p.RegisteredClubID), p.Active,
	)
	return eris.Wrapf(err, "postgres: upsert player %s", p.ID)
}

func (s *PostgresStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	var c model.Competition
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, country, tier FROM competitions WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.Country, &c.Tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get competition %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, country, tier FROM competitions ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list competitions")
	}
	defer rows.Close()

	var out []model.Competition
	for rows.Next() {
		var c model.Competition
		if err := rows.Scan(&c.ID, &c.Name, &c.Country, &c.Tier); err != nil {
			return nil, eris.Wrap(err, "postgres: scan competition")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list competitions iterate")
}

func scanPgClub(row pgx.Row) (*model.Club, error) {
	var c model.Club
	var comp *string
	if err := row.Scan(&c.ID, &c.Name, &c.Country, &comp, &c.Active); err != nil {
		return nil, err
	}
	if comp != nil {
		c.CompetitionID = *comp
	}
	return &c, nil
}

func (s *PostgresStore) GetClub(ctx context.Context, id string) (*model.Club, error) {
	c, err := scanPgClub(s.pool.QueryRow(ctx, `SELECT `+clubCols+` FROM clubs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get club %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListClubs(ctx context.Context, filter ClubFilter) ([]model.Club, error) {
	query := `SELECT ` + clubCols + ` FROM clubs WHERE true`
	var args pgArgs
	if filter.ActiveOnly {
		query += ` AND active`
	}
	if filter.CompetitionID != "" {
		query += ` AND competition_id = ` + args.add(filter.CompetitionID)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clubs")
	}
	defer rows.Close()

	var out []model.Club
	for rows.Next() {
		c, err := scanPgClub(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan club")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list clubs iterate")
}

func scanPgPlayer(row pgx.Row) (*model.Player, error) {
	var p model.Player
	var dob *time.Time
	var club *string
	if err := row.Scan(&p.ID, &p.Name, &p.Position, &dob, &p.Nationality, &club, &p.Active); err != nil {
		return nil, err
	}
	if dob != nil {
		p.DateOfBirth = dob.UTC()
	}
	if club != nil {
		p.RegisteredClubID = *club
	}
	return &p, nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	p, err := scanPgPlayer(s.pool.QueryRow(ctx, `SELECT `+playerCols+` FROM players WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get player %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPlayers(ctx context.Context, filter PlayerFilter) ([]model.Player, error) {
	query := `SELECT ` + playerCols + ` FROM players WHERE true`
	var args pgArgs
	if filter.ActiveOnly {
		query += ` AND active`
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ` + args.add(filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ` + args.add(filter.Offset)
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list players")
	}
	defer rows.Close()

	var out []model.Player
	for rows.Next() {
		p, err := scanPgPlayer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan player")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list players iterate")
}
