package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Instants are stored as fixed-width UTC text so that string comparison and
// ORDER BY agree with time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS competitions (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	country TEXT NOT NULL DEFAULT '',
	tier    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS clubs (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	country        TEXT NOT NULL DEFAULT '',
	competition_id TEXT,
	active         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS players (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	position           TEXT NOT NULL DEFAULT '',
	date_of_birth      TEXT,
	nationality        TEXT NOT NULL DEFAULT '',
	registered_club_id TEXT,
	active             INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS transfer_events (
	id                TEXT PRIMARY KEY,
	player_id         TEXT NOT NULL,
	from_club_id      TEXT,
	to_club_id        TEXT NOT NULL,
	kind              TEXT NOT NULL,
	effective_date    TEXT NOT NULL,
	fee_amount        REAL,
	fee_currency      TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL,
	source_confidence REAL NOT NULL,
	observed_at       TEXT NOT NULL,
	created_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transfer_supersessions (
	superseded_id  TEXT PRIMARY KEY REFERENCES transfer_events(id),
	replacement_id TEXT NOT NULL REFERENCES transfer_events(id),
	reason         TEXT NOT NULL DEFAULT '',
	recorded_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signal_events (
	id             TEXT PRIMARY KEY,
	player_id      TEXT,
	club_id        TEXT,
	kind           TEXT NOT NULL,
	value_kind     TEXT NOT NULL,
	value          TEXT NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL,
	confidence     REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	observed_at    TEXT NOT NULL,
	effective_from TEXT NOT NULL,
	effective_to   TEXT,
	created_at     TEXT NOT NULL,
	CHECK (player_id IS NOT NULL OR club_id IS NOT NULL),
	CHECK (effective_from <= observed_at),
	CHECK (source <> 'tl_user_derived' OR confidence <= 0.6)
);

CREATE TABLE IF NOT EXISTS behavior_events (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	user_anon_id TEXT NOT NULL DEFAULT '',
	session_id   TEXT NOT NULL,
	player_id    TEXT,
	club_id      TEXT,
	occurred_at  TEXT NOT NULL,
	properties   TEXT
);

CREATE TABLE IF NOT EXISTS candidate_sets (
	id            TEXT PRIMARY KEY,
	player_id     TEXT NOT NULL,
	as_of         TEXT NOT NULL,
	horizon_days  INTEGER NOT NULL,
	candidates    TEXT NOT NULL,
	source_counts TEXT NOT NULL,
	context       TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	UNIQUE (player_id, as_of, horizon_days)
);

CREATE TABLE IF NOT EXISTS feature_snapshots (
	id             TEXT PRIMARY KEY,
	player_id      TEXT NOT NULL,
	club_id        TEXT NOT NULL,
	as_of          TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	features       TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	UNIQUE (player_id, club_id, as_of, schema_version)
);

CREATE TABLE IF NOT EXISTS model_versions (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	version           TEXT NOT NULL,
	model_type        TEXT NOT NULL,
	horizon_days      INTEGER NOT NULL,
	training_cutoff   TEXT NOT NULL,
	samples           TEXT NOT NULL DEFAULT '{}',
	features          TEXT NOT NULL DEFAULT '[]',
	metrics           TEXT,
	importances       TEXT,
	artifact_location TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	trained_at        TEXT NOT NULL,
	deployed_at       TEXT,
	archived_at       TEXT,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS model_evaluations (
	id                    TEXT PRIMARY KEY,
	model_version_id      TEXT NOT NULL REFERENCES model_versions(id),
	eval_cutoff           TEXT NOT NULL,
	samples               TEXT NOT NULL,
	metrics               TEXT NOT NULL,
	calibration           TEXT NOT NULL,
	calibration_slope     REAL NOT NULL,
	calibration_intercept REAL NOT NULL,
	thresholds            TEXT NOT NULL,
	created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS prediction_snapshots (
	id               TEXT PRIMARY KEY,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	player_id        TEXT NOT NULL,
	from_club_id     TEXT,
	to_club_id       TEXT,
	horizon_days     INTEGER NOT NULL,
	probability      REAL NOT NULL CHECK (probability >= 0 AND probability <= 1),
	drivers          TEXT NOT NULL,
	features         TEXT,
	as_of            TEXT NOT NULL,
	window_start     TEXT NOT NULL,
	window_end       TEXT NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	as_of        TEXT NOT NULL,
	horizon_days INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	result       TEXT,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     TEXT,
	started_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_failures (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	as_of      TEXT NOT NULL,
	code       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_clubs_competition ON clubs(competition_id);
CREATE INDEX IF NOT EXISTS idx_transfer_events_player ON transfer_events(player_id, effective_date);
CREATE INDEX IF NOT EXISTS idx_transfer_events_date ON transfer_events(effective_date);
CREATE INDEX IF NOT EXISTS idx_signal_events_player ON signal_events(player_id, kind, observed_at);
CREATE INDEX IF NOT EXISTS idx_signal_events_club ON signal_events(club_id, kind, observed_at);
CREATE INDEX IF NOT EXISTS idx_behavior_events_occurred ON behavior_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_prediction_snapshots_key ON prediction_snapshots(player_id, to_club_id, horizon_days, as_of);
CREATE UNIQUE INDEX IF NOT EXISTS idx_model_versions_one_deployed ON model_versions(horizon_days) WHERE status = 'deployed';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_failures_run ON stage_failures(run_id);

CREATE TRIGGER IF NOT EXISTS transfer_events_no_update BEFORE UPDATE ON transfer_events
BEGIN SELECT RAISE(ABORT, 'transfer_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS transfer_events_no_delete BEFORE DELETE ON transfer_events
BEGIN SELECT RAISE(ABORT, 'transfer_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS transfer_supersessions_no_update BEFORE UPDATE ON transfer_supersessions
BEGIN SELECT RAISE(ABORT, 'transfer_supersessions is append-only'); END;
CREATE TRIGGER IF NOT EXISTS transfer_supersessions_no_delete BEFORE DELETE ON transfer_supersessions
BEGIN SELECT RAISE(ABORT, 'transfer_supersessions is append-only'); END;
CREATE TRIGGER IF NOT EXISTS signal_events_no_update BEFORE UPDATE ON signal_events
BEGIN SELECT RAISE(ABORT, 'signal_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS signal_events_no_delete BEFORE DELETE ON signal_events
BEGIN SELECT RAISE(ABORT, 'signal_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS prediction_snapshots_no_update BEFORE UPDATE ON prediction_snapshots
BEGIN SELECT RAISE(ABORT, 'prediction_snapshots is append-only'); END;
CREATE TRIGGER IF NOT EXISTS prediction_snapshots_no_delete BEFORE DELETE ON prediction_snapshots
BEGIN SELECT RAISE(ABORT, 'prediction_snapshots is append-only'); END;
CREATE TRIGGER IF NOT EXISTS feature_snapshots_no_update BEFORE UPDATE ON feature_snapshots
BEGIN SELECT RAISE(ABORT, 'feature_snapshots is append-only'); END;
CREATE TRIGGER IF NOT EXISTS candidate_sets_no_update BEFORE UPDATE ON candidate_sets
BEGIN SELECT RAISE(ABORT, 'candidate_sets is append-only'); END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// helpers

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func sqliteNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func parseSQLiteTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, v)
	if err != nil {
		// Rows written by SQLite defaults use datetime('now').
		t, err = time.Parse(time.DateTime, v)
	}
	return t.UTC(), eris.Wrapf(err, "sqlite: parse time %q", v)
}

// timeCol scans a stored instant into dst.
type timeCol struct{ dst *time.Time }

func (c timeCol) Scan(src any) error {
	switch v := src.(type) {
	case string:
		t, err := parseSQLiteTime(v)
		*c.dst = t
		return err
	case []byte:
		t, err := parseSQLiteTime(string(v))
		*c.dst = t
		return err
	case time.Time:
		*c.dst = v.UTC()
		return nil
	case nil:
		*c.dst = time.Time{}
		return nil
	default:
		return eris.Errorf("sqlite: cannot scan %T into time", src)
	}
}

// nullTimeCol scans a nullable instant into dst.
type nullTimeCol struct{ dst **time.Time }

func (c nullTimeCol) Scan(src any) error {
	if src == nil {
		*c.dst = nil
		return nil
	}
	var t time.Time
	if err := (timeCol{&t}).Scan(src); err != nil {
		return err
	}
	*c.dst = &t
	return nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',', ' ')
		}
		b = append(b, '?')
	}
	return string(b)
}
