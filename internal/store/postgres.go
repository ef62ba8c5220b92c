package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgInsertTransfer = `INSERT INTO transfer_events (` + transferCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) ON CONFLICT (id) DO NOTHING`
	pgGetDeployedModel = `SELECT ` + modelCols + ` FROM model_versions WHERE horizon_days = $1 AND status = 'deployed'`
	pgGetFeatureSnapshot = `SELECT id, player_id, club_id, as_of, schema_version, features, created_at
		FROM feature_snapshots WHERE player_id = $1 AND club_id = $2 AND as_of = $3 AND schema_version = $4`
	pgInsertFeatureSnapshot = `INSERT INTO feature_snapshots (id, player_id, club_id, as_of, schema_version, features, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`
	pgGetCandidateSet = `SELECT id, player_id, as_of, horizon_days, candidates, source_counts, context, created_at
		FROM candidate_sets WHERE player_id = $1 AND as_of = $2 AND horizon_days = $3`
	pgInsertRun       = `INSERT INTO runs (id, kind, as_of, horizon_days, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	pgUpdateRunStatus = `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`
	pgInsertStage     = `INSERT INTO run_stages (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`
	pgCompleteStage   = `UPDATE run_stages SET status = $1, result = $2 WHERE id = $3`
	pgInsertFailure   = `INSERT INTO stage_failures (id, run_id, stage, entity_id, as_of, code, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
)

// preparedStatements lists queries to prepare on each new connection. The
// per-player hot path of a pipeline run goes through these.
var preparedStatements = map[string]string{
	"insert_transfer":         pgInsertTransfer,
	"get_deployed_model":      pgGetDeployedModel,
	"get_feature_snapshot":    pgGetFeatureSnapshot,
	"insert_feature_snapshot": pgInsertFeatureSnapshot,
	"get_candidate_set":       pgGetCandidateSet,
	"insert_run":              pgInsertRun,
	"update_run_status":       pgUpdateRunStatus,
	"insert_stage":            pgInsertStage,
	"complete_stage":          pgCompleteStage,
	"insert_failure":          pgInsertFailure,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
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
	active         BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS players (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	position           TEXT NOT NULL DEFAULT '',
	date_of_birth      DATE,
	nationality        TEXT NOT NULL DEFAULT '',
	registered_club_id TEXT,
	active             BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS transfer_events (
	id                TEXT PRIMARY KEY,
	player_id         TEXT NOT NULL,
	from_club_id      TEXT,
	to_club_id        TEXT NOT NULL,
	kind              TEXT NOT NULL,
	effective_date    TIMESTAMPTZ NOT NULL,
	fee_amount        DOUBLE PRECISION,
	fee_currency      TEXT NOT NULL DEFAULT '',
	source            TEXT NOT NULL,
	source_confidence DOUBLE PRECISION NOT NULL,
	observed_at       TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transfer_supersessions (
	superseded_id  TEXT PRIMARY KEY REFERENCES transfer_events(id),
	replacement_id TEXT NOT NULL REFERENCES transfer_events(id),
	reason         TEXT NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS signal_events (
	id             TEXT PRIMARY KEY,
	player_id      TEXT,
	club_id        TEXT,
	kind           TEXT NOT NULL,
	value_kind     TEXT NOT NULL,
	value          JSONB NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	observed_at    TIMESTAMPTZ NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_to   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	occurred_at  TIMESTAMPTZ NOT NULL,
	properties   JSONB
);

CREATE TABLE IF NOT EXISTS candidate_sets (
	id            TEXT PRIMARY KEY,
	player_id     TEXT NOT NULL,
	as_of         TIMESTAMPTZ NOT NULL,
	horizon_days  INTEGER NOT NULL,
	candidates    JSONB NOT NULL,
	source_counts JSONB NOT NULL,
	context       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (player_id, as_of, horizon_days)
);

CREATE TABLE IF NOT EXISTS feature_snapshots (
	id             TEXT PRIMARY KEY,
	player_id      TEXT NOT NULL,
	club_id        TEXT NOT NULL,
	as_of          TIMESTAMPTZ NOT NULL,
	schema_version TEXT NOT NULL,
	features       JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (player_id, club_id, as_of, schema_version)
);

CREATE TABLE IF NOT EXISTS model_versions (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	version           TEXT NOT NULL,
	model_type        TEXT NOT NULL,
	horizon_days      INTEGER NOT NULL,
	training_cutoff   TIMESTAMPTZ NOT NULL,
	samples           JSONB NOT NULL DEFAULT '{}',
	features          JSONB NOT NULL DEFAULT '[]',
	metrics           JSONB,
	importances       JSONB,
	artifact_location TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	trained_at        TIMESTAMPTZ NOT NULL,
	deployed_at       TIMESTAMPTZ,
	archived_at       TIMESTAMPTZ,
	UNIQUE (name, version)
);

CREATE TABLE IF NOT EXISTS model_evaluations (
	id                    TEXT PRIMARY KEY,
	model_version_id      TEXT NOT NULL REFERENCES model_versions(id),
	eval_cutoff           TIMESTAMPTZ NOT NULL,
	samples               JSONB NOT NULL,
	metrics               JSONB NOT NULL,
	calibration           JSONB NOT NULL,
	calibration_slope     DOUBLE PRECISION NOT NULL,
	calibration_intercept DOUBLE PRECISION NOT NULL,
	thresholds            JSONB NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prediction_snapshots (
	id               TEXT PRIMARY KEY,
	model_version_id TEXT NOT NULL REFERENCES model_versions(id),
	player_id        TEXT NOT NULL,
	from_club_id     TEXT,
	to_club_id       TEXT,
	horizon_days     INTEGER NOT NULL,
	probability      DOUBLE PRECISION NOT NULL CHECK (probability >= 0 AND probability <= 1),
	drivers          JSONB NOT NULL,
	features         JSONB,
	as_of            TIMESTAMPTZ NOT NULL,
	window_start     TIMESTAMPTZ NOT NULL,
	window_end       TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind         TEXT NOT NULL,
	as_of        TIMESTAMPTZ NOT NULL,
	horizon_days INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_stages (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stage_failures (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	as_of      TIMESTAMPTZ NOT NULL,
	code       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_clubs_competition ON clubs(competition_id);
CREATE INDEX IF NOT EXISTS idx_transfer_events_player ON transfer_events(player_id, effective_date);
CREATE INDEX IF NOT EXISTS idx_transfer_events_date ON transfer_events(effective_date);
CREATE INDEX IF NOT EXISTS idx_signal_events_player ON signal_events(player_id, kind, observed_at);
CREATE INDEX IF NOT EXISTS idx_signal_events_club ON signal_events(club_id, kind, observed_at);
CREATE INDEX IF NOT EXISTS idx_behavior_events_occurred ON behavior_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_prediction_snapshots_key ON prediction_snapshots(player_id, to_club_id, horizon_days, as_of DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_model_versions_one_deployed ON model_versions(horizon_days) WHERE status = 'deployed';
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_failures_run ON stage_failures(run_id);

CREATE OR REPLACE FUNCTION reject_fact_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE TRIGGER transfer_events_append_only BEFORE UPDATE OR DELETE ON transfer_events
	FOR EACH ROW EXECUTE FUNCTION reject_fact_mutation();
CREATE OR REPLACE TRIGGER transfer_supersessions_append_only BEFORE UPDATE OR DELETE ON transfer_supersessions
	FOR EACH ROW EXECUTE FUNCTION reject_fact_mutation();
CREATE OR REPLACE TRIGGER signal_events_append_only BEFORE UPDATE OR DELETE ON signal_events
	FOR EACH ROW EXECUTE FUNCTION reject_fact_mutation();
CREATE OR REPLACE TRIGGER prediction_snapshots_append_only BEFORE UPDATE OR DELETE ON prediction_snapshots
	FOR EACH ROW EXECUTE FUNCTION reject_fact_mutation();
CREATE OR REPLACE TRIGGER feature_snapshots_write_once BEFORE UPDATE ON feature_snapshots
	FOR EACH ROW EXECUTE FUNCTION reject_fact_mutation();
CREATE OR REPLACE TRIGGER candidate_sets_write_once BEFORE UPDATE ON candidate_sets
	FOR EACH ROW EXECUTE FUNCTION reject_fact_mutation();
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgArgs numbers positional parameters as a query is assembled.
type pgArgs []any

func (a *pgArgs) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}
