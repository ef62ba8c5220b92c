package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/artifact"
	"github.com/clarence2022/transferlens/internal/candidates"
	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/daily"
	"github.com/clarence2022/transferlens/internal/facts"
	"github.com/clarence2022/transferlens/internal/features"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
	"github.com/clarence2022/transferlens/internal/pipeline"
	"github.com/clarence2022/transferlens/internal/predict"
	"github.com/clarence2022/transferlens/internal/resilience"
	"github.com/clarence2022/transferlens/internal/signals"
	"github.com/clarence2022/transferlens/internal/store"
	"github.com/clarence2022/transferlens/internal/trainer"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "transferlens.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// appEnv holds every service a command may need, wired from cfg.
type appEnv struct {
	Store      store.Store
	Clock      clock.Clock
	Facts      *facts.Service
	Signals    *signals.Deriver
	Candidates *candidates.Generator
	Features   *features.Builder
	Trainer    *trainer.Trainer
	Writer     *predict.Writer
	Alerter    *monitoring.Alerter
	Runner     *pipeline.Runner
}

func horizons() []model.Horizon {
	out := make([]model.Horizon, len(cfg.Pipeline.Horizons))
	for i, h := range cfg.Pipeline.Horizons {
		out[i] = model.Horizon(h)
	}
	return out
}

// initEnv opens and migrates the store, then builds the services on top of
// it. The caller must Close the result.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	arts, err := artifact.Open(ctx, cfg.Artifacts)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	clk := clock.System{}
	retry := resilience.FromRetryConfig(cfg.Store.Retry.MaxAttempts, cfg.Store.Retry.InitialBackoffMs, cfg.Store.Retry.MaxBackoffMs)

	svc := facts.New(st, clk, facts.WithRetry(retry))
	gen := candidates.New(svc, st, clk, cfg.Candidates)
	fb := features.New(svc, st, clk, cfg.Features)
	tr := trainer.New(svc, st, fb, arts, clk, cfg.Training, horizons())
	alerter := monitoring.NewAlerter(cfg.Monitoring, clk)

	return &appEnv{
		Store:      st,
		Clock:      clk,
		Facts:      svc,
		Signals:    signals.New(st, svc, clk, cfg.Signals),
		Candidates: gen,
		Features:   fb,
		Trainer:    tr,
		Writer:     predict.New(gen, fb, tr, st, clk, cfg.Predict, predict.WithRetry(retry)),
		Alerter:    alerter,
		Runner:     pipeline.NewRunner(st, clk, alerter, cfg.Pipeline),
	}, nil
}

// Close releases the store.
func (e *appEnv) Close() {
	_ = e.Store.Close()
}

// Graph builds the daily stage graph over e's services.
func (e *appEnv) Graph() (*pipeline.Graph, error) {
	return daily.Graph(daily.Deps{
		Signals:    e.Signals,
		Candidates: e.Candidates,
		Features:   e.Features,
		Writer:     e.Writer,
		Players:    e.Store,
	})
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode output")
	}
	return nil
}

// parseTime accepts RFC 3339 or a bare date, read as UTC midnight. An empty
// value means def.
func parseTime(flag, value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, model.Invalid(flag, "%q is neither RFC 3339 nor YYYY-MM-DD", value)
	}
	return t.UTC(), nil
}

// horizonFlag returns days as a validated horizon; zero means the
// configured default.
func horizonFlag(days int) (model.Horizon, error) {
	if days == 0 {
		days = cfg.Pipeline.DefaultHorizonDays
	}
	h := model.Horizon(days)
	if err := h.Validate(horizons()); err != nil {
		return 0, err
	}
	return h, nil
}
