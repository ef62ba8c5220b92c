package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Processed and Skipped sum stage counts over complete runs.
	Processed int     `json:"processed"`
	Skipped   int     `json:"skipped"`
	SkipRate  float64 `json:"skip_rate"`

	FailuresByCode map[model.Code]int `json:"failures_by_code"`
	DeployedModels map[string]string  `json:"deployed_models"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// CollectorStore is the read surface the collector needs.
type CollectorStore interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	CountFailuresByCode(ctx context.Context, since time.Time) (map[model.Code]int, error)
	GetDeployedModel(ctx context.Context, h model.Horizon) (*model.ModelVersion, error)
}

// Collector gathers a Snapshot from the store.
type Collector struct {
	store    CollectorStore
	clock    clock.Clock
	horizons []model.Horizon
}

// NewCollector creates a collector reporting deployed models for horizons.
func NewCollector(st CollectorStore, clk clock.Clock, horizons []model.Horizon) *Collector {
	if len(horizons) == 0 {
		horizons = model.DefaultHorizons
	}
	return &Collector{store: st, clock: clk, horizons: horizons}
}

// Collect summarizes runs created within the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.clock.Now()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	snap := &Snapshot{
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
		DeployedModels: make(map[string]string),
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
		if r.Result != nil {
			snap.Processed += r.Result.Processed
			snap.Skipped += r.Result.Skipped
		}
	}
	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if total := snap.Processed + snap.Skipped; total > 0 {
		snap.SkipRate = float64(snap.Skipped) / float64(total)
	}

	snap.FailuresByCode, err = c.store.CountFailuresByCode(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count failures")
	}

	for _, h := range c.horizons {
		mv, err := c.store.GetDeployedModel(ctx, h)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: deployed model %dd", h)
		}
		if mv != nil {
			snap.DeployedModels[mv.Name] = mv.ID
		}
	}
	DeployedModels.Set(float64(len(snap.DeployedModels)))

	return snap, nil
}
