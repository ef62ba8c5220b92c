// Package monitoring exposes Prometheus metrics, summarizes run health from
// the store, and posts webhook alerts.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FactsAppended counts new fact rows by family (transfer, signal, behavior).
	FactsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transferlens_facts_appended_total",
		Help: "Fact rows appended, by family",
	}, []string{"family"})

	// EntitiesSkipped counts per-entity skips by stage and error code.
	EntitiesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transferlens_entities_skipped_total",
		Help: "Units of work skipped because of a skippable error",
	}, []string{"stage", "code"})

	// PredictionsWritten counts newly inserted prediction snapshots.
	PredictionsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transferlens_predictions_written_total",
		Help: "Prediction snapshots inserted",
	})

	// StageDuration observes pipeline stage wall time.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transferlens_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"stage"})

	// DeployedModels is the number of horizons with a deployed model.
	DeployedModels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transferlens_deployed_models",
		Help: "Horizons that currently have a deployed model version",
	})
)
