package model

import (
	"fmt"
	"strings"
	"time"
)

// ModelStatus is a model version's lifecycle state.
type ModelStatus string

const (
	ModelTraining  ModelStatus = "training"
	ModelCompleted ModelStatus = "completed"
	ModelFailed    ModelStatus = "failed"
	ModelDeployed  ModelStatus = "deployed"
	ModelArchived  ModelStatus = "archived"
)

var modelTransitions = map[ModelStatus][]ModelStatus{
	ModelTraining:  {ModelCompleted, ModelFailed},
	ModelCompleted: {ModelDeployed, ModelArchived},
	ModelDeployed:  {ModelArchived},
}

// CanTransition reports whether from → to is a forward transition.
func CanTransition(from, to ModelStatus) bool {
	for _, s := range modelTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Scorable reports whether predictions may be written with this status.
func (s ModelStatus) Scorable() bool { return s == ModelCompleted || s == ModelDeployed }

// SampleCounts summarizes a label set.
type SampleCounts struct {
	Total    int `json:"total"`
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Train    int `json:"train"`
	Test     int `json:"test"`
}

// ModelVersion is one training run and its outputs.
type ModelVersion struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Version          string             `json:"version"`
	ModelType        string             `json:"model_type"`
	Horizon          Horizon            `json:"horizon_days"`
	TrainingCutoff   time.Time          `json:"training_cutoff"`
	Samples          SampleCounts       `json:"samples"`
	Features         []string           `json:"features"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	Importances      map[string]float64 `json:"importances,omitempty"`
	ArtifactLocation string             `json:"artifact_location,omitempty"`
	Status           ModelStatus        `json:"status"`
	Error            string             `json:"error,omitempty"`
	TrainedAt        time.Time          `json:"trained_at"`
	DeployedAt       *time.Time         `json:"deployed_at,omitempty"`
	ArchivedAt       *time.Time         `json:"archived_at,omitempty"`
}

// ModelName returns the registry name for a model type and horizon.
func ModelName(modelType string, h Horizon) string {
	return fmt.Sprintf("transfer_%s_%dd", modelType, int(h))
}

// VersionString stamps a version from the training time and the version id,
// so two trainings in the same second still get distinct versions.
func VersionString(t time.Time, id string) string {
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return t.UTC().Format("v20060102_150405") + "_" + suffix
}

// TrainingResult is written atomically with training → completed.
type TrainingResult struct {
	Samples          SampleCounts
	Features         []string
	Metrics          map[string]float64
	Importances      map[string]float64
	ArtifactLocation string
}

// CalibrationBin is one bucket of a reliability curve.
type CalibrationBin struct {
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	MeanPredicted float64 `json:"mean_predicted"`
	ObservedRate  float64 `json:"observed_rate"`
	Count         int     `json:"count"`
}

// ThresholdMetrics holds classification quality at one decision threshold.
type ThresholdMetrics struct {
	Threshold float64 `json:"threshold"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Positives int     `json:"positives"`
}

// ModelEvaluation is an append-only backtest of a model version.
type ModelEvaluation struct {
	ID                   string             `json:"id"`
	ModelVersionID       string             `json:"model_version_id"`
	EvalCutoff           time.Time          `json:"eval_cutoff"`
	Samples              SampleCounts       `json:"samples"`
	Metrics              map[string]float64 `json:"metrics"`
	Calibration          []CalibrationBin   `json:"calibration"`
	CalibrationSlope     float64            `json:"calibration_slope"`
	CalibrationIntercept float64            `json:"calibration_intercept"`
	Thresholds           []ThresholdMetrics `json:"thresholds"`
	CreatedAt            time.Time          `json:"created_at"`
}
