package model

import (
	"time"
)

// RunStatus represents the state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one pipeline invocation. Runs are operational records, not facts.
type Run struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	AsOf      time.Time  `json:"as_of"`
	Horizon   Horizon    `json:"horizon_days"`
	Status    RunStatus  `json:"status"`
	Result    *RunResult `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunResult holds the final outcome of a run.
type RunResult struct {
	Stages     []StageResult `json:"stages"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	DurationMs int64         `json:"duration_ms"`
}

// StageStatus represents the state of a pipeline stage.
type StageStatus string

const (
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// RunStage is a stage within a run.
type RunStage struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    StageStatus  `json:"status"`
	Result    *StageResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// StageResult holds the outcome of one stage.
type StageResult struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	Processed  int         `json:"processed"`
	Skipped    int         `json:"skipped"`
	Written    int         `json:"written"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// StageFailure records a skipped unit of work with enough context to
// reproduce it.
type StageFailure struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	EntityID  string    `json:"entity_id"`
	AsOf      time.Time `json:"as_of"`
	Code      Code      `json:"code"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
