package store

import (
	"context"
	"time"

	"github.com/clarence2022/transferlens/internal/model"
)

// ClubFilter specifies criteria for listing clubs.
type ClubFilter struct {
	ActiveOnly    bool
	CompetitionID string
}

// PlayerFilter specifies criteria for listing players.
type PlayerFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

// TransferFilter specifies criteria for listing ledger rows. After is
// exclusive and Through is inclusive on the effective date.
type TransferFilter struct {
	PlayerID          string
	After             *time.Time
	Through           *time.Time
	IncludeSuperseded bool
	Limit             int
}

// SignalFilter specifies criteria for scanning signals. Empty ids match any
// value; Scope narrows to player-only, club-only or pair rows. AsOf applies
// both temporal bounds as a coarse prefilter; callers still go through the
// guard.
type SignalFilter struct {
	PlayerID string
	ClubID   string
	Scope    model.Scope
	Kinds    []model.SignalKind
	AsOf     *time.Time
}

// BehaviorFilter selects raw events with From <= occurred_at <= To.
type BehaviorFilter struct {
	From  time.Time
	To    time.Time
	Types []model.BehaviorEventType
}

// ModelFilter specifies criteria for listing model versions.
type ModelFilter struct {
	Horizon model.Horizon
	Status  model.ModelStatus
	Limit   int
}

// PredictionFilter specifies criteria for prediction reads. ToClubID set to
// model.AnyDestination selects the any-move rows.
type PredictionFilter struct {
	PlayerID       string
	ToClubID       string
	Horizon        model.Horizon
	ModelVersionID string
	MinProbability float64
	Limit          int
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus
	Kind   string
	Limit  int
	Offset int
}

// FailureFilter specifies criteria for listing stage failures.
type FailureFilter struct {
	RunID string
	Stage string
	Code  model.Code
	Limit int
}

// ReferenceStore holds mutable entity attributes.
type ReferenceStore interface {
	UpsertCompetition(ctx context.Context, c model.Competition) error
	UpsertClub(ctx context.Context, c model.Club) error
	UpsertPlayer(ctx context.Context, p model.Player) error
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	GetClub(ctx context.Context, id string) (*model.Club, error)
	GetPlayer(ctx context.Context, id string) (*model.Player, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	ListClubs(ctx context.Context, filter ClubFilter) ([]model.Club, error)
	ListPlayers(ctx context.Context, filter PlayerFilter) ([]model.Player, error)
}

// FactStore is append-only. Insert methods report whether a row was
// written; an existing id is a no-op, not an error.
type FactStore interface {
	InsertTransfer(ctx context.Context, t model.TransferEvent) (bool, error)
	GetTransfer(ctx context.Context, id string) (*model.TransferEvent, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]model.TransferEvent, error)
	InsertSupersession(ctx context.Context, s model.TransferSupersession) (bool, error)
	IsSuperseded(ctx context.Context, transferID string) (bool, error)

	InsertSignal(ctx context.Context, s model.SignalEvent) (bool, error)
	InsertSignals(ctx context.Context, signals []model.SignalEvent) (int, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.SignalEvent, error)

	InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) (int, error)
	ListBehaviorEvents(ctx context.Context, filter BehaviorFilter) ([]model.BehaviorEvent, error)
}

// DerivedStore caches write-once derived records.
type DerivedStore interface {
	GetCandidateSet(ctx context.Context, playerID string, asOf time.Time, h model.Horizon) (*model.CandidateSet, error)
	InsertCandidateSet(ctx context.Context, cs model.CandidateSet) (bool, error)
	GetFeatureSnapshot(ctx context.Context, key model.FeatureKey) (*model.FeatureSnapshot, error)
	InsertFeatureSnapshot(ctx context.Context, fs model.FeatureSnapshot) (bool, error)
}

// ModelStore is the model registry.
type ModelStore interface {
	InsertModelVersion(ctx context.Context, mv model.ModelVersion) error
	GetModelVersion(ctx context.Context, id string) (*model.ModelVersion, error)
	ListModelVersions(ctx context.Context, filter ModelFilter) ([]model.ModelVersion, error)
	GetDeployedModel(ctx context.Context, h model.Horizon) (*model.ModelVersion, error)
	// CompleteModelVersion writes training outputs and moves training →
	// completed in one statement.
	CompleteModelVersion(ctx context.Context, id string, result model.TrainingResult) error
	// TransitionModelVersion is a compare-and-set on status.
	TransitionModelVersion(ctx context.Context, id string, from, to model.ModelStatus, at time.Time, errMsg string) error
	// DeployModelVersion archives the deployed version of the same horizon
	// and deploys id, atomically. It returns the archived id, if any.
	DeployModelVersion(ctx context.Context, id string, at time.Time) (string, error)
	InsertEvaluation(ctx context.Context, ev model.ModelEvaluation) error
	ListEvaluations(ctx context.Context, modelVersionID string) ([]model.ModelEvaluation, error)
}

// PredictionStore is append-only; there is no update method.
type PredictionStore interface {
	// InsertPredictions appends the batch in one transaction and returns the
	// number of new rows.
	InsertPredictions(ctx context.Context, snaps []model.PredictionSnapshot) (int, error)
	GetPrediction(ctx context.Context, id string) (*model.PredictionSnapshot, error)
	ListPredictions(ctx context.Context, filter PredictionFilter) ([]model.PredictionSnapshot, error)
	// LatestPredictions returns, per (player, destination, horizon), the row
	// with the greatest as_of.
	LatestPredictions(ctx context.Context, filter PredictionFilter) ([]model.PredictionSnapshot, error)
}

// RunStore tracks pipeline runs, stages and skipped work.
type RunStore interface {
	CreateRun(ctx context.Context, kind string, asOf time.Time, h model.Horizon) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	CreateStage(ctx context.Context, runID, name string) (*model.RunStage, error)
	CompleteStage(ctx context.Context, stageID string, result *model.StageResult) error
	RecordFailure(ctx context.Context, f model.StageFailure) error
	ListFailures(ctx context.Context, filter FailureFilter) ([]model.StageFailure, error)
	CountFailuresByCode(ctx context.Context, since time.Time) (map[model.Code]int, error)
}

// Store is the full persistence interface.
type Store interface {
	ReferenceStore
	FactStore
	DerivedStore
	ModelStore
	PredictionStore
	RunStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultLimit = 100

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
