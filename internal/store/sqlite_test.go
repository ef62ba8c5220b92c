package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func testTransfer(player, from, to string, date time.Time) model.TransferEvent {
	return model.TransferEvent{
		ID:               model.TransferID(player, to, date),
		PlayerID:         player,
		FromClubID:       from,
		ToClubID:         to,
		Kind:             model.TransferPermanent,
		EffectiveDate:    date,
		Source:           "official",
		SourceConfidence: model.LedgerConfidence,
		ObservedAt:       date,
		CreatedAt:        date,
	}
}

func testModel(t *testing.T, st *SQLiteStore, id string, h model.Horizon) model.ModelVersion {
	t.Helper()
	mv := model.ModelVersion{
		ID:             id,
		Name:           model.ModelName("logistic", h),
		Version:        id,
		ModelType:      "logistic",
		Horizon:        h,
		TrainingCutoff: day(2025, 1, 1),
		Features:       []string{"age"},
		Status:         model.ModelTraining,
		TrainedAt:      day(2025, 1, 2),
	}
	require.NoError(t, st.InsertModelVersion(context.Background(), mv))
	return mv
}

// --- Reference ---

func TestSQLite_Player_UpsertAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	p := model.Player{
		ID: "p1", Name: "A. Striker", Position: model.PositionST,
		DateOfBirth: day(1999, 4, 2), Nationality: "BR", RegisteredClubID: "c1", Active: true,
	}
	require.NoError(t, st.UpsertPlayer(ctx, p))
	p.RegisteredClubID = "c2"
	require.NoError(t, st.UpsertPlayer(ctx, p))

	got, err := st.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c2", got.RegisteredClubID)
	assert.True(t, got.DateOfBirth.Equal(p.DateOfBirth))

	missing, err := st.GetPlayer(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// --- Facts ---

func TestSQLite_Transfer_IdempotentAppend(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := testTransfer("p1", "c1", "c2", day(2024, 7, 1))
	ok, err := st.InsertTransfer(ctx, tr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.InsertTransfer(ctx, tr)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.FromClubID)
	assert.True(t, got.EffectiveDate.Equal(tr.EffectiveDate))
}

func TestSQLite_Transfer_RejectsMutation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := testTransfer("p1", "c1", "c2", day(2024, 7, 1))
	_, err := st.InsertTransfer(ctx, tr)
	require.NoError(t, err)

	_, err = st.db.ExecContext(ctx, `UPDATE transfer_events SET to_club_id = 'c9' WHERE id = ?`, tr.ID)
	assert.Error(t, err)
	_, err = st.db.ExecContext(ctx, `DELETE FROM transfer_events WHERE id = ?`, tr.ID)
	assert.Error(t, err)
}

func TestSQLite_Transfer_Supersession(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := testTransfer("p1", "c1", "c2", day(2024, 7, 1))
	fixed := testTransfer("p1", "c1", "c3", day(2024, 7, 1))
	for _, tr := range []model.TransferEvent{old, fixed} {
		_, err := st.InsertTransfer(ctx, tr)
		require.NoError(t, err)
	}
	ok, err := st.InsertSupersession(ctx, model.TransferSupersession{
		SupersededID: old.ID, ReplacementID: fixed.ID, Reason: "wrong club", RecordedAt: day(2024, 7, 3),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	sup, err := st.IsSuperseded(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, sup)

	visible, err := st.ListTransfers(ctx, TransferFilter{PlayerID: "p1"})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, fixed.ID, visible[0].ID)

	all, err := st.ListTransfers(ctx, TransferFilter{PlayerID: "p1", IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_Signals_ListAsOfAndScope(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	mk := func(ref model.EntityRef, kind model.SignalKind, v float64, obs, eff time.Time) model.SignalEvent {
		s := model.SignalEvent{
			PlayerID: ref.PlayerID, ClubID: ref.ClubID, Kind: kind, Value: model.Numeric(v),
			Source: "feed", Confidence: 0.9, ObservedAt: obs, EffectiveFrom: eff, CreatedAt: obs,
		}
		s.ID = s.DerivedID()
		return s
	}
	rows := []model.SignalEvent{
		mk(model.EntityRef{PlayerID: "p1"}, model.SignalMarketValue, 1e7, day(2025, 1, 20), day(2025, 1, 10)),
		mk(model.EntityRef{PlayerID: "p1"}, model.SignalMarketValue, 8e6, day(2025, 1, 5), day(2025, 1, 1)),
		mk(model.EntityRef{PlayerID: "p1", ClubID: "c2"}, model.SignalSocialMentionVelocity, 3, day(2025, 1, 6), day(2025, 1, 6)),
	}
	n, err := st.InsertSignals(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = st.InsertSignals(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	asOf := day(2025, 1, 15)
	got, err := st.ListSignals(ctx, SignalFilter{PlayerID: "p1", Scope: model.ScopePlayer, AsOf: &asOf})
	require.NoError(t, err)
	require.Len(t, got, 1)
	v, ok := got[0].Number()
	require.True(t, ok)
	assert.Equal(t, 8e6, v)

	pair, err := st.ListSignals(ctx, SignalFilter{PlayerID: "p1", Scope: model.ScopePair})
	require.NoError(t, err)
	require.Len(t, pair, 1)
	assert.Equal(t, "c2", pair[0].ClubID)
}

func TestSQLite_Signal_WeakCapCheck(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	s := model.SignalEvent{
		ID: "s1", PlayerID: "p1", Kind: model.SignalUserAttentionVelocity, Value: model.Numeric(1),
		Source: model.WeakSource, Confidence: 0.9, ObservedAt: day(2025, 1, 2), EffectiveFrom: day(2025, 1, 1),
		CreatedAt: day(2025, 1, 2),
	}
	_, err := st.InsertSignal(ctx, s)
	assert.Error(t, err)
}

func TestSQLite_BehaviorEvents_Window(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	events := []model.BehaviorEvent{
		{ID: "e1", Type: model.EventPlayerView, SessionID: "s1", PlayerID: "p1", OccurredAt: day(2025, 1, 2)},
		{ID: "e2", Type: model.EventPlayerView, SessionID: "s1", PlayerID: "p1", OccurredAt: day(2025, 1, 9)},
	}
	n, err := st.InsertBehaviorEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := st.ListBehaviorEvents(ctx, BehaviorFilter{From: day(2025, 1, 1), To: day(2025, 1, 5)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].ID)
}

// --- Derived ---

func TestSQLite_CandidateSet_WriteOnce(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	asOf := day(2025, 1, 15)
	cs := model.CandidateSet{
		ID: model.CandidateSetID("p1", asOf, 90), PlayerID: "p1", AsOf: asOf, Horizon: 90,
		Candidates:   []model.Candidate{{ClubID: "c2", Source: model.SourceLeague, Score: 0.5}},
		SourceCounts: map[model.CandidateSource]int{model.SourceLeague: 1},
		CreatedAt:    asOf,
	}
	ok, err := st.InsertCandidateSet(ctx, cs)
	require.NoError(t, err)
	assert.True(t, ok)

	cs.Candidates = nil
	ok, err = st.InsertCandidateSet(ctx, cs)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetCandidateSet(ctx, "p1", asOf, 90)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"c2"}, got.ClubIDs())
}

func TestSQLite_FeatureSnapshot_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	key := model.FeatureKey{PlayerID: "p1", ClubID: "c2", AsOf: day(2025, 1, 15), SchemaVersion: "v1"}
	fs := model.FeatureSnapshot{
		ID: key.ID(), PlayerID: key.PlayerID, ClubID: key.ClubID, AsOf: key.AsOf, SchemaVersion: "v1",
		Features: map[string]float64{"age": 25}, CreatedAt: key.AsOf,
	}
	ok, err := st.InsertFeatureSnapshot(ctx, fs)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetFeatureSnapshot(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 25.0, got.Features["age"])
}

// --- Models ---

func TestSQLite_ModelLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := testModel(t, st, "m1", 90)
	require.NoError(t, st.CompleteModelVersion(ctx, first.ID, model.TrainingResult{
		Samples:  model.SampleCounts{Total: 10, Positive: 3, Negative: 7},
		Features: []string{"age"},
		Metrics:  map[string]float64{"auc": 0.71},
	}))

	// Completing twice fails the compare-and-set.
	err := st.CompleteModelVersion(ctx, first.ID, model.TrainingResult{})
	var te *model.StatusTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ModelCompleted, te.From)

	archived, err := st.DeployModelVersion(ctx, first.ID, day(2025, 1, 3))
	require.NoError(t, err)
	assert.Empty(t, archived)

	second := testModel(t, st, "m2", 90)
	require.NoError(t, st.CompleteModelVersion(ctx, second.ID, model.TrainingResult{Features: []string{"age"}}))
	archived, err = st.DeployModelVersion(ctx, second.ID, day(2025, 1, 4))
	require.NoError(t, err)
	assert.Equal(t, first.ID, archived)

	deployed, err := st.GetDeployedModel(ctx, 90)
	require.NoError(t, err)
	require.NotNil(t, deployed)
	assert.Equal(t, second.ID, deployed.ID)
	require.NotNil(t, deployed.DeployedAt)

	old, err := st.GetModelVersion(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModelArchived, old.Status)
	assert.Equal(t, 0.71, old.Metrics["auc"])
	assert.Equal(t, 3, old.Samples.Positive)
}

func TestSQLite_TransitionModelVersion_Rejected(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	mv := testModel(t, st, "m1", 30)
	err := st.TransitionModelVersion(ctx, mv.ID, model.ModelTraining, model.ModelDeployed, day(2025, 1, 3), "")
	assert.Equal(t, model.CodeInvalidTransition, model.CodeOf(err))

	require.NoError(t, st.TransitionModelVersion(ctx, mv.ID, model.ModelTraining, model.ModelFailed, day(2025, 1, 3), "no data"))
	got, err := st.GetModelVersion(ctx, mv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ModelFailed, got.Status)
	assert.Equal(t, "no data", got.Error)

	err = st.TransitionModelVersion(ctx, "missing", model.ModelTraining, model.ModelFailed, day(2025, 1, 3), "")
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err))
}

func TestSQLite_Evaluations(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	mv := testModel(t, st, "m1", 90)
	ev := model.ModelEvaluation{
		ID: "ev1", ModelVersionID: mv.ID, EvalCutoff: day(2025, 1, 1),
		Metrics:     map[string]float64{"brier": 0.12},
		Calibration: []model.CalibrationBin{{Lower: 0, Upper: 0.1, Count: 4}},
		CreatedAt:   day(2025, 1, 5),
	}
	require.NoError(t, st.InsertEvaluation(ctx, ev))

	got, err := st.ListEvaluations(ctx, mv.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.12, got[0].Metrics["brier"])
	assert.Len(t, got[0].Calibration, 1)
}

// --- Predictions ---

func snapshot(modelID, player string, to *string, asOf time.Time, p float64) model.PredictionSnapshot {
	dest := ""
	if to != nil {
		dest = *to
	}
	start, end := model.PredictionWindow(asOf, 90)
	return model.PredictionSnapshot{
		ID: model.SnapshotID(player, dest, 90, asOf), ModelVersionID: modelID, PlayerID: player,
		FromClubID: "c1", ToClubID: to, Horizon: 90, Probability: p,
		Drivers: map[string]float64{"age": 1}, AsOf: asOf, WindowStart: start, WindowEnd: end, CreatedAt: asOf,
	}
}

func TestSQLite_LatestPredictions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	mv := testModel(t, st, "m1", 90)

	c2 := "c2"
	n, err := st.InsertPredictions(ctx, []model.PredictionSnapshot{
		snapshot(mv.ID, "p1", &c2, day(2025, 1, 1), 0.35),
		snapshot(mv.ID, "p1", &c2, day(2025, 1, 8), 0.42),
		snapshot(mv.ID, "p1", nil, day(2025, 1, 8), 0.6),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	latest, err := st.LatestPredictions(ctx, PredictionFilter{PlayerID: "p1", ToClubID: "c2", Horizon: 90})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 0.42, latest[0].Probability)

	all, err := st.LatestPredictions(ctx, PredictionFilter{PlayerID: "p1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	anyMove, err := st.LatestPredictions(ctx, PredictionFilter{ToClubID: model.AnyDestination})
	require.NoError(t, err)
	require.Len(t, anyMove, 1)
	assert.Nil(t, anyMove[0].ToClubID)

	history, err := st.ListPredictions(ctx, PredictionFilter{PlayerID: "p1", ToClubID: "c2"})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSQLite_LatestPredictions_MinProbabilityAfterLatest(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	mv := testModel(t, st, "m1", 90)

	c2 := "c2"
	_, err := st.InsertPredictions(ctx, []model.PredictionSnapshot{
		snapshot(mv.ID, "p1", &c2, day(2025, 1, 1), 0.8),
		snapshot(mv.ID, "p1", &c2, day(2025, 1, 8), 0.2),
	})
	require.NoError(t, err)

	// The older high-probability row must not resurface.
	got, err := st.LatestPredictions(ctx, PredictionFilter{MinProbability: 0.5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_Predictions_BatchAtomic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	mv := testModel(t, st, "m1", 90)

	c2 := "c2"
	bad := snapshot(mv.ID, "p2", &c2, day(2025, 1, 1), 0.5)
	bad.Probability = 1.5
	_, err := st.InsertPredictions(ctx, []model.PredictionSnapshot{
		snapshot(mv.ID, "p1", &c2, day(2025, 1, 1), 0.5),
		bad,
	})
	require.Error(t, err)

	got, err := st.ListPredictions(ctx, PredictionFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_Predictions_RejectMutation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	mv := testModel(t, st, "m1", 90)

	s := snapshot(mv.ID, "p1", nil, day(2025, 1, 1), 0.5)
	_, err := st.InsertPredictions(ctx, []model.PredictionSnapshot{s})
	require.NoError(t, err)

	_, err = st.db.ExecContext(ctx, `UPDATE prediction_snapshots SET probability = 0.9 WHERE id = ?`, s.ID)
	assert.Error(t, err)
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "predict", day(2025, 1, 15), 90)
	require.NoError(t, err)
	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning))

	stage, err := st.CreateStage(ctx, run.ID, "features")
	require.NoError(t, err)
	require.NoError(t, st.CompleteStage(ctx, stage.ID, &model.StageResult{
		Name: "features", Status: model.StageStatusComplete, Processed: 4, Skipped: 1,
	}))
	require.NoError(t, st.RecordFailure(ctx, model.StageFailure{
		RunID: run.ID, Stage: "features", EntityID: "p9", AsOf: run.AsOf,
		Code: model.CodeFeatureBuild, Message: "no origin",
	}))

	require.NoError(t, st.CompleteRun(ctx, run.ID, model.RunStatusComplete, &model.RunResult{Processed: 4, Skipped: 1}, ""))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 4, got.Result.Processed)

	failures, err := st.ListFailures(ctx, FailureFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, model.CodeFeatureBuild, failures[0].Code)

	counts, err := st.CountFailuresByCode(ctx, day(2000, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.CodeFeatureBuild])

	runs, err := st.ListRuns(ctx, RunFilter{Kind: "predict"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = st.GetRun(ctx, "missing")
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err))
	assert.Error(t, st.UpdateRunStatus(ctx, "missing", model.RunStatusFailed))
}
