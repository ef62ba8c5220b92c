package predict

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/facts"
	"github.com/clarence2022/transferlens/internal/features"
	"github.com/clarence2022/transferlens/internal/ml"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/pipeline"
	"github.com/clarence2022/transferlens/internal/store"
	"github.com/clarence2022/transferlens/internal/storetest"
)

var (
	now = storetest.Day(2025, 3, 1)
	t1  = storetest.Day(2025, 2, 1)
	t2  = storetest.Day(2025, 2, 8)
)

// constClassifier scores every row with p and attributes it to the first
// two features.
type constClassifier struct {
	p float64
}

func (c *constClassifier) Fit([][]float64, []float64) error { return nil }

func (c *constClassifier) PredictProba(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i := range out {
		out[i] = c.p
	}
	return out
}

func (c *constClassifier) Contributions(x []float64) []float64 {
	out := make([]float64, len(x))
	out[0], out[1] = 0.3, -0.1
	return out
}

func (c *constClassifier) Importances() []float64 { return nil }

func (c *constClassifier) Type() string { return "const" }

type stubModels struct {
	clf   ml.Classifier
	loads atomic.Int32
}

func (m *stubModels) LoadClassifier(context.Context, *model.ModelVersion) (ml.Classifier, error) {
	m.loads.Add(1)
	return m.clf, nil
}

// stubCandidates proposes the same clubs for every player from origin e1.
type stubCandidates struct {
	clubs []string
	fail  map[string]bool
}

func (s *stubCandidates) Generate(_ context.Context, playerID string, asOf time.Time, h model.Horizon) (*model.CandidateSet, error) {
	if s.fail[playerID] {
		return nil, &model.InsufficientDataError{PlayerID: playerID, AsOf: asOf, Reason: "no candidate destinations"}
	}
	cs := &model.CandidateSet{
		ID:       model.CandidateSetID(playerID, asOf, h),
		PlayerID: playerID,
		AsOf:     asOf,
		Horizon:  h,
		Context:  model.PlayerContext{OriginClubID: "e1"},
	}
	for _, c := range s.clubs {
		cs.Candidates = append(cs.Candidates, model.Candidate{ClubID: c, Source: model.SourceLeague, Score: 1})
	}
	return cs, nil
}

type fixture struct {
	st     *store.SQLiteStore
	seed   *storetest.Seeder
	clk    *clock.Fixed
	clf    *constClassifier
	models *stubModels
	cands  *stubCandidates
	w      *Writer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.Open(t)
	f := &fixture{
		st:    st,
		seed:  storetest.NewSeeder(t, st),
		clk:   clock.NewFixed(now),
		clf:   &constClassifier{p: 0.35},
		cands: &stubCandidates{clubs: []string{"e2", "e3"}},
	}
	f.models = &stubModels{clf: f.clf}
	f.seed.League("EPL", "ENG", "e", 1, 4, storetest.Day(2025, 1, 1))
	f.seed.Player("p1", model.PositionST, storetest.Day(1999, 5, 1), "e1")

	fb := features.New(facts.New(st, f.clk), st, f.clk, config.FeaturesConfig{})
	f.w = New(f.cands, fb, f.models, st, f.clk, config.PredictConfig{DriversTopN: 3})
	return f
}

func (f *fixture) version(t *testing.T, id string, h model.Horizon, status model.ModelStatus) {
	t.Helper()
	require.NoError(t, f.st.InsertModelVersion(context.Background(), model.ModelVersion{
		ID:             id,
		Name:           model.ModelName("const", h),
		Version:        id,
		ModelType:      "const",
		Horizon:        h,
		TrainingCutoff: storetest.Day(2024, 10, 1),
		Features:       features.Schema,
		Status:         status,
		TrainedAt:      now,
	}))
}

func absSum(m map[string]float64) float64 {
	var s float64
	for _, v := range m {
		s += math.Abs(v)
	}
	return s
}

func TestPredict_DestinationsAndAnyMove(t *testing.T) {
	f := newFixture(t)
	f.version(t, "mv-90", 90, model.ModelDeployed)

	snaps, err := f.w.Predict(context.Background(), "p1", t1, 90, "")
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	for i, club := range []string{"e2", "e3"} {
		s := snaps[i]
		require.NotNil(t, s.ToClubID)
		assert.Equal(t, club, *s.ToClubID)
		assert.Equal(t, model.SnapshotID("p1", club, 90, t1), s.ID)
		assert.Equal(t, "mv-90", s.ModelVersionID)
		assert.Equal(t, "e1", s.FromClubID)
		assert.InDelta(t, 0.35, s.Probability, 1e-12)
		assert.InDelta(t, 1, absSum(s.Drivers), 1e-9)
		assert.Len(t, s.Features, len(features.Schema))
		assert.Equal(t, t1, s.WindowStart)
		assert.Equal(t, t1.AddDate(0, 0, 90), s.WindowEnd)
	}

	anyMove := snaps[2]
	assert.Nil(t, anyMove.ToClubID)
	assert.Equal(t, model.AnyDestination, anyMove.Destination())
	assert.Equal(t, model.SnapshotID("p1", "", 90, t1), anyMove.ID)
	assert.InDelta(t, 0.5775, anyMove.Probability, 1e-9)
	assert.InDelta(t, 0.75, anyMove.Drivers[features.Schema[0]], 1e-9)
	assert.InDelta(t, -0.25, anyMove.Drivers[features.Schema[1]], 1e-9)

	stored, err := f.st.GetPrediction(context.Background(), anyMove.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.InDelta(t, 0.5775, stored.Probability, 1e-9)
}

func TestPredict_RerunWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.version(t, "mv-90", 90, model.ModelDeployed)
	ctx := context.Background()

	first, err := f.w.Predict(ctx, "p1", t1, 90, "")
	require.NoError(t, err)
	f.clk.Advance(time.Hour)
	second, err := f.w.Predict(ctx, "p1", t1, 90, "")
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)

	rows, err := f.st.ListPredictions(ctx, store.PredictionFilter{PlayerID: "p1"})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, now, r.CreatedAt)
	}
	assert.Equal(t, int32(1), f.models.loads.Load())
}

func TestPredict_SkipsUnknownClub(t *testing.T) {
	f := newFixture(t)
	f.version(t, "mv-90", 90, model.ModelDeployed)
	f.cands.clubs = []string{"ghost", "e2"}

	snaps, err := f.w.Predict(context.Background(), "p1", t1, 90, "")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "e2", *snaps[0].ToClubID)
	assert.InDelta(t, 0.35, snaps[1].Probability, 1e-9)

	f.cands.clubs = []string{"ghost"}
	_, err = f.w.Predict(context.Background(), "p1", t2, 90, "")
	assert.Equal(t, model.CodeInsufficientData, model.CodeOf(err))
}

func TestLatestAndHistory(t *testing.T) {
	f := newFixture(t)
	f.version(t, "mv-90", 90, model.ModelDeployed)
	ctx := context.Background()

	_, err := f.w.Predict(ctx, "p1", t1, 90, "")
	require.NoError(t, err)
	f.clf.p = 0.42
	f.clk.Advance(24 * time.Hour)
	_, err = f.w.Predict(ctx, "p1", t2, 90, "")
	require.NoError(t, err)

	latest, err := f.w.Latest(ctx, LatestFilter{PlayerID: "p1", ToClubID: "e2", Horizon: 90})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.InDelta(t, 0.42, latest[0].Probability, 1e-12)
	assert.Equal(t, t2, latest[0].AsOf)

	all, err := f.w.Latest(ctx, LatestFilter{PlayerID: "p1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Nil(t, all[0].ToClubID, "any-move row has the highest probability")

	hist, err := f.w.History(ctx, "p1", "e2", 90)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.InDelta(t, 0.35, hist[0].Probability, 1e-12)
	assert.InDelta(t, 0.42, hist[1].Probability, 1e-12)

	old, err := f.st.GetPrediction(ctx, model.SnapshotID("p1", "e2", 90, t1))
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.InDelta(t, 0.35, old.Probability, 1e-12)

	anyHist, err := f.w.History(ctx, "p1", "", 90)
	require.NoError(t, err)
	assert.Len(t, anyHist, 2)

	_, err = f.w.Latest(ctx, LatestFilter{MinProbability: 2})
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))
}

func TestPredict_ModelResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.version(t, "mv-90", 90, model.ModelCompleted)
	f.version(t, "mv-failed", 90, model.ModelFailed)

	_, err := f.w.Predict(ctx, "p1", t1, 90, "")
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err), "completed is not deployed")

	_, err = f.w.Predict(ctx, "p1", t1, 30, "mv-90")
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))

	_, err = f.w.Predict(ctx, "p1", t1, 90, "mv-failed")
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))

	_, err = f.w.Predict(ctx, "p1", t1, 90, "nope")
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err))

	_, err = f.w.Predict(ctx, "p1", t1, 0, "")
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))

	snaps, err := f.w.Predict(ctx, "p1", t1, 90, "mv-90")
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.version(t, "mv-90", 90, model.ModelDeployed)
	f.seed.Player("p2", model.PositionCB, storetest.Day(2001, 1, 9), "e1")
	f.seed.Player("p3", model.PositionGK, storetest.Day(1995, 7, 3), "e1")
	f.cands.fail = map[string]bool{"p3": true}

	run, err := f.st.CreateRun(ctx, "predict", t1, 90)
	require.NoError(t, err)
	rc := &pipeline.RunContext{Run: run, AsOf: t1, Horizon: 90, Concurrency: 2, Runs: f.st, Clock: f.clk}

	res, err := f.w.RunAll(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 6, res.Written)

	failures, err := f.st.ListFailures(ctx, store.FailureFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "p3", failures[0].EntityID)
	assert.Equal(t, StageName, failures[0].Stage)
	assert.Equal(t, model.CodeInsufficientData, failures[0].Code)

	res, err = f.w.RunAll(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Written)
}

func TestRunAll_NoDeployedModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.w.RunAll(context.Background(), &pipeline.RunContext{AsOf: t1, Horizon: 30})
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err))
}
