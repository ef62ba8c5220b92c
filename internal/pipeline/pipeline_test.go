package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
)

var asOf = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func noop(name string, in, out []Artifact) Stage {
	return Stage{Name: name, Inputs: in, Outputs: out, Run: func(context.Context, *RunContext) (model.StageResult, error) {
		return model.StageResult{Processed: 1}, nil
	}}
}

func daily(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph(BehaviorEvents, ModelVersion)
	require.NoError(t, g.Add(noop("derive_signals", []Artifact{BehaviorEvents}, []Artifact{Signals})))
	require.NoError(t, g.Add(noop("generate_candidates", []Artifact{Signals}, []Artifact{CandidateSets})))
	require.NoError(t, g.Add(noop("build_features", []Artifact{CandidateSets}, []Artifact{FeatureSnapshots})))
	require.NoError(t, g.Add(noop("predict", []Artifact{FeatureSnapshots, ModelVersion}, []Artifact{PredictionSnapshots})))
	return g
}

func TestGraph_Add(t *testing.T) {
	g := NewGraph(BehaviorEvents)
	assert.Error(t, g.Add(noop("features", []Artifact{CandidateSets}, nil)))
	require.NoError(t, g.Add(noop("derive", []Artifact{BehaviorEvents}, []Artifact{Signals})))
	assert.Error(t, g.Add(noop("derive", nil, nil)))
	assert.Error(t, g.Add(noop("again", nil, []Artifact{Signals})))
	assert.Error(t, g.Add(Stage{Name: "empty"}))
	require.NoError(t, g.Validate())
}

func TestGraph_Only(t *testing.T) {
	g := daily(t)
	sub, err := g.Only("predict", "build_features")
	require.NoError(t, err)
	assert.Equal(t, []string{"build_features", "predict"}, sub.Stages())
	require.NoError(t, sub.Validate())

	_, err = g.Only("score")
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))
}

func TestGraph_RunStopsAtFirstError(t *testing.T) {
	var ran []string
	stage := func(name string, err error) Stage {
		return Stage{Name: name, Run: func(context.Context, *RunContext) (model.StageResult, error) {
			ran = append(ran, name)
			return model.StageResult{Processed: 2, Skipped: 1}, err
		}}
	}
	boom := errors.New("boom")
	g := NewGraph()
	require.NoError(t, g.Add(stage("a", nil)))
	require.NoError(t, g.Add(stage("b", boom)))
	require.NoError(t, g.Add(stage("c", nil)))

	res, err := g.Run(context.Background(), &RunContext{AsOf: asOf})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, "b", abortedStage(err))
	assert.Equal(t, []string{"a", "b"}, ran)
	require.Len(t, res.Stages, 2)
	assert.Equal(t, model.StageStatusComplete, res.Stages[0].Status)
	assert.Equal(t, model.StageStatusFailed, res.Stages[1].Status)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 2, res.Skipped)
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("p%02d", i)
	}
	return out
}

func TestForEachSubject_SkipsAndCounts(t *testing.T) {
	runs := &mockRuns{}
	rc := &RunContext{Run: &model.Run{ID: "run-1"}, AsOf: asOf, Concurrency: 4, Runs: runs, Clock: clock.NewFixed(asOf)}

	var mu sync.Mutex
	var progress []int
	rc.Progress = func(stage string, done, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "generate_candidates", stage)
		assert.Equal(t, 10, total)
		progress = append(progress, done)
	}

	res, err := ForEachSubject(context.Background(), rc, "generate_candidates", ids(10), func(_ context.Context, id string) (int, error) {
		switch id {
		case "p03":
			return 0, &model.InsufficientDataError{PlayerID: id, AsOf: asOf, Reason: "origin club unknown"}
		case "p07":
			return 0, &model.FeatureBuildError{PlayerID: id, AsOf: asOf, Reason: "club missing"}
		}
		return 2, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Processed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 16, res.Written)
	assert.Len(t, progress, 10)

	failures := runs.recorded()
	require.Len(t, failures, 2)
	codes := map[string]model.Code{}
	for _, f := range failures {
		assert.Equal(t, "run-1", f.RunID)
		assert.Equal(t, "generate_candidates", f.Stage)
		assert.Equal(t, asOf, f.AsOf)
		codes[f.EntityID] = f.Code
	}
	assert.Equal(t, map[string]model.Code{"p03": model.CodeInsufficientData, "p07": model.CodeFeatureBuild}, codes)
}

func TestForEachSubject_SystemicAborts(t *testing.T) {
	rc := &RunContext{AsOf: asOf, Concurrency: 2}
	var calls atomic.Int32
	_, err := ForEachSubject(context.Background(), rc, "build_features", ids(50), func(ctx context.Context, id string) (int, error) {
		calls.Add(1)
		if id == "p01" {
			return 0, &model.TimeTravelViolationError{Field: "observed_at", FactID: "sig", At: asOf.Add(time.Hour), AsOf: asOf}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return 1, nil
		}
	})
	var tte *model.TimeTravelViolationError
	require.ErrorAs(t, err, &tte)
	assert.True(t, model.IsSystemic(err))
	assert.Less(t, int(calls.Load()), 50)
}

func TestForEachSubject_Bounded(t *testing.T) {
	rc := &RunContext{AsOf: asOf, Concurrency: 3}
	var active, peak atomic.Int32
	_, err := ForEachSubject(context.Background(), rc, "predict", ids(20), func(context.Context, string) (int, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return 0, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, int(peak.Load()), 3)
}

func TestRunner_Execute(t *testing.T) {
	ctx := context.Background()
	runs := &mockRuns{}
	run := &model.Run{ID: "run-1", Kind: "daily", AsOf: asOf, Horizon: 90, Status: model.RunStatusQueued}
	runs.On("CreateRun", mock.Anything, "daily", asOf, model.Horizon(90)).Return(run, nil)
	runs.On("UpdateRunStatus", mock.Anything, "run-1", model.RunStatusRunning).Return(nil)
	runs.On("CreateStage", mock.Anything, "run-1", mock.Anything).Return(&model.RunStage{ID: "stage"}, nil)
	runs.On("CompleteStage", mock.Anything, "stage", mock.Anything).Return(nil)
	runs.On("CompleteRun", mock.Anything, "run-1", model.RunStatusComplete, mock.Anything, "").Return(nil)

	alerter := &mockAlerter{}
	alerter.On("EvaluateRun", run).Return(nil)
	alerter.On("SendAlerts", mock.Anything, []monitoring.Alert(nil)).Return(0)

	r := NewRunner(runs, clock.NewFixed(asOf), alerter, config.PipelineConfig{Concurrency: 2, MaxSubjectsPerSecond: 1000})
	got, err := r.Execute(ctx, daily(t), RunOptions{AsOf: asOf, Horizon: 90})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Equal(t, 4, got.Result.Processed)
	runs.AssertNumberOfCalls(t, "CreateStage", 4)
	runs.AssertExpectations(t)
	alerter.AssertNotCalled(t, "SystemicAbort", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunner_SystemicAbortAlerts(t *testing.T) {
	ctx := context.Background()
	runs := &mockRuns{}
	run := &model.Run{ID: "run-2", Kind: "daily", AsOf: asOf, Horizon: 90}
	runs.On("CreateRun", mock.Anything, "daily", asOf, model.Horizon(90)).Return(run, nil)
	runs.On("UpdateRunStatus", mock.Anything, "run-2", model.RunStatusRunning).Return(nil)
	runs.On("CreateStage", mock.Anything, "run-2", mock.Anything).Return(nil, errors.New("db down"))
	runs.On("CompleteRun", mock.Anything, "run-2", model.RunStatusFailed, mock.Anything, mock.Anything).Return(nil)

	leak := &model.DataLeakageError{PlayerID: "p1", Reason: "features taken inside the prediction horizon"}
	g := NewGraph()
	require.NoError(t, g.Add(Stage{Name: "train", Run: func(context.Context, *RunContext) (model.StageResult, error) {
		return model.StageResult{}, leak
	}}))

	alert := monitoring.Alert{Type: monitoring.AlertSystemicAbort}
	alerter := &mockAlerter{}
	alerter.On("SystemicAbort", run, "train", mock.Anything).Return(alert)
	alerter.On("EvaluateRun", run).Return(nil)
	alerter.On("SendAlerts", mock.Anything, []monitoring.Alert{alert}).Return(1)

	r := NewRunner(runs, clock.NewFixed(asOf), alerter, config.PipelineConfig{})
	got, err := r.Execute(ctx, g, RunOptions{AsOf: asOf, Horizon: 90})
	require.ErrorAs(t, err, &leak)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "data leakage")
	alerter.AssertExpectations(t)
	runs.AssertExpectations(t)
}
