// Package pipeline runs batch stages as an explicit graph with declared
// inputs and outputs, and fans work over subjects out to a bounded pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
)

// Artifact names a dataset a stage reads or writes.
type Artifact string

const (
	BehaviorEvents      Artifact = "behavior_events"
	Signals             Artifact = "signals"
	CandidateSets       Artifact = "candidate_sets"
	FeatureSnapshots    Artifact = "feature_snapshots"
	ModelVersion        Artifact = "model_version"
	PredictionSnapshots Artifact = "prediction_snapshots"
)

// StageFunc does the work of one stage.
type StageFunc func(ctx context.Context, rc *RunContext) (model.StageResult, error)

// Stage is one node of a Graph.
type Stage struct {
	Name    string
	Inputs  []Artifact
	Outputs []Artifact
	Run     StageFunc
}

// Graph is an ordered set of stages. Insertion order is a topological order:
// every input is produced by an earlier stage or declared external.
type Graph struct {
	stages   []Stage
	external []Artifact
}

// NewGraph creates an empty graph whose stages may read external artifacts
// without a producer.
func NewGraph(external ...Artifact) *Graph {
	return &Graph{external: external}
}

// Add appends a stage after checking its inputs are available.
func (g *Graph) Add(s Stage) error {
	if s.Name == "" || s.Run == nil {
		return eris.New("pipeline: stage needs a name and a run func")
	}
	if slices.ContainsFunc(g.stages, func(o Stage) bool { return o.Name == s.Name }) {
		return eris.Errorf("pipeline: duplicate stage %q", s.Name)
	}
	for _, in := range s.Inputs {
		if !g.available(in) {
			return eris.Errorf("pipeline: stage %q reads %q, which no earlier stage produces", s.Name, in)
		}
	}
	for _, out := range s.Outputs {
		if p := g.producer(out); p != "" {
			return eris.Errorf("pipeline: %q already produced by %q", out, p)
		}
	}
	g.stages = append(g.stages, s)
	return nil
}

func (g *Graph) available(a Artifact) bool {
	return slices.Contains(g.external, a) || g.producer(a) != ""
}

func (g *Graph) producer(a Artifact) string {
	for _, s := range g.stages {
		if slices.Contains(s.Outputs, a) {
			return s.Name
		}
	}
	return ""
}

// Validate re-checks the whole graph.
func (g *Graph) Validate() error {
	check := NewGraph(g.external...)
	for _, s := range g.stages {
		if err := check.Add(s); err != nil {
			return err
		}
	}
	return nil
}

// Stages returns the stage names in run order.
func (g *Graph) Stages() []string {
	names := make([]string, len(g.stages))
	for i, s := range g.stages {
		names[i] = s.Name
	}
	return names
}

// Only returns the subgraph of the named stages, in graph order. Inputs
// produced by a left-out stage become external, which lets any stage run
// alone against what earlier runs stored.
func (g *Graph) Only(names ...string) (*Graph, error) {
	for _, n := range names {
		if !slices.Contains(g.Stages(), n) {
			return nil, model.Invalid("stage", "unknown stage %q (have %v)", n, g.Stages())
		}
	}
	sub := NewGraph(g.external...)
	for _, s := range g.stages {
		if !slices.Contains(names, s.Name) {
			sub.external = append(sub.external, s.Outputs...)
		}
	}
	for _, s := range g.stages {
		if slices.Contains(names, s.Name) {
			if err := sub.Add(s); err != nil {
				return nil, err
			}
		}
	}
	return sub, nil
}

// StageError carries the name of the stage that aborted a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// Run executes every stage in order and stops at the first error. The
// returned result covers the stages that ran.
func (g *Graph) Run(ctx context.Context, rc *RunContext) (*model.RunResult, error) {
	start := time.Now()
	result := &model.RunResult{}
	for _, s := range g.stages {
		res, err := rc.trackStage(ctx, s)
		result.Stages = append(result.Stages, res)
		result.Processed += res.Processed
		result.Skipped += res.Skipped
		if err != nil {
			result.DurationMs = time.Since(start).Milliseconds()
			return result, &StageError{Stage: s.Name, Err: err}
		}
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

func (rc *RunContext) trackStage(ctx context.Context, s Stage) (model.StageResult, error) {
	var stage *model.RunStage
	if rc.Runs != nil && rc.Run != nil {
		var err error
		stage, err = rc.Runs.CreateStage(ctx, rc.Run.ID, s.Name)
		if err != nil {
			rc.log().Warn("pipeline: failed to create stage", zap.String("stage", s.Name), zap.Error(err))
		}
	}

	start := time.Now()
	res, err := s.Run(ctx, rc)
	elapsed := time.Since(start)
	res.Name = s.Name
	res.DurationMs = elapsed.Milliseconds()
	monitoring.StageDuration.WithLabelValues(s.Name).Observe(elapsed.Seconds())

	if err != nil {
		res.Status = model.StageStatusFailed
		res.Error = err.Error()
		rc.log().Error("pipeline: stage failed",
			zap.String("stage", s.Name),
			zap.String("code", string(model.CodeOf(err))),
			zap.Int64("duration_ms", res.DurationMs),
			zap.Error(err),
		)
	} else {
		res.Status = model.StageStatusComplete
		rc.log().Info("pipeline: stage complete",
			zap.String("stage", s.Name),
			zap.Int("processed", res.Processed),
			zap.Int("skipped", res.Skipped),
			zap.Int("written", res.Written),
			zap.Int64("duration_ms", res.DurationMs),
		)
	}

	if stage != nil {
		if cerr := rc.Runs.CompleteStage(context.WithoutCancel(ctx), stage.ID, &res); cerr != nil {
			rc.log().Warn("pipeline: failed to complete stage", zap.String("stage", s.Name), zap.Error(cerr))
		}
	}
	return res, err
}

// abortedStage returns the stage named by a StageError, if any.
func abortedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
