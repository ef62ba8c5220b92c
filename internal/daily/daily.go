// Package daily assembles the scheduled stage graph: derive weak signals,
// generate candidates, build features, and write predictions.
package daily

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/pipeline"
	"github.com/clarence2022/transferlens/internal/predict"
	"github.com/clarence2022/transferlens/internal/signals"
	"github.com/clarence2022/transferlens/internal/store"
)

// Stage names, in run order.
const (
	StageDeriveSignals      = "derive_signals"
	StageGenerateCandidates = "generate_candidates"
	StageBuildFeatures      = "build_features"
	StagePredict            = predict.StageName
)

// Deriver turns behavior events into weak signals.
type Deriver interface {
	Derive(ctx context.Context, asOf time.Time) (*signals.Result, error)
}

// Writer scores every active player.
type Writer interface {
	RunAll(ctx context.Context, rc *pipeline.RunContext) (model.StageResult, error)
}

// Players lists the subjects of the per-player stages.
type Players interface {
	ListPlayers(ctx context.Context, filter store.PlayerFilter) ([]model.Player, error)
}

// Deps are the components the daily graph runs.
type Deps struct {
	Signals    Deriver
	Candidates predict.Candidates
	Features   predict.Features
	Writer     Writer
	Players    Players
}

// Graph builds the daily graph. Behavior events and the model version are
// external inputs.
func Graph(d Deps) (*pipeline.Graph, error) {
	g := pipeline.NewGraph(pipeline.BehaviorEvents, pipeline.ModelVersion)
	stages := []pipeline.Stage{
		{
			Name:    StageDeriveSignals,
			Inputs:  []pipeline.Artifact{pipeline.BehaviorEvents},
			Outputs: []pipeline.Artifact{pipeline.Signals},
			Run:     d.deriveSignals,
		},
		{
			Name:    StageGenerateCandidates,
			Inputs:  []pipeline.Artifact{pipeline.Signals},
			Outputs: []pipeline.Artifact{pipeline.CandidateSets},
			Run:     d.generateCandidates,
		},
		{
			Name:    StageBuildFeatures,
			Inputs:  []pipeline.Artifact{pipeline.CandidateSets},
			Outputs: []pipeline.Artifact{pipeline.FeatureSnapshots},
			Run:     d.buildFeatures,
		},
		{
			Name:    StagePredict,
			Inputs:  []pipeline.Artifact{pipeline.FeatureSnapshots, pipeline.ModelVersion},
			Outputs: []pipeline.Artifact{pipeline.PredictionSnapshots},
			Run:     d.Writer.RunAll,
		},
	}
	for _, s := range stages {
		if err := g.Add(s); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (d Deps) deriveSignals(ctx context.Context, rc *pipeline.RunContext) (model.StageResult, error) {
	res, err := d.Signals.Derive(ctx, rc.AsOf)
	if err != nil {
		return model.StageResult{}, err
	}
	return model.StageResult{Processed: res.EventsScanned, Written: res.Inserted}, nil
}

func (d Deps) activePlayers(ctx context.Context) ([]string, error) {
	players, err := d.Players.ListPlayers(ctx, store.PlayerFilter{ActiveOnly: true})
	if err != nil {
		return nil, eris.Wrap(err, "daily: list players")
	}
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	return ids, nil
}

func (d Deps) generateCandidates(ctx context.Context, rc *pipeline.RunContext) (model.StageResult, error) {
	ids, err := d.activePlayers(ctx)
	if err != nil {
		return model.StageResult{}, err
	}
	return pipeline.ForEachSubject(ctx, rc, StageGenerateCandidates, ids, func(ctx context.Context, id string) (int, error) {
		cs, err := d.Candidates.Generate(ctx, id, rc.AsOf, rc.Horizon)
		if err != nil {
			return 0, err
		}
		return len(cs.Candidates), nil
	})
}

// buildFeatures reads each player's stored candidate set and builds one
// snapshot per destination. A club that cannot be built is recorded and
// skipped on its own.
func (d Deps) buildFeatures(ctx context.Context, rc *pipeline.RunContext) (model.StageResult, error) {
	ids, err := d.activePlayers(ctx)
	if err != nil {
		return model.StageResult{}, err
	}
	return pipeline.ForEachSubject(ctx, rc, StageBuildFeatures, ids, func(ctx context.Context, id string) (int, error) {
		cs, err := d.Candidates.Generate(ctx, id, rc.AsOf, rc.Horizon)
		if err != nil {
			return 0, err
		}
		batch, err := d.Features.BuildBatch(ctx, id, cs.ClubIDs(), rc.AsOf)
		if err != nil {
			return 0, err
		}
		built := 0
		for _, r := range batch {
			if r.Err != nil {
				rc.Skip(ctx, StageBuildFeatures, id+"/"+r.ClubID, r.Err)
				continue
			}
			built++
		}
		return built, nil
	})
}
