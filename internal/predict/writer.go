// Package predict scores candidate destinations with a registered model and
// appends the results as immutable prediction snapshots.
package predict

import (
	"context"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/features"
	"github.com/clarence2022/transferlens/internal/ml"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
	"github.com/clarence2022/transferlens/internal/pipeline"
	"github.com/clarence2022/transferlens/internal/resilience"
	"github.com/clarence2022/transferlens/internal/store"
)

// StageName is the pipeline stage that writes predictions.
const StageName = "predict"

const defaultDriversTopN = 5

// Candidates produces candidate sets.
type Candidates interface {
	Generate(ctx context.Context, playerID string, asOf time.Time, h model.Horizon) (*model.CandidateSet, error)
}

// Features builds per-club feature snapshots.
type Features interface {
	BuildBatch(ctx context.Context, playerID string, clubIDs []string, asOf time.Time) ([]features.BatchResult, error)
}

// Models loads fitted classifiers for registered versions.
type Models interface {
	LoadClassifier(ctx context.Context, mv *model.ModelVersion) (ml.Classifier, error)
}

// Store is the persistence surface the writer needs.
type Store interface {
	GetModelVersion(ctx context.Context, id string) (*model.ModelVersion, error)
	GetDeployedModel(ctx context.Context, h model.Horizon) (*model.ModelVersion, error)
	ListPlayers(ctx context.Context, filter store.PlayerFilter) ([]model.Player, error)
	store.PredictionStore
}

// Writer turns candidate sets into prediction snapshots.
type Writer struct {
	candidates Candidates
	features   Features
	models     Models
	store      Store
	clock      clock.Clock
	topN       int
	retry      resilience.RetryConfig
	log        *zap.Logger

	mu      sync.Mutex
	classif map[string]ml.Classifier
}

// Option configures a Writer.
type Option func(*Writer)

// WithRetry overrides the retry policy for batch appends.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(w *Writer) { w.retry = cfg }
}

// New creates a Writer.
func New(cands Candidates, fb Features, models Models, st Store, clk clock.Clock, cfg config.PredictConfig, opts ...Option) *Writer {
	topN := cfg.DriversTopN
	if topN <= 0 {
		topN = defaultDriversTopN
	}
	w := &Writer{
		candidates: cands,
		features:   fb,
		models:     models,
		store:      st,
		clock:      clk,
		topN:       topN,
		retry:      resilience.DefaultRetryConfig(),
		log:        zap.L().With(zap.String("component", "predict")),
		classif:    make(map[string]ml.Classifier),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// scorer is a resolved model version with its loaded classifier.
type scorer struct {
	version *model.ModelVersion
	clf     ml.Classifier
}

// Resolve returns the version that will score horizon h: versionID when
// set, otherwise the deployed version for h.
func (w *Writer) Resolve(ctx context.Context, h model.Horizon, versionID string) (*model.ModelVersion, error) {
	s, err := w.resolve(ctx, h, versionID)
	if err != nil {
		return nil, err
	}
	return s.version, nil
}

func (w *Writer) resolve(ctx context.Context, h model.Horizon, versionID string) (*scorer, error) {
	if h <= 0 {
		return nil, model.Invalid("horizon_days", "must be positive")
	}
	var mv *model.ModelVersion
	var err error
	if versionID == "" {
		mv, err = w.store.GetDeployedModel(ctx, h)
		if err != nil {
			return nil, eris.Wrapf(err, "predict: deployed model for %dd", int(h))
		}
		if mv == nil {
			return nil, &model.NotFoundError{Entity: "deployed model", ID: strconv.Itoa(int(h)) + "d"}
		}
	} else {
		mv, err = w.store.GetModelVersion(ctx, versionID)
		if err != nil {
			return nil, eris.Wrapf(err, "predict: model version %s", versionID)
		}
		if mv == nil {
			return nil, &model.NotFoundError{Entity: "model_version", ID: versionID}
		}
	}
	if !mv.Status.Scorable() {
		return nil, model.Invalid("model_version", "%s is %s; only completed or deployed versions score", mv.ID, mv.Status)
	}
	if mv.Horizon != h {
		return nil, model.Invalid("horizon_days", "model %s is trained for %dd, not %dd", mv.ID, int(mv.Horizon), int(h))
	}

	w.mu.Lock()
	clf, ok := w.classif[mv.ID]
	w.mu.Unlock()
	if !ok {
		if clf, err = w.models.LoadClassifier(ctx, mv); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.classif[mv.ID] = clf
		w.mu.Unlock()
	}
	return &scorer{version: mv, clf: clf}, nil
}

// Predict scores every candidate destination of playerID at asOf and appends
// one snapshot per scored club plus an any-move snapshot. An empty versionID
// uses the deployed model for h. Rerunning with the same inputs writes
// nothing new.
func (w *Writer) Predict(ctx context.Context, playerID string, asOf time.Time, h model.Horizon, versionID string) ([]model.PredictionSnapshot, error) {
	s, err := w.resolve(ctx, h, versionID)
	if err != nil {
		return nil, err
	}
	snaps, _, err := w.predict(ctx, s, playerID, asOf.UTC(), h)
	return snaps, err
}

func (w *Writer) predict(ctx context.Context, s *scorer, playerID string, asOf time.Time, h model.Horizon) ([]model.PredictionSnapshot, int, error) {
	cs, err := w.candidates.Generate(ctx, playerID, asOf, h)
	if err != nil {
		return nil, 0, err
	}
	batch, err := w.features.BuildBatch(ctx, playerID, cs.ClubIDs(), asOf)
	if err != nil {
		return nil, 0, err
	}

	mv := s.version
	ws, we := model.PredictionWindow(asOf, h)
	now := w.clock.Now()
	base := model.PredictionSnapshot{
		ModelVersionID: mv.ID,
		PlayerID:       playerID,
		FromClubID:     cs.Context.OriginClubID,
		Horizon:        h,
		AsOf:           asOf,
		WindowStart:    ws,
		WindowEnd:      we,
		CreatedAt:      now,
	}

	snaps := make([]model.PredictionSnapshot, 0, len(batch)+1)
	for _, r := range batch {
		if r.Err != nil {
			w.log.Warn("predict: club skipped",
				zap.String("player_id", playerID),
				zap.String("club_id", r.ClubID),
				zap.Error(r.Err),
			)
			continue
		}
		x := r.Snapshot.Vector(mv.Features, features.Missing)
		p := clamp(s.clf.PredictProba([][]float64{x})[0])
		to := r.ClubID
		snap := base
		snap.ID = model.SnapshotID(playerID, to, h, asOf)
		snap.ToClubID = &to
		snap.Probability = p
		snap.Drivers = ml.Drivers(mv.Features, s.clf.Contributions(x), w.topN)
		snap.Features = r.Snapshot.Features
		snaps = append(snaps, snap)
	}
	if len(snaps) == 0 {
		return nil, 0, &model.InsufficientDataError{PlayerID: playerID, AsOf: asOf, Reason: "no candidate could be scored"}
	}

	anyMove := base
	anyMove.ID = model.SnapshotID(playerID, "", h, asOf)
	anyMove.Probability, anyMove.Drivers = w.combine(snaps)
	snaps = append(snaps, anyMove)

	for _, p := range snaps {
		if err := p.Validate(); err != nil {
			return nil, 0, err
		}
	}
	n, err := resilience.DoVal(ctx, w.retryConfig(), func(ctx context.Context) (int, error) {
		return w.store.InsertPredictions(ctx, snaps)
	})
	if err != nil {
		return nil, 0, eris.Wrapf(err, "predict: append %d snapshots for %s", len(snaps), playerID)
	}
	monitoring.PredictionsWritten.Add(float64(n))
	w.log.Debug("predict: snapshots written",
		zap.String("player_id", playerID),
		zap.String("model_version_id", mv.ID),
		zap.Time("as_of", asOf),
		zap.Int("horizon_days", int(h)),
		zap.Int("computed", len(snaps)),
		zap.Int("inserted", n),
	)
	return snaps, n, nil
}

func (w *Writer) retryConfig() resilience.RetryConfig {
	cfg := w.retry
	cfg.OnRetry = resilience.RetryLogger("predict.insert_predictions")
	return cfg
}

// combine returns the any-move probability 1 − Π(1 − p_i) and the
// probability-weighted mean of the destination drivers, renormalized.
func (w *Writer) combine(snaps []model.PredictionSnapshot) (float64, map[string]float64) {
	stay := 1.0
	var weight float64
	sum := make(map[string]float64)
	for _, s := range snaps {
		stay *= 1 - s.Probability
		weight += s.Probability
		for name, v := range s.Drivers {
			sum[name] += s.Probability * v
		}
	}
	names := make([]string, 0, len(sum))
	for n := range sum {
		names = append(names, n)
	}
	slices.Sort(names)
	values := make([]float64, len(names))
	for i, n := range names {
		if weight > 0 {
			values[i] = sum[n] / weight
		}
	}
	return clamp(1 - stay), ml.Drivers(names, values, w.topN)
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// RunAll predicts for every active player at the run's as-of and horizon.
// Players without enough data are skipped; a systemic error aborts.
func (w *Writer) RunAll(ctx context.Context, rc *pipeline.RunContext) (model.StageResult, error) {
	s, err := w.resolve(ctx, rc.Horizon, rc.ModelVersionID)
	if err != nil {
		return model.StageResult{}, err
	}
	players, err := w.store.ListPlayers(ctx, store.PlayerFilter{ActiveOnly: true})
	if err != nil {
		return model.StageResult{}, eris.Wrap(err, "predict: list players")
	}
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.ID
	}
	w.log.Info("predict: scoring players",
		zap.Int("players", len(ids)),
		zap.String("model_version_id", s.version.ID),
		zap.Int("horizon_days", int(rc.Horizon)),
	)
	asOf := rc.AsOf.UTC()
	return pipeline.ForEachSubject(ctx, rc, StageName, ids, func(ctx context.Context, id string) (int, error) {
		_, n, err := w.predict(ctx, s, id, asOf, rc.Horizon)
		return n, err
	})
}

// LatestFilter selects rows of the latest-prediction projection. ToClubID
// set to model.AnyDestination selects any-move rows.
type LatestFilter struct {
	PlayerID       string
	ToClubID       string
	Horizon        model.Horizon
	MinProbability float64
	Limit          int
}

// Latest returns, per (player, destination, horizon), the newest snapshot,
// ordered by probability descending.
func (w *Writer) Latest(ctx context.Context, f LatestFilter) ([]model.PredictionSnapshot, error) {
	if f.MinProbability < 0 || f.MinProbability > 1 {
		return nil, model.Invalid("min_probability", "%g outside [0,1]", f.MinProbability)
	}
	rows, err := w.store.LatestPredictions(ctx, store.PredictionFilter{
		PlayerID:       f.PlayerID,
		ToClubID:       f.ToClubID,
		Horizon:        f.Horizon,
		MinProbability: f.MinProbability,
		Limit:          f.Limit,
	})
	return rows, eris.Wrap(err, "predict: latest")
}

// History returns every snapshot of (playerID, toClub, h) oldest first. An
// empty toClub selects the any-move rows.
func (w *Writer) History(ctx context.Context, playerID, toClub string, h model.Horizon) ([]model.PredictionSnapshot, error) {
	if playerID == "" {
		return nil, model.Invalid("player_id", "required")
	}
	if toClub == "" {
		toClub = model.AnyDestination
	}
	rows, err := w.store.ListPredictions(ctx, store.PredictionFilter{
		PlayerID: playerID,
		ToClubID: toClub,
		Horizon:  h,
		Limit:    math.MaxInt32,
	})
	if err != nil {
		return nil, eris.Wrap(err, "predict: history")
	}
	slices.Reverse(rows)
	return rows, nil
}
