// Package trainer builds leakage-checked label sets from the ledger, fits
// classifiers on them and manages the model registry lifecycle.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/artifact"
	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/features"
	"github.com/clarence2022/transferlens/internal/ml"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

// Facts is the part of the fact service label construction needs.
type Facts interface {
	Roster(ctx context.Context, asOf time.Time) (map[string][]model.Player, error)
}

// Features builds the vector for one label.
type Features interface {
	Build(ctx context.Context, playerID, clubID string, asOf time.Time) (*model.FeatureSnapshot, error)
}

// Store is the ledger and registry surface the trainer uses.
type Store interface {
	ListTransfers(ctx context.Context, filter store.TransferFilter) ([]model.TransferEvent, error)
	ListClubs(ctx context.Context, filter store.ClubFilter) ([]model.Club, error)
	store.ModelStore
}

// Trainer fits and registers model versions.
type Trainer struct {
	facts     Facts
	store     Store
	features  Features
	artifacts artifact.Store
	clock     clock.Clock
	cfg       config.TrainingConfig
	horizons  []model.Horizon
	log       *zap.Logger
}

// New creates a Trainer. horizons is the allowed set; empty means the
// defaults.
func New(facts Facts, st Store, fb Features, arts artifact.Store, clk clock.Clock,
	cfg config.TrainingConfig, horizons []model.Horizon) *Trainer {
	if cfg.TestSize <= 0 || cfg.TestSize >= 1 {
		cfg.TestSize = 0.2
	}
	if cfg.ModelType == "" {
		cfg.ModelType = ml.TypeLogistic
	}
	return &Trainer{
		facts:     facts,
		store:     st,
		features:  fb,
		artifacts: arts,
		clock:     clk,
		cfg:       cfg,
		horizons:  horizons,
		log:       zap.L().With(zap.String("component", "trainer")),
	}
}

func (t *Trainer) params() ml.Params {
	return ml.Params{
		LearningRate: t.cfg.LearningRate,
		Epochs:       t.cfg.Epochs,
		L2:           t.cfg.L2,
		Rounds:       t.cfg.Rounds,
		Missing:      features.Missing,
	}
}

// checkWindow rejects a cutoff whose label window has not closed yet.
func (t *Trainer) checkWindow(cutoff time.Time, h model.Horizon) error {
	if err := h.Validate(t.horizons); err != nil {
		return err
	}
	if cutoff.IsZero() {
		return model.Invalid("cutoff", "required")
	}
	now := t.clock.Now()
	if end := cutoff.Add(h.Duration()); end.After(now) {
		return model.Invalid("cutoff", "label window ends %s, after now (%s)",
			end.Format(time.DateOnly), now.Format(time.DateOnly))
	}
	return nil
}

// Train fits a new model version on labels from windows ending at cutoff.
// Errors after the version is registered leave it failed with the message.
func (t *Trainer) Train(ctx context.Context, cutoff time.Time, h model.Horizon, modelType string) (*model.ModelVersion, error) {
	cutoff = cutoff.UTC()
	if modelType == "" {
		modelType = t.cfg.ModelType
	}
	if err := t.checkWindow(cutoff, h); err != nil {
		return nil, err
	}
	if !slices.Contains(ml.Types(), modelType) {
		return nil, model.Invalid("model_type", "%q is not one of %v", modelType, ml.Types())
	}

	now := t.clock.Now()
	id := uuid.NewString()
	mv := model.ModelVersion{
		ID:             id,
		Name:           model.ModelName(modelType, h),
		Version:        model.VersionString(now, id),
		ModelType:      modelType,
		Horizon:        h,
		TrainingCutoff: cutoff,
		Features:       slices.Clone(features.Schema),
		Status:         model.ModelTraining,
		TrainedAt:      now,
	}
	if err := t.store.InsertModelVersion(ctx, mv); err != nil {
		return nil, eris.Wrap(err, "trainer: register version")
	}
	log := t.log.With(
		zap.String("model_version", mv.ID),
		zap.String("name", mv.Name),
		zap.Int("horizon_days", int(h)),
		zap.Time("cutoff", cutoff),
	)
	log.Info("trainer: training started")

	result, err := t.fit(ctx, mv, log)
	if err != nil {
		t.fail(ctx, mv.ID, err, log)
		return nil, err
	}
	if err := t.store.CompleteModelVersion(ctx, mv.ID, *result); err != nil {
		err = eris.Wrap(err, "trainer: complete version")
		t.fail(ctx, mv.ID, err, log)
		return nil, err
	}
	log.Info("trainer: training completed",
		zap.Int("samples", result.Samples.Total),
		zap.Int("positives", result.Samples.Positive),
		zap.Float64("auc_roc", result.Metrics[ml.MetricAUC]),
	)
	return t.get(ctx, mv.ID)
}

func (t *Trainer) fit(ctx context.Context, mv model.ModelVersion, log *zap.Logger) (*model.TrainingResult, error) {
	labels, err := t.labels(ctx, mv.TrainingCutoff, mv.Horizon, t.cfg.LookbackDays)
	if err != nil {
		return nil, err
	}
	if n := len(labels); n < t.cfg.MinSamples {
		return nil, &model.InsufficientSamplesError{Got: n, Min: t.cfg.MinSamples}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds, err := t.dataset(ctx, labels, log)
	if err != nil {
		return nil, err
	}
	if err := ds.needBothClasses(t.cfg.MinSamples); err != nil {
		return nil, err
	}

	trainIdx, testIdx := ml.StratifiedSplit(ds.y, t.cfg.TestSize, t.cfg.RandomState)
	Xtr, ytr := ml.Subset(ds.X, ds.y, trainIdx)
	Xte, yte := ml.Subset(ds.X, ds.y, testIdx)

	clf, err := ml.New(mv.ModelType, t.params())
	if err != nil {
		return nil, model.Invalid("model_type", "%v", err)
	}
	if err := clf.Fit(Xtr, ytr); err != nil {
		if errors.Is(err, ml.ErrSingleClass) {
			return nil, &model.InsufficientSamplesError{Got: len(ytr), Min: t.cfg.MinSamples}
		}
		return nil, eris.Wrap(err, "trainer: fit")
	}
	metrics := ml.Metrics(yte, clf.PredictProba(Xte), 0.5)

	importances := make(map[string]float64, len(features.Schema))
	for i, v := range clf.Importances() {
		importances[features.Schema[i]] = v
	}

	data, err := ml.Marshal(clf)
	if err != nil {
		return nil, eris.Wrap(err, "trainer: serialize model")
	}
	loc, err := t.artifacts.Put(ctx, artifactKey(mv), data)
	if err != nil {
		return nil, eris.Wrap(err, "trainer: store artifact")
	}

	samples := ds.counts
	samples.Train, samples.Test = len(trainIdx), len(testIdx)
	return &model.TrainingResult{
		Samples:          samples,
		Features:         slices.Clone(features.Schema),
		Metrics:          metrics,
		Importances:      importances,
		ArtifactLocation: loc,
	}, nil
}

func artifactKey(mv model.ModelVersion) string {
	return fmt.Sprintf("models/%s/%s/%s.json", mv.Name, mv.Version, mv.ID)
}

// fail records err on the version. It runs even when ctx is canceled.
func (t *Trainer) fail(ctx context.Context, id string, cause error, log *zap.Logger) {
	code := model.CodeOf(cause)
	if model.IsSystemic(cause) {
		log.Error("trainer: training aborted", zap.String("code", string(code)), zap.Error(cause))
	} else {
		log.Warn("trainer: training failed", zap.String("code", string(code)), zap.Error(cause))
	}
	ctx = context.WithoutCancel(ctx)
	msg := fmt.Sprintf("%s: %v", code, cause)
	if err := t.store.TransitionModelVersion(ctx, id, model.ModelTraining, model.ModelFailed, t.clock.Now(), msg); err != nil {
		log.Error("trainer: mark failed", zap.Error(err))
	}
}

// dataset is a feature matrix aligned with its labels.
type dataset struct {
	labels []model.Label
	X      [][]float64
	y      []float64
	counts model.SampleCounts
}

// dataset builds a vector per label. Labels whose features cannot be built
// are dropped; any other error aborts.
func (t *Trainer) dataset(ctx context.Context, labels []model.Label, log *zap.Logger) (*dataset, error) {
	ds := &dataset{}
	dropped := 0
	for _, l := range labels {
		fs, err := t.features.Build(ctx, l.PlayerID, l.ToClubID, l.FeatureAsOf)
		if err != nil {
			if model.IsSkippable(err) {
				dropped++
				log.Warn("trainer: label dropped",
					zap.String("player_id", l.PlayerID),
					zap.String("club_id", l.ToClubID),
					zap.Time("as_of", l.FeatureAsOf),
					zap.Error(err),
				)
				continue
			}
			return nil, err
		}
		ds.labels = append(ds.labels, l)
		ds.X = append(ds.X, fs.Vector(features.Schema, features.Missing))
		ds.y = append(ds.y, l.Target())
	}
	ds.counts = counts(ds.labels)
	if dropped > 0 {
		log.Info("trainer: dataset built", zap.Int("kept", len(ds.labels)), zap.Int("dropped", dropped))
	}
	return ds, nil
}

func (ds *dataset) needBothClasses(minSamples int) error {
	if ds.counts.Positive == 0 || ds.counts.Negative == 0 {
		return &model.InsufficientSamplesError{Got: ds.counts.Total, Min: max(minSamples, 2)}
	}
	return nil
}

func (t *Trainer) get(ctx context.Context, id string) (*model.ModelVersion, error) {
	mv, err := t.store.GetModelVersion(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "trainer: load version %s", id)
	}
	if mv == nil {
		return nil, &model.NotFoundError{Entity: "model_version", ID: id}
	}
	return mv, nil
}

// Deploy moves a completed version to deployed. The version previously
// deployed for the same horizon is archived.
func (t *Trainer) Deploy(ctx context.Context, id string) (*model.ModelVersion, error) {
	mv, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if mv.Status != model.ModelCompleted {
		return nil, &model.StatusTransitionError{ID: id, From: mv.Status, To: model.ModelDeployed}
	}
	archived, err := t.store.DeployModelVersion(ctx, id, t.clock.Now())
	if err != nil {
		return nil, err
	}
	t.log.Info("trainer: deployed",
		zap.String("model_version", id),
		zap.String("name", mv.Name),
		zap.Int("horizon_days", int(mv.Horizon)),
		zap.String("archived", archived),
	)
	return t.get(ctx, id)
}

// Archive retires a completed or deployed version.
func (t *Trainer) Archive(ctx context.Context, id string) (*model.ModelVersion, error) {
	mv, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.store.TransitionModelVersion(ctx, id, mv.Status, model.ModelArchived, t.clock.Now(), ""); err != nil {
		return nil, err
	}
	t.log.Info("trainer: archived", zap.String("model_version", id))
	return t.get(ctx, id)
}

// LoadClassifier reads and decodes the artifact of mv.
func (t *Trainer) LoadClassifier(ctx context.Context, mv *model.ModelVersion) (ml.Classifier, error) {
	if mv.ArtifactLocation == "" {
		return nil, model.Invalid("model_version", "%s has no artifact (status %s)", mv.ID, mv.Status)
	}
	data, err := t.artifacts.Get(ctx, mv.ArtifactLocation)
	if err != nil {
		return nil, eris.Wrapf(err, "trainer: read artifact of %s", mv.ID)
	}
	clf, err := ml.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrapf(err, "trainer: decode artifact of %s", mv.ID)
	}
	if clf.Type() != mv.ModelType {
		return nil, eris.Errorf("trainer: artifact of %s holds a %s model, want %s", mv.ID, clf.Type(), mv.ModelType)
	}
	return clf, nil
}
