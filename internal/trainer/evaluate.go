package trainer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/ml"
	"github.com/clarence2022/transferlens/internal/model"
)

const calibrationBins = 10

// Evaluate backtests a trained version on the single label window
// (evalCutoff, evalCutoff+h] and appends the result.
func (t *Trainer) Evaluate(ctx context.Context, id string, evalCutoff time.Time) (*model.ModelEvaluation, error) {
	evalCutoff = evalCutoff.UTC()
	mv, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.checkWindow(evalCutoff, mv.Horizon); err != nil {
		return nil, err
	}
	clf, err := t.LoadClassifier(ctx, mv)
	if err != nil {
		return nil, err
	}

	log := t.log.With(zap.String("model_version", id), zap.Time("eval_cutoff", evalCutoff))
	labels, err := t.labels(ctx, evalCutoff, mv.Horizon, 0)
	if err != nil {
		return nil, err
	}
	ds, err := t.dataset(ctx, labels, log)
	if err != nil {
		return nil, err
	}
	if err := ds.needBothClasses(2); err != nil {
		return nil, err
	}

	proba := clf.PredictProba(ds.X)
	cal := ml.Calibration(ds.y, proba, calibrationBins)
	ev := model.ModelEvaluation{
		ID:                   uuid.NewString(),
		ModelVersionID:       id,
		EvalCutoff:           evalCutoff,
		Samples:              ds.counts,
		Metrics:              ml.Metrics(ds.y, proba, 0.5),
		Calibration:          cal.Bins,
		CalibrationSlope:     cal.Slope,
		CalibrationIntercept: cal.Intercept,
		Thresholds:           ml.Thresholds(ds.y, proba, nil),
		CreatedAt:            t.clock.Now(),
	}
	ev.Samples.Test = ds.counts.Total
	if err := t.store.InsertEvaluation(ctx, ev); err != nil {
		return nil, eris.Wrap(err, "trainer: store evaluation")
	}
	log.Info("trainer: evaluated",
		zap.Int("samples", ev.Samples.Total),
		zap.Float64("auc_roc", ev.Metrics[ml.MetricAUC]),
		zap.Float64("brier", ev.Metrics[ml.MetricBrier]),
	)
	return &ev, nil
}
