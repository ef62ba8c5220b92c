package ml

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/clarence2022/transferlens/internal/model"
)

// Metric names written to model versions and evaluations.
const (
	MetricAccuracy  = "accuracy"
	MetricPrecision = "precision"
	MetricRecall    = "recall"
	MetricF1        = "f1"
	MetricAUC       = "auc_roc"
	MetricBrier     = "brier"
	MetricLogLoss   = "log_loss"
)

// DefaultThresholds are the decision thresholds reported by Thresholds.
var DefaultThresholds = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

const probEpsilon = 1e-15

type confusion struct{ tp, fp, tn, fn float64 }

func confusionAt(yTrue, proba []float64, threshold float64) confusion {
	var c confusion
	for i, p := range proba {
		pred := p >= threshold
		switch {
		case pred && yTrue[i] == 1:
			c.tp++
		case pred:
			c.fp++
		case yTrue[i] == 1:
			c.fn++
		default:
			c.tn++
		}
	}
	return c
}

func ratio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

func (c confusion) precision() float64 { return ratio(c.tp, c.tp+c.fp) }
func (c confusion) recall() float64    { return ratio(c.tp, c.tp+c.fn) }
func (c confusion) f1() float64 {
	p, r := c.precision(), c.recall()
	return ratio(2*p*r, p+r)
}

// Metrics scores probabilities against 0/1 targets at one threshold.
func Metrics(yTrue, proba []float64, threshold float64) map[string]float64 {
	c := confusionAt(yTrue, proba, threshold)
	var brier, logLoss float64
	for i, p := range proba {
		d := p - yTrue[i]
		brier += d * d
		q := math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
		logLoss -= yTrue[i]*math.Log(q) + (1-yTrue[i])*math.Log(1-q)
	}
	n := float64(len(proba))
	return map[string]float64{
		MetricAccuracy:  ratio(c.tp+c.tn, n),
		MetricPrecision: c.precision(),
		MetricRecall:    c.recall(),
		MetricF1:        c.f1(),
		MetricAUC:       AUC(yTrue, proba),
		MetricBrier:     ratio(brier, n),
		MetricLogLoss:   ratio(logLoss, n),
	}
}

// AUC is the area under the ROC curve, or 0 when a class is absent.
func AUC(yTrue, proba []float64) float64 {
	idx := make([]int, len(proba))
	var pos int
	for i := range idx {
		idx[i] = i
		if yTrue[i] == 1 {
			pos++
		}
	}
	if pos == 0 || pos == len(proba) {
		return 0
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case proba[a] < proba[b]:
			return -1
		case proba[a] > proba[b]:
			return 1
		}
		return 0
	})
	y := make([]float64, len(idx))
	classes := make([]bool, len(idx))
	for k, i := range idx {
		y[k] = proba[i]
		classes[k] = yTrue[i] == 1
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

// CalibrationResult is a reliability curve and its least-squares fit of
// observed rate on predicted mean, weighted by bin size.
type CalibrationResult struct {
	Bins      []model.CalibrationBin `json:"bins"`
	Slope     float64                `json:"slope"`
	Intercept float64                `json:"intercept"`
}

// Calibration buckets probabilities into equal-width bins over [0, 1].
// Empty bins are left out.
func Calibration(yTrue, proba []float64, bins int) CalibrationResult {
	if bins <= 0 {
		bins = 10
	}
	sumP := make([]float64, bins)
	sumY := make([]float64, bins)
	count := make([]int, bins)
	for i, p := range proba {
		b := min(int(p*float64(bins)), bins-1)
		b = max(b, 0)
		sumP[b] += p
		sumY[b] += yTrue[i]
		count[b]++
	}

	var res CalibrationResult
	var xs, ys, ws []float64
	width := 1 / float64(bins)
	for b := 0; b < bins; b++ {
		if count[b] == 0 {
			continue
		}
		n := float64(count[b])
		bin := model.CalibrationBin{
			Lower:         float64(b) * width,
			Upper:         float64(b+1) * width,
			MeanPredicted: sumP[b] / n,
			ObservedRate:  sumY[b] / n,
			Count:         count[b],
		}
		res.Bins = append(res.Bins, bin)
		xs = append(xs, bin.MeanPredicted)
		ys = append(ys, bin.ObservedRate)
		ws = append(ws, n)
	}
	if len(xs) >= 2 {
		res.Intercept, res.Slope = stat.LinearRegression(xs, ys, ws, false)
	}
	return res
}

// Thresholds reports precision, recall and f1 at each threshold.
func Thresholds(yTrue, proba []float64, thresholds []float64) []model.ThresholdMetrics {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	out := make([]model.ThresholdMetrics, 0, len(thresholds))
	for _, t := range thresholds {
		c := confusionAt(yTrue, proba, t)
		out = append(out, model.ThresholdMetrics{
			Threshold: t,
			Precision: c.precision(),
			Recall:    c.recall(),
			F1:        c.f1(),
			Positives: int(c.tp + c.fp),
		})
	}
	return out
}
