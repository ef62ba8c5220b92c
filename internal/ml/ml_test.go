package ml

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const missing = -9999.0

// separable returns rows where feature 0 decides the class and feature 1 is
// noise with some missing values.
func separable(n int) ([][]float64, []float64) {
	rng := rand.New(rand.NewPCG(3, 5))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		x0 := float64(i%20-10) + rng.Float64()*0.5
		x1 := rng.NormFloat64()
		if i%7 == 0 {
			x1 = missing
		}
		X[i] = []float64{x0, x1}
		if x0 > 0 {
			y[i] = 1
		}
	}
	return X, y
}

func TestPreprocessor(t *testing.T) {
	p := Preprocessor{Missing: missing}
	p.Fit([][]float64{{1, 5}, {3, 5}, {missing, 5}, {math.NaN(), 5}, {2, 5}})

	assert.Equal(t, 2.0, p.Medians[0])
	assert.Equal(t, 1.0, p.Stds[1])
	z := p.Transform([]float64{missing, 5})
	assert.InDelta(t, (2-p.Means[0])/p.Stds[0], z[0], 1e-12)
	assert.Equal(t, 0.0, z[1])
}

func TestClassifiers_LearnSeparableData(t *testing.T) {
	X, y := separable(200)
	for _, typ := range Types() {
		t.Run(typ, func(t *testing.T) {
			c, err := New(typ, Params{LearningRate: 0.1, Epochs: 300, L2: 0.001, Rounds: 50, Missing: missing})
			require.NoError(t, err)
			require.NoError(t, c.Fit(X, y))
			assert.Equal(t, typ, c.Type())

			proba := c.PredictProba(X)
			assert.Greater(t, AUC(y, proba), 0.95)
			for _, p := range proba {
				assert.True(t, p >= 0 && p <= 1)
			}

			imp := c.Importances()
			require.Len(t, imp, 2)
			assert.InDelta(t, 1.0, imp[0]+imp[1], 1e-9)
			assert.Greater(t, imp[0], imp[1])

			hi := c.Contributions([]float64{9, 0})
			lo := c.Contributions([]float64{-9, 0})
			assert.Greater(t, hi[0], 0.0)
			assert.Less(t, lo[0], 0.0)
		})
	}
}

func TestStumps_ContributionsAreAdditive(t *testing.T) {
	X, y := separable(120)
	m := NewStumps(Params{Rounds: 30, Missing: missing})
	require.NoError(t, m.Fit(X, y))

	var offsets float64
	for _, tr := range m.Trees {
		offsets += tr.Offset
	}
	for _, x := range X[:10] {
		c := m.Contributions(x)
		logit := m.Base + offsets + c[0] + c[1]
		assert.InDelta(t, m.PredictProba([][]float64{x})[0], sigmoid(logit), 1e-9)
	}
}

func TestImportances_PerFamily(t *testing.T) {
	X, y := separable(120)

	lr := NewLogistic(Params{LearningRate: 0.1, Epochs: 200, L2: 0.001, Missing: missing})
	require.NoError(t, lr.Fit(X, y))
	total := math.Abs(lr.Coef[0]) + math.Abs(lr.Coef[1])
	imp := lr.Importances()
	assert.InDelta(t, math.Abs(lr.Coef[0])/total, imp[0], 1e-12)
	assert.InDelta(t, math.Abs(lr.Coef[1])/total, imp[1], 1e-12)

	st := NewStumps(Params{Rounds: 30, Missing: missing})
	require.NoError(t, st.Fit(X, y))
	mean := make([]float64, 2)
	for _, x := range X {
		c := st.Contributions(x)
		mean[0] += math.Abs(c[0])
		mean[1] += math.Abs(c[1])
	}
	sum := mean[0] + mean[1]
	imp = st.Importances()
	assert.InDelta(t, mean[0]/sum, imp[0], 1e-9)
	assert.InDelta(t, mean[1]/sum, imp[1], 1e-9)
}

func TestFit_Errors(t *testing.T) {
	m := NewLogistic(Params{})
	assert.ErrorIs(t, m.Fit([][]float64{{1}, {2}}, []float64{1, 1}), ErrSingleClass)
	assert.Error(t, m.Fit([][]float64{{1}}, []float64{1, 0}))
	assert.Error(t, m.Fit([][]float64{{1}, {1, 2}}, []float64{1, 0}))

	_, err := New("forest", Params{})
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	X, y := separable(80)
	for _, typ := range Types() {
		t.Run(typ, func(t *testing.T) {
			c, err := New(typ, Params{Epochs: 50, Rounds: 10, Missing: missing})
			require.NoError(t, err)
			require.NoError(t, c.Fit(X, y))

			data, err := Marshal(c)
			require.NoError(t, err)
			back, err := Unmarshal(data)
			require.NoError(t, err)

			assert.Equal(t, typ, back.Type())
			assert.InDeltaSlice(t, c.PredictProba(X), back.PredictProba(X), 1e-12)
			assert.InDeltaSlice(t, c.Contributions(X[3]), back.Contributions(X[3]), 1e-12)
		})
	}

	_, err := Unmarshal([]byte(`{"type":"forest","payload":{}}`))
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	y := []float64{0, 0, 1, 1}
	m := Metrics(y, []float64{0.1, 0.2, 0.8, 0.9}, 0.5)
	assert.Equal(t, 1.0, m[MetricAccuracy])
	assert.Equal(t, 1.0, m[MetricF1])
	assert.InDelta(t, 1.0, m[MetricAUC], 1e-12)
	assert.InDelta(t, (0.01+0.04+0.04+0.01)/4, m[MetricBrier], 1e-12)

	rev := Metrics(y, []float64{0.9, 0.8, 0.2, 0.1}, 0.5)
	assert.InDelta(t, 0.0, rev[MetricAUC], 1e-12)
	assert.Equal(t, 0.0, rev[MetricPrecision])

	half := Metrics([]float64{1, 0}, []float64{0.5, 0.5}, 0.5)
	assert.InDelta(t, 0.25, half[MetricBrier], 1e-12)
	assert.InDelta(t, math.Log(2), half[MetricLogLoss], 1e-12)

	assert.Equal(t, 0.0, AUC([]float64{1, 1}, []float64{0.3, 0.6}))
}

func TestCalibration(t *testing.T) {
	y := []float64{1, 0, 0, 0, 1, 1, 1, 0}
	p := []float64{0.25, 0.25, 0.25, 0.25, 0.75, 0.75, 0.75, 0.75}
	res := Calibration(y, p, 10)

	require.Len(t, res.Bins, 2)
	assert.Equal(t, 4, res.Bins[0].Count)
	assert.InDelta(t, 0.25, res.Bins[0].ObservedRate, 1e-12)
	assert.InDelta(t, 0.2, res.Bins[0].Lower, 1e-12)
	assert.InDelta(t, 1.0, res.Slope, 1e-9)
	assert.InDelta(t, 0.0, res.Intercept, 1e-9)

	edge := Calibration([]float64{1}, []float64{1.0}, 10)
	require.Len(t, edge.Bins, 1)
	assert.InDelta(t, 0.9, edge.Bins[0].Lower, 1e-12)
}

func TestThresholds(t *testing.T) {
	got := Thresholds([]float64{0, 1, 1}, []float64{0.35, 0.45, 0.95}, nil)
	require.Len(t, got, len(DefaultThresholds))
	assert.Equal(t, 3, got[2].Positives)
	assert.InDelta(t, 2.0/3, got[2].Precision, 1e-12)
	assert.Equal(t, 2, got[3].Positives)
	assert.Equal(t, 1.0, got[3].Precision)
	assert.InDelta(t, 0.5, got[8].Recall, 1e-12)
}

func TestDrivers(t *testing.T) {
	d := Drivers([]string{"a", "b", "c", "d"}, []float64{2, -1, 0.5, 0}, 2)
	assert.Len(t, d, 2)
	assert.InDelta(t, 2.0/3, d["a"], 1e-12)
	assert.InDelta(t, -1.0/3, d["b"], 1e-12)

	assert.Empty(t, Drivers([]string{"a"}, []float64{0}, 5))

	tie := Drivers([]string{"z", "y"}, []float64{1, -1}, 1)
	assert.Equal(t, map[string]float64{"y": -1}, tie)
}

func TestStratifiedSplit(t *testing.T) {
	y := make([]float64, 50)
	for i := 0; i < 10; i++ {
		y[i*5] = 1
	}
	train, test := StratifiedSplit(y, 0.2, 42)
	train2, test2 := StratifiedSplit(y, 0.2, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)

	assert.Len(t, test, 10)
	assert.Len(t, train, 40)
	var testPos int
	seen := map[int]bool{}
	for _, i := range append(append([]int{}, train...), test...) {
		assert.False(t, seen[i])
		seen[i] = true
	}
	for _, i := range test {
		testPos += int(y[i])
	}
	assert.Equal(t, 2, testPos)

	_, other := StratifiedSplit(y, 0.2, 7)
	assert.NotEqual(t, test, other)
}
