package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// TypeLogistic is the registry name of Logistic.
const TypeLogistic = "logistic"

// Logistic is L2-regularized logistic regression fitted by full-batch
// gradient descent on standardized features with balanced class weights.
type Logistic struct {
	Params    Params       `json:"params"`
	Prep      Preprocessor `json:"prep"`
	Coef      []float64    `json:"coef"`
	Intercept float64      `json:"intercept"`
}

// NewLogistic returns an unfitted model. Zero parameters take defaults.
func NewLogistic(p Params) *Logistic {
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.Epochs <= 0 {
		p.Epochs = 500
	}
	if p.L2 < 0 {
		p.L2 = 0
	}
	return &Logistic{Params: p, Prep: Preprocessor{Missing: p.Missing}}
}

// Type implements Classifier.
func (m *Logistic) Type() string { return TypeLogistic }

// Fit implements Classifier.
func (m *Logistic) Fit(X [][]float64, y []float64) error {
	width, err := checkFit(X, y)
	if err != nil {
		return err
	}
	m.Prep.Missing = m.Params.Missing
	m.Prep.Fit(X)
	Z := m.Prep.TransformAll(X)
	w := balancedWeights(y)
	n := float64(len(Z))

	m.Coef = make([]float64, width)
	m.Intercept = 0
	grad := make([]float64, width)
	for epoch := 0; epoch < m.Params.Epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		var gb float64
		for i, z := range Z {
			r := w[i] * (sigmoid(floats.Dot(m.Coef, z)+m.Intercept) - y[i])
			floats.AddScaled(grad, r, z)
			gb += r
		}
		floats.Scale(1/n, grad)
		floats.AddScaled(grad, m.Params.L2, m.Coef)
		floats.AddScaled(m.Coef, -m.Params.LearningRate, grad)
		m.Intercept -= m.Params.LearningRate * gb / n
	}
	return nil
}

// PredictProba implements Classifier.
func (m *Logistic) PredictProba(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = sigmoid(floats.Dot(m.Coef, m.Prep.Transform(x)) + m.Intercept)
	}
	return out
}

// Contributions returns coef_i * z_i for the standardized row.
func (m *Logistic) Contributions(x []float64) []float64 {
	z := m.Prep.Transform(x)
	floats.Mul(z, m.Coef)
	return z
}

// Importances returns |coef_i| normalized to sum 1.
func (m *Logistic) Importances() []float64 {
	out := make([]float64, len(m.Coef))
	for i, c := range m.Coef {
		out[i] = math.Abs(c)
	}
	if total := floats.Sum(out); total > 0 {
		floats.Scale(1/total, out)
	}
	return out
}
