package ml

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// Preprocessor imputes missing values with column medians and standardizes
// every column with training statistics.
type Preprocessor struct {
	Missing float64   `json:"missing"`
	Medians []float64 `json:"medians"`
	Means   []float64 `json:"means"`
	Stds    []float64 `json:"stds"`
}

func (p *Preprocessor) absent(v float64) bool {
	return math.IsNaN(v) || v == p.Missing
}

// Fit learns medians, means and standard deviations from X.
func (p *Preprocessor) Fit(X [][]float64) {
	width := len(X[0])
	p.Medians = make([]float64, width)
	p.Means = make([]float64, width)
	p.Stds = make([]float64, width)

	col := make([]float64, 0, len(X))
	for j := 0; j < width; j++ {
		col = col[:0]
		for _, row := range X {
			if !p.absent(row[j]) {
				col = append(col, row[j])
			}
		}
		if len(col) > 0 {
			slices.Sort(col)
			p.Medians[j] = stat.Quantile(0.5, stat.Empirical, col, nil)
		}

		col = col[:0]
		for _, row := range X {
			col = append(col, p.impute(j, row[j]))
		}
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		p.Means[j], p.Stds[j] = mean, std
	}
}

func (p *Preprocessor) impute(j int, v float64) float64 {
	if p.absent(v) {
		return p.Medians[j]
	}
	return v
}

// Transform returns the imputed, standardized copy of x.
func (p *Preprocessor) Transform(x []float64) []float64 {
	z := make([]float64, len(x))
	for j, v := range x {
		z[j] = (p.impute(j, v) - p.Means[j]) / p.Stds[j]
	}
	return z
}

// TransformAll applies Transform to every row.
func (p *Preprocessor) TransformAll(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = p.Transform(row)
	}
	return out
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
