package ml

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// TypeStumps is the registry name of Stumps.
const TypeStumps = "stumps"

// stump is a depth-1 tree on a standardized feature: rows with z <= Threshold
// take Left, the rest take Right. Offset is the mean leaf value over the
// training rows.
type stump struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`
	Right     float64 `json:"right"`
	Offset    float64 `json:"offset"`
}

func (s stump) leaf(z []float64) float64 {
	if z[s.Feature] <= s.Threshold {
		return s.Left
	}
	return s.Right
}

// Stumps is gradient boosting of depth-1 trees on log loss. The log-odds of
// a row is Base plus the sum of every stump's leaf, so per-feature
// contributions add up exactly.
type Stumps struct {
	Params Params       `json:"params"`
	Prep   Preprocessor `json:"prep"`
	Base   float64      `json:"base"`
	Trees  []stump      `json:"trees"`
	Imp    []float64    `json:"importances"`
	Width  int          `json:"width"`
}

// NewStumps returns an unfitted model. Zero parameters take defaults.
func NewStumps(p Params) *Stumps {
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.Rounds <= 0 {
		p.Rounds = 100
	}
	return &Stumps{Params: p, Prep: Preprocessor{Missing: p.Missing}}
}

// Type implements Classifier.
func (m *Stumps) Type() string { return TypeStumps }

// newtonReg keeps leaf values finite on pure splits.
const newtonReg = 1e-6

// Fit implements Classifier.
func (m *Stumps) Fit(X [][]float64, y []float64) error {
	width, err := checkFit(X, y)
	if err != nil {
		return err
	}
	m.Width = width
	m.Prep.Missing = m.Params.Missing
	m.Prep.Fit(X)
	Z := m.Prep.TransformAll(X)
	w := balancedWeights(y)

	var wPos, wNeg float64
	for i, v := range y {
		if v == 1 {
			wPos += w[i]
		} else {
			wNeg += w[i]
		}
	}
	m.Base = math.Log(wPos / wNeg)

	// Row order per feature, fixed for the whole fit.
	order := make([][]int, width)
	for j := range order {
		idx := make([]int, len(Z))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			switch {
			case Z[a][j] < Z[b][j]:
				return -1
			case Z[a][j] > Z[b][j]:
				return 1
			}
			return 0
		})
		order[j] = idx
	}

	F := make([]float64, len(Z))
	for i := range F {
		F[i] = m.Base
	}
	g := make([]float64, len(Z))
	h := make([]float64, len(Z))
	m.Trees = m.Trees[:0]
	for round := 0; round < m.Params.Rounds; round++ {
		var gTot, hTot float64
		for i := range Z {
			p := sigmoid(F[i])
			g[i] = w[i] * (y[i] - p)
			h[i] = w[i] * p * (1 - p)
			gTot += g[i]
			hTot += h[i]
		}
		best, ok := bestSplit(Z, order, g, h, gTot, hTot)
		if !ok {
			break
		}
		best.Left *= m.Params.LearningRate
		best.Right *= m.Params.LearningRate
		var sum float64
		for i, z := range Z {
			v := best.leaf(z)
			F[i] += v
			sum += v
		}
		best.Offset = sum / float64(len(Z))
		m.Trees = append(m.Trees, best)
	}

	m.Imp = make([]float64, width)
	for _, z := range Z {
		for j, c := range m.contributions(z) {
			m.Imp[j] += math.Abs(c)
		}
	}
	if total := floats.Sum(m.Imp); total > 0 {
		floats.Scale(1/total, m.Imp)
	}
	return nil
}

// bestSplit scans every boundary between distinct values of every feature
// and returns the stump with the largest second-order gain.
func bestSplit(Z [][]float64, order [][]int, g, h []float64, gTot, hTot float64) (stump, bool) {
	var best stump
	bestGain := 0.0
	found := false
	parent := gTot * gTot / (hTot + newtonReg)
	for j, idx := range order {
		var gl, hl float64
		for k := 0; k < len(idx)-1; k++ {
			i := idx[k]
			gl += g[i]
			hl += h[i]
			cur, next := Z[i][j], Z[idx[k+1]][j]
			if cur == next {
				continue
			}
			gr, hr := gTot-gl, hTot-hl
			gain := gl*gl/(hl+newtonReg) + gr*gr/(hr+newtonReg) - parent
			if gain > bestGain {
				bestGain = gain
				found = true
				best = stump{
					Feature:   j,
					Threshold: (cur + next) / 2,
					Left:      gl / (hl + newtonReg),
					Right:     gr / (hr + newtonReg),
				}
			}
		}
	}
	return best, found
}

func (m *Stumps) contributions(z []float64) []float64 {
	out := make([]float64, m.Width)
	for _, t := range m.Trees {
		out[t.Feature] += t.leaf(z) - t.Offset
	}
	return out
}

func (m *Stumps) logit(z []float64) float64 {
	v := m.Base
	for _, t := range m.Trees {
		v += t.leaf(z)
	}
	return v
}

// PredictProba implements Classifier.
func (m *Stumps) PredictProba(X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = sigmoid(m.logit(m.Prep.Transform(x)))
	}
	return out
}

// Contributions returns, per feature, the sum over stumps splitting on it of
// the leaf reached minus that stump's training mean.
func (m *Stumps) Contributions(x []float64) []float64 {
	return m.contributions(m.Prep.Transform(x))
}

// Importances returns mean |contribution| over the training rows,
// normalized to sum 1.
func (m *Stumps) Importances() []float64 {
	return slices.Clone(m.Imp)
}
