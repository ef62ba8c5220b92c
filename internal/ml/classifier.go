// Package ml implements the binary classifiers behind transfer probabilities,
// along with their preprocessing, evaluation metrics and driver explanations.
package ml

import (
	"encoding/json"
	"slices"

	"github.com/rotisserie/eris"
)

// Classifier is a fitted or unfitted binary model over dense rows.
type Classifier interface {
	// Fit trains on X with 0/1 targets y.
	Fit(X [][]float64, y []float64) error
	// PredictProba returns P(y=1) for each row.
	PredictProba(X [][]float64) []float64
	// Contributions splits one row's log-odds into signed per-feature shares.
	Contributions(x []float64) []float64
	// Importances returns non-negative weights per feature summing to 1.
	Importances() []float64
	Type() string
}

// Params holds the hyperparameters of every registered model type. Each
// type reads the fields it needs.
type Params struct {
	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`
	L2           float64 `json:"l2"`
	Rounds       int     `json:"rounds"`
	// Missing is the sentinel the preprocessor imputes.
	Missing float64 `json:"missing"`
}

// ErrSingleClass is returned by Fit when y holds only one class.
var ErrSingleClass = eris.New("ml: training targets contain a single class")

var registry = map[string]func(Params) Classifier{
	TypeLogistic: func(p Params) Classifier { return NewLogistic(p) },
	TypeStumps:   func(p Params) Classifier { return NewStumps(p) },
}

// Types lists the registered model types.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// New returns an unfitted classifier of the given type.
func New(modelType string, p Params) (Classifier, error) {
	f, ok := registry[modelType]
	if !ok {
		return nil, eris.Errorf("ml: unknown model type %q", modelType)
	}
	return f(p), nil
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal encodes a classifier with its type tag.
func Marshal(c Classifier) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, eris.Wrapf(err, "ml: marshal %s", c.Type())
	}
	data, err := json.Marshal(envelope{Type: c.Type(), Payload: payload})
	return data, eris.Wrap(err, "ml: marshal envelope")
}

// Unmarshal decodes a classifier written by Marshal.
func Unmarshal(data []byte) (Classifier, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, eris.Wrap(err, "ml: unmarshal envelope")
	}
	c, err := New(env.Type, Params{})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, c); err != nil {
		return nil, eris.Wrapf(err, "ml: unmarshal %s", env.Type)
	}
	return c, nil
}

// checkFit validates the shape of a training set and returns its width.
func checkFit(X [][]float64, y []float64) (int, error) {
	if len(X) == 0 || len(X) != len(y) {
		return 0, eris.Errorf("ml: %d rows and %d targets", len(X), len(y))
	}
	width := len(X[0])
	var pos int
	for i, row := range X {
		if len(row) != width {
			return 0, eris.Errorf("ml: row %d has %d features, want %d", i, len(row), width)
		}
		if y[i] == 1 {
			pos++
		}
	}
	if pos == 0 || pos == len(y) {
		return 0, ErrSingleClass
	}
	return width, nil
}

// balancedWeights gives each class the same total weight: n / (2 n_c).
func balancedWeights(y []float64) []float64 {
	var pos float64
	for _, v := range y {
		pos += v
	}
	n := float64(len(y))
	wPos, wNeg := n/(2*pos), n/(2*(n-pos))
	w := make([]float64, len(y))
	for i, v := range y {
		if v == 1 {
			w[i] = wPos
		} else {
			w[i] = wNeg
		}
	}
	return w
}
