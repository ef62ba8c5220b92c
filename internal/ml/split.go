package ml

import (
	"math"
	"math/rand/v2"
	"slices"
)

// StratifiedSplit partitions row indices into train and test sets with the
// same class balance. Each class with at least two rows contributes at least
// one row to each side. The split depends only on y, testSize and seed.
func StratifiedSplit(y []float64, testSize float64, seed uint64) (train, test []int) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var pos, neg []int
	for i, v := range y {
		if v == 1 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	for _, class := range [][]int{neg, pos} {
		rng.Shuffle(len(class), func(i, j int) { class[i], class[j] = class[j], class[i] })
		n := int(math.Round(testSize * float64(len(class))))
		if len(class) >= 2 {
			n = min(max(n, 1), len(class)-1)
		} else {
			n = 0
		}
		test = append(test, class[:n]...)
		train = append(train, class[n:]...)
	}
	slices.Sort(train)
	slices.Sort(test)
	return train, test
}

// Subset returns the rows of X and y at idx.
func Subset(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for k, i := range idx {
		xs[k] = X[i]
		ys[k] = y[i]
	}
	return xs, ys
}
