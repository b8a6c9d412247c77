package mathx

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// ロジット変換で無限大にならないように確率をクリップする幅
const probEps = 1e-8

func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	// 大きな負数でExpがオーバーフローしないように
	e := math.Exp(x)
	return e / (1.0 + e)
}

func Logit(p float64) float64 {
	p = Clip(p, probEps, 1.0-probEps)
	return math.Log(p / (1.0 - p))
}

func Clip(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

// Softmax writes the row-wise softmax of u into a new slice.
func Softmax(u []float64) []float64 {
	n := len(u)
	maxU := slices.Max(u)
	y := make([]float64, n)
	sum := 0.0
	for i := range u {
		y[i] = math.Exp(u[i] - maxU)
		sum += y[i]
	}
	for i := range y {
		y[i] /= sum
	}
	return y
}

// ArgMax returns the first index holding the maximum value.
func ArgMax(xs []float64) int {
	idx := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[idx] {
			idx = i
		}
	}
	return idx
}

// Percentile returns the p-th percentile (0 <= p <= 100) of xs by linear interpolation.
// xs is not modified.
func Percentile(xs []float64, p float64) float64 {
	sorted := slices.Clone(xs)
	slices.Sort(sorted)
	switch len(sorted) {
	case 0:
		return math.NaN()
	case 1:
		return sorted[0]
	}
	return stat.Quantile(Clip(p/100.0, 0.0, 1.0), stat.LinInterp, sorted, nil)
}

// InUnitInterval reports whether every value lies in [0, 1].
func InUnitInterval(xs []float64) bool {
	for _, x := range xs {
		if x < 0.0 || x > 1.0 || math.IsNaN(x) {
			return false
		}
	}
	return true
}

func CentralDifference(plusY, minusY, h float64) float64 {
	return (plusY - minusY) / (2.0 * h)
}
