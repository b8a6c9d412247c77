package randx

import (
	"math/rand/v2"

	orandx "github.com/sw965/omw/mathx/randx"
	"gonum.org/v1/gonum/stat/distuv"
)

// New returns a PCG generator fully determined by seed.
func New(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// OrGlobal returns rng, or a generator seeded from the global source when rng is nil.
func OrGlobal(rng *rand.Rand) *rand.Rand {
	if rng == nil {
		return orandx.NewPCGFromGlobalSeed()
	}
	return rng
}

// Split draws n independent child generators from parent.
// 親の状態だけで子の系列が決まるので、固定シードなら並列数に依らず再現できる。
func Split(parent *rand.Rand, n int) []*rand.Rand {
	rngs := make([]*rand.Rand, n)
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(parent.Uint64(), parent.Uint64()))
	}
	return rngs
}

func Bernoulli(p float64, rng *rand.Rand) bool {
	return rng.Float64() < p
}

func Beta(a, b float64, rng *rand.Rand) float64 {
	return distuv.Beta{Alpha: a, Beta: b, Src: rng}.Rand()
}

// Gamma draws from Gamma(shape, scale).
func Gamma(shape, scale float64, rng *rand.Rand) float64 {
	return distuv.Gamma{Alpha: shape, Beta: 1.0 / scale, Src: rng}.Rand()
}

func Poisson(lambda float64, rng *rand.Rand) int {
	return int(distuv.Poisson{Lambda: lambda, Src: rng}.Rand())
}

// Categorical draws an index with probability proportional to ws.
func Categorical(ws []float64, rng *rand.Rand) int {
	return int(distuv.NewCategorical(ws, rng).Rand())
}

// Choice picks one element of xs uniformly.
func Choice[E any](xs []E, rng *rand.Rand) (E, error) {
	return orandx.Choice(xs, rng)
}
