// Package prior holds the cold-start and variance policies shared by every oracle:
// Beta priors for arms with few rewards, score smoothing, bootstrap weights for
// streamed data and the fallback gradient norms of arms that only saw one class.
package prior

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sw965/bandit/mathx/randx"
)

type Kind int

const (
	KindNone Kind = iota
	KindAuto
	KindExplicit
)

// Spec is the unresolved prior given at construction: none, "auto", or ((a, b), n).
type Spec struct {
	Kind Kind
	A    float64
	B    float64
	N    int
}

func None() Spec {
	return Spec{Kind: KindNone}
}

func Auto() Spec {
	return Spec{Kind: KindAuto}
}

func Explicit(a, b float64, n int) Spec {
	return Spec{Kind: KindExplicit, A: a, B: b, N: n}
}

// Beta is a resolved prior. Arms with fewer than N rewarded observations
// are scored by draws from Beta(A, B).
type Beta struct {
	A float64
	B float64
	N int
}

// Resolve turns s into a concrete prior for nArms arms.
// ok is false when no prior applies.
func (s Spec) Resolve(nArms int) (Beta, bool, error) {
	switch s.Kind {
	case KindNone:
		return Beta{}, false, nil
	case KindAuto:
		return Beta{A: 3.0 / float64(nArms), B: 4.0, N: 2}, true, nil
	case KindExplicit:
		if s.A <= 0 || s.B <= 0 {
			return Beta{}, false, fmt.Errorf("beta prior parameters must be positive: a=%g b=%g", s.A, s.B)
		}
		if s.N < 0 {
			return Beta{}, false, fmt.Errorf("beta prior threshold must be non-negative: n=%d", s.N)
		}
		return Beta{A: s.A, B: s.B, N: s.N}, true, nil
	default:
		return Beta{}, false, fmt.Errorf("unknown prior kind: %d", s.Kind)
	}
}

func (b Beta) Applies(nPos int) bool {
	return nPos < b.N
}

func (b Beta) Draw(n int, rng *rand.Rand) []float64 {
	ys := make([]float64, n)
	for i := range ys {
		ys[i] = randx.Beta(b.A, b.B, rng)
	}
	return ys
}

// Smoothing shrinks scores of rarely chosen arms: (score*n + A) / (n + B).
type Smoothing struct {
	A float64 `validate:"gte=0"`
	B float64 `validate:"gt=0"`
}

func (s Smoothing) Validate() error {
	if s.A < 0 || s.B <= 0 {
		return fmt.Errorf("smoothing requires a >= 0 and b > 0: a=%g b=%g", s.A, s.B)
	}
	return nil
}

func (s Smoothing) Apply(score float64, n int) float64 {
	fn := float64(n)
	return (score*fn + s.A) / (fn + s.B)
}

// WeightMethod approximates bootstrap resampling on a stream.
type WeightMethod int

const (
	GammaWeights WeightMethod = iota
	PoissonWeights
)

func ParseWeightMethod(s string) (WeightMethod, error) {
	switch s {
	case "gamma", "":
		return GammaWeights, nil
	case "poisson":
		return PoissonWeights, nil
	default:
		return 0, fmt.Errorf("unknown bootstrap weighting method %q (want \"gamma\" or \"poisson\")", s)
	}
}

func (m WeightMethod) String() string {
	if m == PoissonWeights {
		return "poisson"
	}
	return "gamma"
}

// Weights draws one weight per row: Gamma(1,1) or a Poisson(1) repeat count.
func (m WeightMethod) Weights(n int, rng *rand.Rand) []float64 {
	ws := make([]float64, n)
	for i := range ws {
		if m == PoissonWeights {
			ws[i] = float64(randx.Poisson(1.0, rng))
		} else {
			ws[i] = randx.Gamma(1.0, 1.0, rng)
		}
	}
	return ws
}

// RandomGradNorms synthesizes gradient norms for an arm whose model could not be fitted.
// neg is the norm under a negative label and pos under a positive one; both grow with
// the feature count, and the smoothed positive rate tilts which label looks more informative.
func RandomGradNorms(nRows, nFeatures, nPos, nNeg int, rng *rand.Rand) ([]float64, []float64) {
	// log10(1) = 0 は形状母数として使えない
	m := math.Max(math.Log10(float64(nFeatures)), 0.1)
	s := (float64(nPos) + 1.0) / (float64(nPos+nNeg) + 2.0)
	neg := make([]float64, nRows)
	pos := make([]float64, nRows)
	for i := 0; i < nRows; i++ {
		neg[i] = randx.Gamma(m/s, m, rng)
		pos[i] = randx.Gamma(m*s, m, rng)
	}
	return neg, pos
}

func ZeroGradNorms(nRows int) ([]float64, []float64) {
	return make([]float64, nRows), make([]float64, nRows)
}
