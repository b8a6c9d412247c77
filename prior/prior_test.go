package prior_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/prior"
)

func TestResolve(t *testing.T) {
	_, ok, err := prior.None().Resolve(4)
	require.NoError(t, err)
	assert.False(t, ok)

	b, ok, err := prior.Auto().Resolve(4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, prior.Beta{A: 0.75, B: 4, N: 2}, b)

	b, ok, err = prior.Explicit(1, 2, 5).Resolve(4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, b.N)

	_, _, err = prior.Explicit(0, 2, 5).Resolve(4)
	assert.Error(t, err)
	_, _, err = prior.Explicit(1, 2, -1).Resolve(4)
	assert.Error(t, err)
}

func TestBetaApplies(t *testing.T) {
	b := prior.Beta{A: 1, B: 1, N: 2}
	assert.True(t, b.Applies(0))
	assert.True(t, b.Applies(1))
	assert.False(t, b.Applies(2))

	ys := b.Draw(50, randx.New(1))
	require.Len(t, ys, 50)
	for _, y := range ys {
		assert.True(t, y >= 0 && y <= 1)
	}
}

func TestSmoothing(t *testing.T) {
	s := prior.Smoothing{A: 1, B: 2}
	require.NoError(t, s.Validate())
	assert.InDelta(t, 0.5, s.Apply(0.9, 0), 1e-12)
	assert.InDelta(t, (0.9*8+1)/10, s.Apply(0.9, 8), 1e-12)

	assert.Error(t, prior.Smoothing{A: 1, B: 0}.Validate())
	assert.Error(t, prior.Smoothing{A: -1, B: 1}.Validate())
}

func TestWeightMethod(t *testing.T) {
	m, err := prior.ParseWeightMethod("poisson")
	require.NoError(t, err)
	assert.Equal(t, prior.PoissonWeights, m)
	assert.Equal(t, "poisson", m.String())

	m, err = prior.ParseWeightMethod("")
	require.NoError(t, err)
	assert.Equal(t, prior.GammaWeights, m)

	_, err = prior.ParseWeightMethod("uniform")
	assert.Error(t, err)

	rng := randx.New(2)
	for _, w := range prior.PoissonWeights.Weights(100, rng) {
		assert.Equal(t, float64(int(w)), w)
	}
	for _, w := range prior.GammaWeights.Weights(100, rng) {
		assert.GreaterOrEqual(t, w, 0.0)
	}
}

func TestRandomGradNorms(t *testing.T) {
	neg, pos := prior.RandomGradNorms(30, 1, 0, 5, randx.New(9))
	require.Len(t, neg, 30)
	require.Len(t, pos, 30)
	for i := range neg {
		assert.GreaterOrEqual(t, neg[i], 0.0)
		assert.GreaterOrEqual(t, pos[i], 0.0)
	}

	neg, pos = prior.ZeroGradNorms(3)
	assert.Equal(t, []float64{0, 0, 0}, neg)
	assert.Equal(t, []float64{0, 0, 0}, pos)
}
