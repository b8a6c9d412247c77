package logistic_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/classifier/logistic"
	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/mathx/randx"
	"gonum.org/v1/gonum/mat"
)

func separable(n int, seed uint64) (*mat.Dense, []float64) {
	rng := randx.New(seed)
	X := mat.NewDense(n, 2, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x0 := rng.NormFloat64()
		x1 := rng.NormFloat64()
		X.SetRow(i, []float64{x0, x1})
		if x0+0.5*x1 > 0 {
			y[i] = 1
		}
	}
	return X, y
}

func accuracy(t *testing.T, m *logistic.Model, X *mat.Dense, y []float64) float64 {
	pred, err := m.Predict(X)
	require.NoError(t, err)
	hit := 0
	for i := range y {
		if pred[i] == y[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(y))
}

func TestModelImplementsCapabilities(t *testing.T) {
	m, err := logistic.New(logistic.DefaultConfig())
	require.NoError(t, err)
	var c classifier.Classifier = m
	assert.True(t, classifier.CanPartialFit(c))
	assert.True(t, classifier.CanWeight(c))
	assert.True(t, classifier.CanGradient(c))
	assert.False(t, classifier.CanWarmStart(c))
}

func TestFit(t *testing.T) {
	X, y := separable(300, 1)
	m, err := logistic.New(logistic.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, m.Fit(X, y))
	assert.GreaterOrEqual(t, accuracy(t, m, X, y), 0.95)

	proba, err := m.PredictProba(X)
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		assert.InDelta(t, 1.0, proba.At(i, 0)+proba.At(i, 1), 1e-12)
	}
}

func TestPartialFit(t *testing.T) {
	X, y := separable(300, 2)
	m, err := logistic.New(logistic.DefaultConfig())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, m.PartialFit(X, y))
	}
	assert.GreaterOrEqual(t, accuracy(t, m, X, y), 0.9)
}

func TestNotFitted(t *testing.T) {
	m, err := logistic.New(logistic.DefaultConfig())
	require.NoError(t, err)
	_, err = m.PredictProba(mat.NewDense(1, 2, nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := logistic.DefaultConfig()
	cfg.MomentumRate = 1.0
	_, err := logistic.New(cfg)
	assert.Error(t, err)
}

func TestGradient(t *testing.T) {
	X, y := separable(50, 3)
	m, err := logistic.New(logistic.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, m.Fit(X, y))

	grad, err := m.Gradient(X, y)
	require.NoError(t, err)
	_, dim := grad.Dims()
	require.Equal(t, 3, dim)

	loss := func(i int) float64 {
		u, err := m.DecisionFunction(X.Slice(i, i+1, 0, 2))
		require.NoError(t, err)
		p := mathx.Sigmoid(u[0])
		return -(y[i]*math.Log(p) + (1-y[i])*math.Log(1-p))
	}

	//数値微分との比較
	h := 1e-5
	for i := 0; i < 5; i++ {
		for j := 0; j < 2; j++ {
			w := m.Parameter.Weight[j]
			m.Parameter.Weight[j] = w + h
			plus := loss(i)
			m.Parameter.Weight[j] = w - h
			minus := loss(i)
			m.Parameter.Weight[j] = w
			assert.InDelta(t, mathx.CentralDifference(plus, minus, h), grad.At(i, j), 1e-6)
		}
		b := m.Parameter.Bias
		m.Parameter.Bias = b + h
		plus := loss(i)
		m.Parameter.Bias = b - h
		minus := loss(i)
		m.Parameter.Bias = b
		assert.InDelta(t, mathx.CentralDifference(plus, minus, h), grad.At(i, 2), 1e-6)
	}
}

func TestWarmStart(t *testing.T) {
	X, y := separable(200, 4)
	cfg := logistic.DefaultConfig()
	cfg.WarmStartFlag = true
	m, err := logistic.New(cfg)
	require.NoError(t, err)
	require.True(t, classifier.CanWarmStart(m))
	require.NoError(t, m.Fit(X, y))
	optimum := m.Coefficients()

	m.Config.MaxIter = 1
	require.NoError(t, m.Fit(X, y))
	for j := range optimum.Weight {
		assert.InDelta(t, optimum.Weight[j], m.Parameter.Weight[j], 1e-4)
	}

	cold, err := logistic.New(logistic.Config{
		Lambda: 1, FitIntercept: true, MaxIter: 1, Tol: 1e-7,
		LearningRate: 0.1, MomentumRate: 0.9, Epochs: 1, MiniBatchSize: 32, Parallel: 1,
	})
	require.NoError(t, err)
	require.NoError(t, cold.Fit(X, y))
	assert.Greater(t, math.Abs(cold.Parameter.Weight[0]-optimum.Weight[0]), 1e-4)
}

func TestClone(t *testing.T) {
	X, y := separable(100, 5)
	m, err := logistic.New(logistic.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, m.Fit(X, y))
	before := m.Coefficients()

	c := m.Clone().(*logistic.Model)
	assert.Equal(t, before, c.Coefficients())

	flipped := make([]float64, len(y))
	for i := range y {
		flipped[i] = 1 - y[i]
	}
	require.NoError(t, c.Fit(X, flipped))
	assert.Equal(t, before, m.Coefficients())
	assert.NotEqual(t, before, c.Coefficients())
}

func TestClonesShuffleIndependently(t *testing.T) {
	X, y := separable(40, 6)
	cfg := logistic.DefaultConfig()
	cfg.MiniBatchSize = 4
	m, err := logistic.New(cfg)
	require.NoError(t, err)

	a := m.Clone().(*logistic.Model)
	b := m.Clone().(*logistic.Model)
	require.NoError(t, a.PartialFit(X, y))
	require.NoError(t, b.PartialFit(X, y))
	// 同じデータでもミニバッチの順序が違えば係数も違う
	assert.NotEqual(t, a.Coefficients(), b.Coefficients())

	// 親のシードが同じなら複製の系列も再現する
	m2, err := logistic.New(cfg)
	require.NoError(t, err)
	a2 := m2.Clone().(*logistic.Model)
	require.NoError(t, a2.PartialFit(X, y))
	assert.Equal(t, a.Coefficients(), a2.Coefficients())
}

func TestHessianAndAugment(t *testing.T) {
	X, y := separable(40, 6)
	m, err := logistic.New(logistic.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, m.Fit(X, y))

	assert.Equal(t, 3, m.Dim())
	assert.Equal(t, []float64{1, 2, 1}, m.Augment([]float64{1, 2}))
	assert.Len(t, m.Flatten(), 3)
	assert.Equal(t, []float64{1, 1, 1e-6}, m.Ridge())

	h, err := m.Hessian(X, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, h.SymmetricDim())
	for i := 0; i < 3; i++ {
		assert.GreaterOrEqual(t, h.At(i, i), 0.0)
	}
}
