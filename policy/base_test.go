package policy_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/classifier/logistic"
	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/metrics"
	"github.com/sw965/bandit/oracle"
	"github.com/sw965/bandit/policy"
	"github.com/sw965/bandit/prior"
	"gonum.org/v1/gonum/mat"
)

const nArms = 3

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testBase(seed uint64) policy.BaseConfig {
	return policy.BaseConfig{NArms: nArms, NJobs: 2, Rand: randx.New(seed), Logger: discard}
}

func newLogistic(t *testing.T, warm bool) *logistic.Model {
	t.Helper()
	cfg := logistic.DefaultConfig()
	cfg.WarmStartFlag = warm
	m, err := logistic.New(cfg)
	require.NoError(t, err)
	return m
}

func prototype(t *testing.T) oracle.Source {
	t.Helper()
	return oracle.Prototype(newLogistic(t, false))
}

// contexts returns rows whose best arm is the column holding a value near 1.
func contexts(n int, seed uint64) (*mat.Dense, []int) {
	rng := randx.New(seed)
	X := mat.NewDense(n, nArms+1, nil)
	best := make([]int, n)
	for i := 0; i < n; i++ {
		best[i] = rng.IntN(nArms)
		for j := 0; j < nArms+1; j++ {
			X.Set(i, j, 0.1*rng.NormFloat64())
		}
		X.Set(i, best[i], 1.0+0.1*rng.NormFloat64())
	}
	return X, best
}

// logged returns uniformly logged actions and their rewards.
func logged(n int, seed uint64) (*mat.Dense, []int, []float64) {
	X, best := contexts(n, seed)
	rng := randx.New(seed + 1000)
	actions := make([]int, n)
	rewards := make([]float64, n)
	for i := range actions {
		actions[i] = rng.IntN(nArms)
		if actions[i] == best[i] {
			rewards[i] = 1
		}
	}
	return X, actions, rewards
}

type ctor struct {
	name  string
	build func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error)
}

var ctors = []ctor{
	{"separate_classifiers", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		return policy.NewSeparateClassifiers(src, base)
	}},
	{"epsilon_greedy", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultEpsilonGreedyConfig()
		cfg.BaseConfig = base
		return policy.NewEpsilonGreedy(src, cfg)
	}},
	{"adaptive_greedy", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultAdaptiveGreedyConfig()
		cfg.BaseConfig = base
		cfg.WindowSize = 20
		return policy.NewAdaptiveGreedy(src, cfg)
	}},
	{"explore_first", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultExploreFirstConfig()
		cfg.BaseConfig = base
		cfg.ExploreRounds = 10
		return policy.NewExploreFirst(src, cfg)
	}},
	{"active_explorer", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultActiveExplorerConfig()
		cfg.BaseConfig = base
		return policy.NewActiveExplorer(src, cfg)
	}},
	{"softmax_explorer", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultSoftmaxExplorerConfig()
		cfg.BaseConfig = base
		return policy.NewSoftmaxExplorer(src, cfg)
	}},
	{"bootstrapped_ucb", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultBootstrappedUCBConfig()
		cfg.BaseConfig = base
		cfg.NSamples = 4
		return policy.NewBootstrappedUCB(src, cfg)
	}},
	{"bootstrapped_ts", func(src oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultBootstrappedTSConfig()
		cfg.BaseConfig = base
		cfg.NSamples = 4
		return policy.NewBootstrappedTS(src, cfg)
	}},
	{"logistic_ucb", func(_ oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultLogisticUCBConfig()
		cfg.BaseConfig = base
		return policy.NewLogisticUCB(cfg)
	}},
	{"logistic_ts", func(_ oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultLogisticTSConfig()
		cfg.BaseConfig = base
		return policy.NewLogisticTS(cfg)
	}},
	{"lin_ucb", func(_ oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultLinUCBConfig()
		cfg.BaseConfig = base
		return policy.NewLinUCB(cfg)
	}},
	{"lin_ts", func(_ oracle.Source, base policy.BaseConfig) (policy.Policy, error) {
		cfg := policy.DefaultLinTSConfig()
		cfg.BaseConfig = base
		return policy.NewLinTS(cfg)
	}},
}

func TestUnfittedPredictIsRandom(t *testing.T) {
	X, _ := contexts(20, 1)
	for _, c := range ctors {
		t.Run(c.name, func(t *testing.T) {
			p, err := c.build(prototype(t), testBase(1))
			require.NoError(t, err)
			assert.False(t, p.IsFitted())

			pred, err := p.Predict(X, false)
			require.NoError(t, err)
			assert.True(t, pred.Random)
			require.Len(t, pred.Choices, 20)
			for i, a := range pred.Choices {
				assert.True(t, a >= 0 && a < nArms)
				assert.InDelta(t, 1.0/nArms, pred.Scores[i], 1e-12)
			}

			_, err = p.DecisionFunction(X)
			assert.ErrorIs(t, err, policy.ErrNotFitted)
			_, err = p.Exploit(X)
			assert.ErrorIs(t, err, policy.ErrNotFitted)
			_, err = p.TopN(X, 1)
			assert.ErrorIs(t, err, policy.ErrNotFitted)
		})
	}
}

func TestFitAndPredict(t *testing.T) {
	X, actions, rewards := logged(300, 2)
	heldOut, _ := contexts(50, 3)
	for _, c := range ctors {
		t.Run(c.name, func(t *testing.T) {
			p, err := c.build(prototype(t), testBase(2))
			require.NoError(t, err)
			require.NoError(t, p.Fit(X, actions, rewards, false))
			assert.True(t, p.IsFitted())

			for _, exploit := range []bool{false, true} {
				pred, err := p.Predict(heldOut, exploit)
				require.NoError(t, err)
				assert.False(t, pred.Random)
				require.Len(t, pred.Choices, 50)
				require.Len(t, pred.Scores, 50)
				for _, a := range pred.Choices {
					assert.True(t, a >= 0 && a < nArms)
				}
			}

			scores, err := p.DecisionFunction(heldOut)
			require.NoError(t, err)
			r, k := scores.Dims()
			assert.Equal(t, 50, r)
			assert.Equal(t, nArms, k)

			_, err = p.Predict(mat.NewDense(2, 2, nil), false)
			assert.ErrorIs(t, err, policy.ErrDimension)
		})
	}
}

func TestPartialFitStreams(t *testing.T) {
	X, actions, rewards := logged(200, 4)
	heldOut, _ := contexts(30, 5)
	for _, c := range ctors {
		t.Run(c.name, func(t *testing.T) {
			base := testBase(4)
			base.BatchTrain = true
			p, err := c.build(prototype(t), base)
			require.NoError(t, err)

			for i := 0; i < 200; i += 40 {
				x := X.Slice(i, i+40, 0, nArms+1)
				require.NoError(t, p.PartialFit(x, actions[i:i+40], rewards[i:i+40]))
			}
			assert.True(t, p.IsFitted())
			pred, err := p.Predict(heldOut, false)
			require.NoError(t, err)
			assert.Len(t, pred.Choices, 30)
		})
	}
}

func TestPartialFitRequiresBatchTrain(t *testing.T) {
	X, actions, rewards := logged(20, 6)
	p, err := policy.NewSeparateClassifiers(prototype(t), testBase(6))
	require.NoError(t, err)
	assert.ErrorIs(t, p.PartialFit(X, actions, rewards), policy.ErrBatchRequired)
}

func TestDecisionFunctionIsRepeatable(t *testing.T) {
	X, actions, rewards := logged(200, 7)
	for _, c := range ctors {
		switch c.name {
		case "separate_classifiers", "bootstrapped_ucb", "logistic_ucb", "lin_ucb":
		default:
			continue
		}
		t.Run(c.name, func(t *testing.T) {
			p, err := c.build(prototype(t), testBase(7))
			require.NoError(t, err)
			require.NoError(t, p.Fit(X, actions, rewards, false))
			a, err := p.DecisionFunction(X)
			require.NoError(t, err)
			b, err := p.DecisionFunction(X)
			require.NoError(t, err)
			assert.True(t, mat.Equal(a, b))
		})
	}
}

type constant struct{}

func (constant) Fit(mat.Matrix, []float64) error { return nil }
func (c constant) Clone() classifier.Classifier  { return c }
func (constant) Predict(X mat.Matrix) ([]float64, error) {
	n, _ := X.Dims()
	ys := make([]float64, n)
	for i := range ys {
		ys[i] = 0.5
	}
	return ys, nil
}

func TestConfigErrors(t *testing.T) {
	mod := func(f func(*policy.BaseConfig)) policy.BaseConfig {
		c := testBase(8)
		f(&c)
		return c
	}
	testCases := []struct {
		name string
		base policy.BaseConfig
	}{
		{"no arms", mod(func(c *policy.BaseConfig) { c.NArms = 0 })},
		{"one arm", mod(func(c *policy.BaseConfig) { c.NArms = 1 })},
		{"duplicate names", mod(func(c *policy.BaseConfig) { c.NArms = 0; c.Names = []string{"a", "a"} })},
		{"names and count disagree", mod(func(c *policy.BaseConfig) { c.Names = []string{"a", "b"} })},
		{"refit buffer without batch", mod(func(c *policy.BaseConfig) { c.RefitBuffer = 10 })},
		{"prior and smoothing", mod(func(c *policy.BaseConfig) {
			c.Prior = prior.Explicit(1, 1, 2)
			c.Smoothing = &prior.Smoothing{A: 1, B: 2}
		})},
		{"bad prior", mod(func(c *policy.BaseConfig) { c.Prior = prior.Explicit(0, 1, 2) })},
		{"bad smoothing", mod(func(c *policy.BaseConfig) { c.Smoothing = &prior.Smoothing{A: 1, B: 0} })},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policy.NewSeparateClassifiers(prototype(t), tc.base)
			assert.ErrorIs(t, err, policy.ErrConfig)
		})
	}

	t.Run("nil prototype", func(t *testing.T) {
		_, err := policy.NewSeparateClassifiers(oracle.Prototype(nil), testBase(8))
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
	t.Run("batch without partial fit", func(t *testing.T) {
		base := testBase(8)
		base.BatchTrain = true
		_, err := policy.NewSeparateClassifiers(oracle.Prototype(constant{}), base)
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
	t.Run("per arm count", func(t *testing.T) {
		src := oracle.PerArm([]classifier.Classifier{constant{}, constant{}})
		_, err := policy.NewSeparateClassifiers(src, testBase(8))
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
	t.Run("active without gradients", func(t *testing.T) {
		cfg := policy.DefaultActiveExplorerConfig()
		cfg.BaseConfig = testBase(8)
		_, err := policy.NewActiveExplorer(oracle.Prototype(constant{}), cfg)
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
	t.Run("percentile out of range", func(t *testing.T) {
		cfg := policy.DefaultAdaptiveGreedyConfig()
		cfg.BaseConfig = testBase(8)
		cfg.Percentile = 120
		_, err := policy.NewAdaptiveGreedy(prototype(t), cfg)
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
	t.Run("logistic without regularization", func(t *testing.T) {
		cfg := policy.DefaultLogisticUCBConfig()
		cfg.BaseConfig = testBase(8)
		cfg.Model.Lambda = 0
		_, err := policy.NewLogisticUCB(cfg)
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
	t.Run("linear with refit buffer", func(t *testing.T) {
		cfg := policy.DefaultLinUCBConfig()
		cfg.BaseConfig = testBase(8)
		cfg.BatchTrain = true
		cfg.RefitBuffer = 5
		_, err := policy.NewLinUCB(cfg)
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
	t.Run("unknown linear method", func(t *testing.T) {
		cfg := policy.DefaultLinTSConfig()
		cfg.BaseConfig = testBase(8)
		cfg.Method = "qr"
		_, err := policy.NewLinTS(cfg)
		assert.ErrorIs(t, err, policy.ErrConfig)
	})
}

func TestUnknownArm(t *testing.T) {
	X, actions, rewards := logged(20, 9)
	p, err := policy.NewSeparateClassifiers(prototype(t), testBase(9))
	require.NoError(t, err)

	_, err = p.ArmName(nArms)
	assert.ErrorIs(t, err, policy.ErrUnknownArm)
	_, err = p.ArmIndex("z")
	assert.ErrorIs(t, err, policy.ErrUnknownArm)

	bad := append([]int(nil), actions...)
	bad[3] = nArms
	assert.ErrorIs(t, p.Fit(X, bad, rewards, false), policy.ErrUnknownArm)
	assert.ErrorIs(t, p.Fit(X, actions[:5], rewards, false), policy.ErrDimension)

	idx, err := p.Actions([]string{"2", "0"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, idx)
}

func TestAddAndDropArms(t *testing.T) {
	X, actions, rewards := logged(150, 10)
	p, err := policy.NewSeparateClassifiers(oracle.Prototype(newLogistic(t, true)), testBase(10))
	require.NoError(t, err)
	assert.True(t, p.HasWarmStart())
	require.NoError(t, p.Fit(X, actions, rewards, false))

	require.NoError(t, p.AddArm(policy.ArmSpec{}))
	assert.Equal(t, 4, p.NArms())
	name, err := p.ArmName(3)
	require.NoError(t, err)
	assert.Equal(t, "3", name)
	assert.ErrorIs(t, p.AddArm(policy.ArmSpec{Name: "3"}), policy.ErrConfig)

	counts := oracle.Counts{Pos: 2, Neg: 1, Chosen: 3}
	require.NoError(t, p.AddArm(policy.ArmSpec{Name: "extra", Counts: counts}))
	assert.Equal(t, counts, p.Ensemble().Counts()[4])

	pred, err := p.Predict(X, true)
	require.NoError(t, err)
	for _, a := range pred.Choices {
		assert.True(t, a >= 0 && a < 5)
	}

	require.NoError(t, p.DropArm(0))
	assert.False(t, p.HasWarmStart())
	assert.Equal(t, []string{"1", "2", "3", "extra"}, p.Names())
	assert.ErrorIs(t, p.DropArm(10), policy.ErrUnknownArm)

	// 名前が整数でなければ次の名前は導けない
	assert.ErrorIs(t, p.AddArm(policy.ArmSpec{}), policy.ErrConfig)
}

func TestDropLastArm(t *testing.T) {
	base := testBase(11)
	base.NArms = 0
	base.Names = []string{"a", "b"}
	p, err := policy.NewSeparateClassifiers(prototype(t), base)
	require.NoError(t, err)
	require.NoError(t, p.DropArm(0))
	assert.ErrorIs(t, p.DropArm(0), policy.ErrConfig)
	assert.Equal(t, []string{"b"}, p.Names())
}

func TestAddArmWithClassifier(t *testing.T) {
	X, actions, rewards := logged(150, 12)
	p, err := policy.NewSeparateClassifiers(prototype(t), testBase(12))
	require.NoError(t, err)
	require.NoError(t, p.Fit(X, actions, rewards, false))

	fitted := newLogistic(t, false)
	y := make([]float64, 150)
	for i := range y {
		if X.At(i, 0) > 0.5 {
			y[i] = 1
		}
	}
	require.NoError(t, fitted.Fit(X, y))
	require.NoError(t, p.AddArm(policy.ArmSpec{Classifier: fitted}))
	assert.True(t, p.Ensemble().Arm(3).IsFitted())

	lin, err := policy.NewLinUCB(func() policy.LinUCBConfig {
		cfg := policy.DefaultLinUCBConfig()
		cfg.BaseConfig = testBase(12)
		return cfg
	}())
	require.NoError(t, err)
	assert.ErrorIs(t, lin.AddArm(policy.ArmSpec{Classifier: fitted}), policy.ErrConfig)
	require.NoError(t, lin.AddArm(policy.ArmSpec{}))
}

func TestRefitBufferStaysBounded(t *testing.T) {
	X, actions, rewards := logged(240, 13)
	base := testBase(13)
	base.BatchTrain = true
	base.RefitBuffer = 10
	cfg := policy.DefaultEpsilonGreedyConfig()
	cfg.BaseConfig = base
	p, err := policy.NewEpsilonGreedy(prototype(t), cfg)
	require.NoError(t, err)

	bufX := mat.NewDense(2, nArms+1, nil)
	require.NoError(t, p.AddArm(policy.ArmSpec{BufferX: bufX, BufferY: []float64{0, 1}}))
	assert.Equal(t, 2, p.Ensemble().Arm(nArms).Buffer().Len())
	require.NoError(t, p.DropArm(nArms))

	for i := 0; i < 240; i += 30 {
		x := X.Slice(i, i+30, 0, nArms+1)
		require.NoError(t, p.PartialFit(x, actions[i:i+30], rewards[i:i+30]))
		for j := 0; j < nArms; j++ {
			assert.LessOrEqual(t, p.Ensemble().Arm(j).Buffer().Len(), 10)
		}
	}

	require.NoError(t, p.Fit(X.Slice(0, 6, 0, nArms+1), actions[:6], rewards[:6], false))
	perArm := make([]int, nArms)
	for _, a := range actions[:6] {
		perArm[a]++
	}
	for j := 0; j < nArms; j++ {
		assert.Equal(t, perArm[j], p.Ensemble().Arm(j).Buffer().Len())
	}
}

func TestTopN(t *testing.T) {
	X, actions, rewards := logged(200, 14)
	p, err := policy.NewSeparateClassifiers(prototype(t), testBase(14))
	require.NoError(t, err)
	require.NoError(t, p.Fit(X, actions, rewards, false))

	top, err := p.TopN(X, 2)
	require.NoError(t, err)
	scores, err := p.DecisionFunction(X)
	require.NoError(t, err)
	for i, row := range top {
		require.Len(t, row, 2)
		assert.NotEqual(t, row[0], row[1])
		assert.Equal(t, mathx.ArgMax(scores.RawRowView(i)), row[0])
		assert.GreaterOrEqual(t, scores.At(i, row[0]), scores.At(i, row[1]))
	}

	_, err = p.TopN(X, 0)
	assert.ErrorIs(t, err, policy.ErrConfig)
	_, err = p.TopN(X, nArms+1)
	assert.ErrorIs(t, err, policy.ErrConfig)
}

func TestAssumeUniqueReward(t *testing.T) {
	X := mat.NewDense(4, 2, []float64{1, 0, 0, 1, 1, 1, 0, 0})
	cfg := policy.DefaultLinUCBConfig()
	cfg.BaseConfig = testBase(15)
	cfg.AssumeUniqueReward = true
	p, err := policy.NewLinUCB(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Fit(X, []int{0, 1, 2, 0}, []float64{1, 0, 1, 0}, false))

	assert.Equal(t, []oracle.Counts{
		{Pos: 1, Neg: 2, Chosen: 2},
		{Pos: 0, Neg: 3, Chosen: 1},
		{Pos: 1, Neg: 1, Chosen: 1},
	}, p.Ensemble().Counts())
}

func TestMetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	base := testBase(16)
	base.Registerer = reg
	p, err := policy.NewSeparateClassifiers(prototype(t), base)
	require.NoError(t, err)

	X, actions, rewards := logged(40, 16)
	_, err = p.Predict(X, false)
	require.NoError(t, err)
	require.NoError(t, p.Fit(X, actions, rewards, false))
	_, err = p.Predict(X, true)
	require.NoError(t, err)

	// 同じレジストリから取り直すと登録済みのコレクタが返る
	m, err := metrics.New(reg)
	require.NoError(t, err)
	assert.Equal(t, 40.0, testutil.ToFloat64(m.Predictions.WithLabelValues("separate_classifiers", metrics.ModeRandom)))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.Predictions.WithLabelValues("separate_classifiers", metrics.ModeExploit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fits.WithLabelValues("separate_classifiers", metrics.KindFull)))
	assert.Equal(t, float64(nArms), testutil.ToFloat64(m.Arms.WithLabelValues("separate_classifiers")))
}
