package policy

import (
	"math"
	"slices"

	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/oracle"
	"gonum.org/v1/gonum/mat"
)

type ExploreFirstConfig struct {
	BaseConfig
	ExploreRounds int `validate:"gte=0"`
}

func DefaultExploreFirstConfig() ExploreFirstConfig {
	return ExploreFirstConfig{ExploreRounds: 2500}
}

// ExploreFirst plays uniformly random arms for the first ExploreRounds
// predicted rows, then greedily.
type ExploreFirst struct {
	*Base
	Config ExploreFirstConfig

	served int
}

func NewExploreFirst(src oracle.Source, cfg ExploreFirstConfig) (*ExploreFirst, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	b, err := newBase("explore_first", cfg.BaseConfig, src, singleBuilder, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	return &ExploreFirst{Base: b, Config: cfg}, nil
}

// Served is the number of rows predicted by the fitted policy so far.
func (p *ExploreFirst) Served() int {
	return p.served
}

func (p *ExploreFirst) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, func(x *mat.Dense) (Prediction, error) {
		scores, err := p.ensemble.Scores(x)
		if err != nil {
			return Prediction{}, err
		}
		pred := greedy(scores)
		n := len(pred.Choices)
		explored := min(n, max(p.Config.ExploreRounds-p.served, 0))
		for i := 0; i < explored; i++ {
			a := p.rng.IntN(p.NArms())
			pred.Choices[i] = a
			pred.Scores[i] = scores.At(i, a)
		}
		p.served += n
		p.observe(explored, n)
		return pred, nil
	})
}

type SoftmaxExplorerConfig struct {
	BaseConfig
	Multiplier float64 `validate:"gt=0"`
	// InflationRate multiplies Multiplier once per predicted row.
	InflationRate float64 `validate:"gt=0"`
}

func DefaultSoftmaxExplorerConfig() SoftmaxExplorerConfig {
	return SoftmaxExplorerConfig{Multiplier: 1.0, InflationRate: 1.0004}
}

// SoftmaxExplorer samples each row's arm from a softmax over its scores.
type SoftmaxExplorer struct {
	*Base
	Config SoftmaxExplorerConfig

	multiplier float64
}

func NewSoftmaxExplorer(src oracle.Source, cfg SoftmaxExplorerConfig) (*SoftmaxExplorer, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	b, err := newBase("softmax_explorer", cfg.BaseConfig, src, singleBuilder, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	return &SoftmaxExplorer{Base: b, Config: cfg, multiplier: cfg.Multiplier}, nil
}

func (p *SoftmaxExplorer) Multiplier() float64 {
	return p.multiplier
}

func (p *SoftmaxExplorer) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, func(x *mat.Dense) (Prediction, error) {
		scores, err := p.ensemble.Scores(x)
		if err != nil {
			return Prediction{}, err
		}
		n, _ := scores.Dims()
		pred := Prediction{Choices: make([]int, n), Scores: make([]float64, n)}
		for i := 0; i < n; i++ {
			row := slices.Clone(scores.RawRowView(i))
			logit := mathx.InUnitInterval(row)
			for j := range row {
				if logit {
					row[j] = mathx.Logit(row[j])
				}
				row[j] *= p.multiplier
			}
			a := randx.Categorical(mathx.Softmax(row), p.rng)
			pred.Choices[i] = a
			pred.Scores[i] = scores.At(i, a)
		}
		p.observe(n, n)
		p.multiplier *= math.Pow(p.Config.InflationRate, float64(n))
		return pred, nil
	})
}
