package policy

import (
	"math"

	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/oracle"
	"gonum.org/v1/gonum/mat"
)

// SeparateClassifiers always plays the arm with the highest score.
type SeparateClassifiers struct {
	*Base
}

func NewSeparateClassifiers(src oracle.Source, cfg BaseConfig) (*SeparateClassifiers, error) {
	b, err := newBase("separate_classifiers", cfg, src, singleBuilder, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	return &SeparateClassifiers{Base: b}, nil
}

func (p *SeparateClassifiers) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, p.greedyPredict)
}

// DecisionFunctionStd rescales every row of scores to sum to one.
func (p *SeparateClassifiers) DecisionFunctionStd(X mat.Matrix) (*mat.Dense, error) {
	scores, err := p.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	n, k := scores.Dims()
	for i := 0; i < n; i++ {
		row := scores.RawRowView(i)
		sum := mat.Sum(scores.RowView(i))
		for j := range row {
			if sum > 0 {
				row[j] /= sum
			} else {
				row[j] = 1.0 / float64(k)
			}
		}
	}
	return scores, nil
}

type EpsilonGreedyConfig struct {
	BaseConfig
	ExploreProb float64 `validate:"gte=0,lte=1"`
	// Decay multiplies ExploreProb once per predicted row.
	Decay float64 `validate:"gt=0,lte=1"`
}

func DefaultEpsilonGreedyConfig() EpsilonGreedyConfig {
	return EpsilonGreedyConfig{ExploreProb: 0.2, Decay: 0.9999}
}

// EpsilonGreedy plays the best arm, except with probability ExploreProb a uniformly random one.
type EpsilonGreedy struct {
	*Base
	Config EpsilonGreedyConfig

	exploreProb float64
}

func NewEpsilonGreedy(src oracle.Source, cfg EpsilonGreedyConfig) (*EpsilonGreedy, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	b, err := newBase("epsilon_greedy", cfg.BaseConfig, src, singleBuilder, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	return &EpsilonGreedy{Base: b, Config: cfg, exploreProb: cfg.ExploreProb}, nil
}

func (p *EpsilonGreedy) ExploreProb() float64 {
	return p.exploreProb
}

func (p *EpsilonGreedy) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, func(x *mat.Dense) (Prediction, error) {
		scores, err := p.ensemble.Scores(x)
		if err != nil {
			return Prediction{}, err
		}
		pred := greedy(scores)
		k := p.NArms()
		explored := 0
		for i := range pred.Choices {
			if randx.Bernoulli(p.exploreProb, p.rng) {
				a := p.rng.IntN(k)
				pred.Choices[i] = a
				pred.Scores[i] = scores.At(i, a)
				explored++
			}
		}
		n := len(pred.Choices)
		p.observe(explored, n)
		p.exploreProb *= math.Pow(p.Config.Decay, float64(n))
		return pred, nil
	})
}

func canWarmStart(src oracle.Source) bool {
	c := src.Any()
	return c != nil && classifier.CanWarmStart(c)
}

func subRows(x *mat.Dense, rows []int) *mat.Dense {
	_, cols := x.Dims()
	sub := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		sub.SetRow(i, x.RawRowView(r))
	}
	return sub
}
