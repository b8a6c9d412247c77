package policy

import (
	"fmt"
	"math"

	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/oracle"
	"gonum.org/v1/gonum/mat"
)

// GradCrit combines the gradient norms under a negative and a positive label.
type GradCrit int

const (
	GradMin GradCrit = iota
	GradMax
	// GradWeighted is (1-p)·neg + p·pos with p the arm's point estimate.
	GradWeighted
)

func ParseGradCrit(s string) (GradCrit, error) {
	switch s {
	case "min":
		return GradMin, nil
	case "max":
		return GradMax, nil
	case "weighted", "":
		return GradWeighted, nil
	default:
		return 0, configError("unknown gradient criterion %q (want \"min\", \"max\" or \"weighted\")", s)
	}
}

func (c GradCrit) String() string {
	switch c {
	case GradMin:
		return "min"
	case GradMax:
		return "max"
	default:
		return "weighted"
	}
}

// activeChoice picks, for every row of x, the arm whose model would move the most
// had it observed that row.
func (b *Base) activeChoice(x *mat.Dense, crit GradCrit) ([]int, error) {
	neg, pos, err := b.ensemble.GradientNorms(x)
	if err != nil {
		return nil, err
	}
	var p *mat.Dense
	if crit == GradWeighted {
		if p, err = b.ensemble.Exploit(x); err != nil {
			return nil, err
		}
	}

	n, k := neg.Dims()
	choices := make([]int, n)
	row := make([]float64, k)
	for i := range choices {
		for j := range row {
			gn, gp := neg.At(i, j), pos.At(i, j)
			switch crit {
			case GradMin:
				row[j] = math.Min(gn, gp)
			case GradMax:
				row[j] = math.Max(gn, gp)
			default:
				pj := mathx.Clip(p.At(i, j), 0, 1)
				row[j] = (1.0-pj)*gn + pj*gp
			}
		}
		choices[i] = mathx.ArgMax(row)
	}
	return choices, nil
}

func requireGradients(src oracle.Source) error {
	if c := src.Any(); c != nil && !classifier.CanGradient(c) {
		return configError("active exploration needs a classifier exposing gradients, %T does not", c)
	}
	return nil
}

type ActiveExplorerConfig struct {
	BaseConfig
	ExploreProb float64 `validate:"gte=0,lte=1"`
	Decay       float64 `validate:"gt=0,lte=1"`
	GradCrit    string  `validate:"omitempty,oneof=min max weighted"`
}

func DefaultActiveExplorerConfig() ActiveExplorerConfig {
	return ActiveExplorerConfig{ExploreProb: 0.15, Decay: 0.9997, GradCrit: "weighted"}
}

// ActiveExplorer plays the best arm, except with probability ExploreProb the arm
// whose model the row would change the most.
type ActiveExplorer struct {
	*Base
	Config ActiveExplorerConfig

	crit        GradCrit
	exploreProb float64
}

func NewActiveExplorer(src oracle.Source, cfg ActiveExplorerConfig) (*ActiveExplorer, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	crit, err := ParseGradCrit(cfg.GradCrit)
	if err != nil {
		return nil, err
	}
	if err := requireGradients(src); err != nil {
		return nil, err
	}
	b, err := newBase("active_explorer", cfg.BaseConfig, src, singleBuilder, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	return &ActiveExplorer{Base: b, Config: cfg, crit: crit, exploreProb: cfg.ExploreProb}, nil
}

func (p *ActiveExplorer) ExploreProb() float64 {
	return p.exploreProb
}

func (p *ActiveExplorer) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, func(x *mat.Dense) (Prediction, error) {
		scores, err := p.ensemble.Scores(x)
		if err != nil {
			return Prediction{}, err
		}
		pred := greedy(scores)
		var rows []int
		for i := range pred.Choices {
			if randx.Bernoulli(p.exploreProb, p.rng) {
				rows = append(rows, i)
			}
		}
		if len(rows) > 0 {
			choices, err := p.activeChoice(subRows(x, rows), p.crit)
			if err != nil {
				return Prediction{}, fmt.Errorf("active choice: %w", err)
			}
			for i, r := range rows {
				pred.Choices[r] = choices[i]
				pred.Scores[r] = scores.At(r, choices[i])
			}
		}
		n := len(pred.Choices)
		p.observe(len(rows), n)
		p.exploreProb *= math.Pow(p.Config.Decay, float64(n))
		return pred, nil
	})
}
