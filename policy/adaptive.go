package policy

import (
	"math"

	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/oracle"
	"gonum.org/v1/gonum/mat"
)

const (
	DecayPercentile = "percentile"
	DecayThreshold  = "threshold"
)

type AdaptiveGreedyConfig struct {
	BaseConfig
	// WindowSize winning scores are collected before the threshold is recomputed.
	WindowSize int     `validate:"gt=0"`
	Percentile float64 `validate:"percentile"`
	Decay      float64 `validate:"gt=0,lte=1"`
	DecayType  string  `validate:"oneof=percentile threshold"`
	// InitialThreshold defaults to 1/(2√k).
	InitialThreshold *float64 `validate:"omitempty,gte=0"`
	// FixedThreshold keeps the threshold out of the window logic.
	FixedThreshold bool
	// ActiveChoice explores with gradient norms instead of uniformly when set.
	ActiveChoice string `validate:"omitempty,oneof=min max weighted"`
}

func DefaultAdaptiveGreedyConfig() AdaptiveGreedyConfig {
	return AdaptiveGreedyConfig{
		WindowSize: 500,
		Percentile: 30,
		Decay:      0.9998,
		DecayType:  DecayPercentile,
	}
}

// AdaptiveGreedy plays the best arm unless its score is at most a threshold
// that follows a percentile of recent winning scores.
type AdaptiveGreedy struct {
	*Base
	Config AdaptiveGreedyConfig

	thr        float64
	percentile float64
	window     []float64
	active     bool
	crit       GradCrit
}

func NewAdaptiveGreedy(src oracle.Source, cfg AdaptiveGreedyConfig) (*AdaptiveGreedy, error) {
	if err := checkStruct(cfg); err != nil {
		return nil, err
	}
	p := &AdaptiveGreedy{Config: cfg, percentile: cfg.Percentile}
	if cfg.ActiveChoice != "" {
		crit, err := ParseGradCrit(cfg.ActiveChoice)
		if err != nil {
			return nil, err
		}
		if err := requireGradients(src); err != nil {
			return nil, err
		}
		p.active = true
		p.crit = crit
	}

	b, err := newBase("adaptive_greedy", cfg.BaseConfig, src, singleBuilder, baseOptions{
		warmStart: canWarmStart(src),
	})
	if err != nil {
		return nil, err
	}
	p.Base = b

	if cfg.InitialThreshold != nil {
		p.thr = *cfg.InitialThreshold
	} else {
		p.thr = 1.0 / (2.0 * math.Sqrt(float64(b.NArms())))
	}
	p.window = make([]float64, 0, cfg.WindowSize)
	return p, nil
}

func (p *AdaptiveGreedy) Threshold() float64 {
	return p.thr
}

func (p *AdaptiveGreedy) CurrentPercentile() float64 {
	return p.percentile
}

func (p *AdaptiveGreedy) Predict(X mat.Matrix, exploit bool) (Prediction, error) {
	return p.predict(X, exploit, func(x *mat.Dense) (Prediction, error) {
		n, cols := x.Dims()
		pred := Prediction{Choices: make([]int, 0, n), Scores: make([]float64, 0, n)}
		explored := 0
		// 窓の境界で区切り、区切り毎に閾値を更新する
		for start := 0; start < n; {
			end := n
			if !p.Config.FixedThreshold {
				end = min(n, start+p.Config.WindowSize-len(p.window))
			}
			part, nExplored, err := p.step(x.Slice(start, end, 0, cols).(*mat.Dense))
			if err != nil {
				return Prediction{}, err
			}
			pred.Choices = append(pred.Choices, part.Choices...)
			pred.Scores = append(pred.Scores, part.Scores...)
			explored += nExplored
			start = end
		}
		p.observe(explored, n)
		return pred, nil
	})
}

// step predicts rows that fit in the current window and updates the threshold.
func (p *AdaptiveGreedy) step(x *mat.Dense) (Prediction, int, error) {
	scores, err := p.ensemble.Scores(x)
	if err != nil {
		return Prediction{}, 0, err
	}
	pred := greedy(scores)
	best := append([]float64(nil), pred.Scores...)

	var rows []int
	for i, s := range best {
		if s <= p.thr {
			rows = append(rows, i)
		}
	}
	if len(rows) > 0 {
		var choices []int
		if p.active {
			if choices, err = p.activeChoice(subRows(x, rows), p.crit); err != nil {
				return Prediction{}, 0, err
			}
		} else {
			choices = make([]int, len(rows))
			for i := range choices {
				choices[i] = p.rng.IntN(p.NArms())
			}
		}
		for i, r := range rows {
			pred.Choices[r] = choices[i]
			pred.Scores[r] = scores.At(r, choices[i])
		}
	}

	n := len(best)
	if !p.Config.FixedThreshold {
		p.window = append(p.window, best...)
		if len(p.window) >= p.Config.WindowSize {
			p.thr = mathx.Percentile(p.window, p.percentile)
			p.window = p.window[:0]
		}
	}
	factor := math.Pow(p.Config.Decay, float64(n))
	switch {
	case p.Config.DecayType == DecayThreshold:
		p.thr *= factor
	case !p.Config.FixedThreshold:
		p.percentile *= factor
	}
	return pred, len(rows), nil
}
