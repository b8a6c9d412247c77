package oracle

import (
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"

	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/prior"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Factory builds the estimator of arm i.
type Factory func(i int) (Estimator, error)

type Config struct {
	Prior       *prior.Beta
	Smoothing   *prior.Smoothing
	OneClass    OneClassMode
	RefitBuffer int
	// AssumeUniqueReward fits every rewarded row as a negative for all other arms.
	AssumeUniqueReward bool
	NJobs              int
}

func (c Config) jobs() int {
	if c.NJobs <= 0 {
		return runtime.NumCPU()
	}
	return c.NJobs
}

// Ensemble is the ordered set of arms of one policy.
type Ensemble struct {
	Config Config

	arms []*Arm
}

// NewEnsemble creates one arm per name. Estimators come from factory, or from
// warm when it holds one for that index.
func NewEnsemble(cfg Config, names []string, factory Factory, warm []Estimator, rng *rand.Rand) (*Ensemble, error) {
	rngs := randx.Split(rng, len(names))
	arms := make([]*Arm, len(names))
	for i, name := range names {
		var est Estimator
		var err error
		if i < len(warm) && warm[i] != nil {
			est, err = warm[i].Clone()
		} else {
			est, err = factory(i)
		}
		if err != nil {
			return nil, fmt.Errorf("arm %q: %w", name, err)
		}
		arms[i] = NewArm(name, est, cfg.RefitBuffer, rngs[i])
	}
	return &Ensemble{Config: cfg, arms: arms}, nil
}

func (e *Ensemble) NArms() int {
	return len(e.arms)
}

func (e *Ensemble) Arm(i int) *Arm {
	return e.arms[i]
}

func (e *Ensemble) Estimators() []Estimator {
	ests := make([]Estimator, len(e.arms))
	for i, a := range e.arms {
		ests[i] = a.Estimator
	}
	return ests
}

type Counts struct {
	Pos    int
	Neg    int
	Chosen int
}

func (e *Ensemble) Counts() []Counts {
	cs := make([]Counts, len(e.arms))
	for i, a := range e.arms {
		cs[i] = Counts{Pos: a.NPos, Neg: a.NNeg, Chosen: a.NChosen}
	}
	return cs
}

// armData is the slice of a batch routed to one arm.
type armData struct {
	X       *mat.Dense
	y       []float64
	nChosen int
}

func (e *Ensemble) split(X *mat.Dense, actions []int, rewards []float64) ([]armData, error) {
	n, _ := X.Dims()
	if len(actions) != n || len(rewards) != n {
		return nil, fmt.Errorf("X has %d rows, got %d actions and %d rewards", n, len(actions), len(rewards))
	}
	idxs := make([][]int, len(e.arms))
	labels := make([][]float64, len(e.arms))
	chosen := make([]int, len(e.arms))
	for i, a := range actions {
		if a < 0 || a >= len(e.arms) {
			return nil, fmt.Errorf("action %d at row %d is out of range [0, %d)", a, i, len(e.arms))
		}
		r := rewards[i]
		if r != 0 && r != 1 {
			return nil, fmt.Errorf("reward at row %d must be 0 or 1, got %g", i, r)
		}
		idxs[a] = append(idxs[a], i)
		labels[a] = append(labels[a], r)
		chosen[a]++
		if e.Config.AssumeUniqueReward && r == 1 {
			for j := range e.arms {
				if j != a {
					idxs[j] = append(idxs[j], i)
					labels[j] = append(labels[j], 0)
				}
			}
		}
	}

	data := make([]armData, len(e.arms))
	for j := range e.arms {
		if len(idxs[j]) == 0 {
			continue
		}
		data[j] = armData{X: rowsOf(X, idxs[j]), y: labels[j], nChosen: chosen[j]}
	}
	return data, nil
}

func (e *Ensemble) each(f func(i int, a *Arm) error) error {
	var g errgroup.Group
	g.SetLimit(e.Config.jobs())
	for i, a := range e.arms {
		g.Go(func() error {
			if err := f(i, a); err != nil {
				return fmt.Errorf("arm %q: %w", a.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Fit retrains every arm on its share of the batch.
func (e *Ensemble) Fit(X *mat.Dense, actions []int, rewards []float64) error {
	data, err := e.split(X, actions, rewards)
	if err != nil {
		return err
	}
	return e.each(func(i int, a *Arm) error {
		return a.Fit(data[i].X, data[i].y, data[i].nChosen)
	})
}

// PartialFit updates only the arms that received rows.
func (e *Ensemble) PartialFit(X *mat.Dense, actions []int, rewards []float64) error {
	data, err := e.split(X, actions, rewards)
	if err != nil {
		return err
	}
	return e.each(func(i int, a *Arm) error {
		if data[i].X == nil {
			return nil
		}
		return a.PartialFit(data[i].X, data[i].y, data[i].nChosen)
	})
}

func (e *Ensemble) columns(X *mat.Dense, f func(a *Arm) ([]float64, error)) (*mat.Dense, error) {
	n, _ := X.Dims()
	cols := make([][]float64, len(e.arms))
	err := e.each(func(i int, a *Arm) error {
		c, err := f(a)
		if err != nil {
			return err
		}
		if len(c) != n {
			return fmt.Errorf("estimator returned %d scores for %d rows", len(c), n)
		}
		cols[i] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	scores := mat.NewDense(n, len(e.arms), nil)
	for j, c := range cols {
		scores.SetCol(j, c)
	}
	return scores, nil
}

// Scores returns the n×k exploration scores.
func (e *Ensemble) Scores(X *mat.Dense) (*mat.Dense, error) {
	return e.columns(X, func(a *Arm) ([]float64, error) {
		return a.Score(X, e.Config.OneClass, e.Config.Prior, e.Config.Smoothing)
	})
}

// Exploit returns the n×k point estimates.
func (e *Ensemble) Exploit(X *mat.Dense) (*mat.Dense, error) {
	return e.columns(X, func(a *Arm) ([]float64, error) {
		return a.Exploit(X, e.Config.OneClass, e.Config.Smoothing)
	})
}

// GradientNorms returns the n×k gradient norms under a negative and a positive label.
func (e *Ensemble) GradientNorms(X *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	n, _ := X.Dims()
	negs := make([][]float64, len(e.arms))
	poss := make([][]float64, len(e.arms))
	err := e.each(func(i int, a *Arm) error {
		neg, pos, err := a.GradNorms(X, e.Config.OneClass)
		if err != nil {
			return err
		}
		negs[i], poss[i] = neg, pos
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	neg := mat.NewDense(n, len(e.arms), nil)
	pos := mat.NewDense(n, len(e.arms), nil)
	for j := range e.arms {
		neg.SetCol(j, negs[j])
		pos.SetCol(j, poss[j])
	}
	return neg, pos, nil
}

// AddArm appends an arm, optionally seeded with counters and buffered rows.
func (e *Ensemble) AddArm(name string, est Estimator, counts Counts, bufX *mat.Dense, bufY []float64, fitted bool, rng *rand.Rand) *Arm {
	a := NewArm(name, est, e.Config.RefitBuffer, rng)
	a.NPos, a.NNeg, a.NChosen = counts.Pos, counts.Neg, counts.Chosen
	a.fitted = fitted
	if a.buffer != nil && bufX != nil {
		a.buffer.AddBatch(bufX, bufY)
	}
	e.arms = append(e.arms, a)
	return a
}

func (e *Ensemble) DropArm(i int) error {
	if i < 0 || i >= len(e.arms) {
		return fmt.Errorf("arm index %d is out of range [0, %d)", i, len(e.arms))
	}
	e.arms = slices.Delete(e.arms, i, i+1)
	return nil
}
