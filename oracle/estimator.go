// Package oracle holds the per-arm reward models of a bandit policy and the
// ensemble that fans work out across arms.
package oracle

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/bandit/classifier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Estimator is one arm's reward model.
type Estimator interface {
	Fit(X *mat.Dense, y []float64, rng *rand.Rand) error
	PartialFit(X *mat.Dense, y []float64, rng *rand.Rand) error
	// Score is the exploration score. It may consume rng.
	Score(X *mat.Dense, rng *rand.Rand) ([]float64, error)
	// Exploit is the point estimate and never consumes randomness.
	Exploit(X *mat.Dense) ([]float64, error)
	// GradNorms returns per-row gradient norms under a negative and a positive label.
	GradNorms(X *mat.Dense) ([]float64, []float64, error)
	// TwoClass reports whether fitting needs both reward classes.
	TwoClass() bool
	Clone() (Estimator, error)
}

// Single wraps one classifier.
type Single struct {
	clf   classifier.Classifier
	score classifier.ScoreFunc
	Batch bool

	// 1クラスしか無い標本で学習しようとした複製は定数を返す
	constant bool
	label    float64
	fitted   bool
}

func NewSingle(c classifier.Classifier, batch bool) (*Single, error) {
	score, err := classifier.NewScorer(c)
	if err != nil {
		return nil, err
	}
	if batch && !classifier.CanPartialFit(c) {
		return nil, fmt.Errorf("classifier %T has no PartialFit, required in batch mode", c)
	}
	s := &Single{clf: c, score: score, Batch: batch}
	if f, ok := c.(classifier.FittedReporter); ok {
		s.fitted = f.IsFitted()
	}
	return s, nil
}

func (s *Single) Classifier() classifier.Classifier {
	return s.clf
}

func (s *Single) setConstant(label float64) {
	s.constant = true
	s.label = label
}

// ready reports whether Exploit can answer, either from a trained classifier or a constant.
func (s *Single) ready() bool {
	return s.fitted || s.constant
}

func (s *Single) Fit(X *mat.Dense, y []float64, _ *rand.Rand) error {
	s.constant = false
	if err := s.clf.Fit(X, y); err != nil {
		return err
	}
	s.fitted = true
	return nil
}

func (s *Single) PartialFit(X *mat.Dense, y []float64, _ *rand.Rand) error {
	pf, ok := s.clf.(classifier.PartialFitter)
	if !ok {
		return fmt.Errorf("classifier %T has no PartialFit", s.clf)
	}
	s.constant = false
	if err := pf.PartialFit(X, y); err != nil {
		return err
	}
	s.fitted = true
	return nil
}

func (s *Single) PartialFitWeighted(X *mat.Dense, y, w []float64) error {
	wf, ok := s.clf.(classifier.WeightedFitter)
	if !ok {
		return fmt.Errorf("classifier %T does not accept sample weights", s.clf)
	}
	s.constant = false
	if err := wf.PartialFitWeighted(X, y, w); err != nil {
		return err
	}
	s.fitted = true
	return nil
}

func (s *Single) Score(X *mat.Dense, _ *rand.Rand) ([]float64, error) {
	return s.Exploit(X)
}

func (s *Single) Exploit(X *mat.Dense) ([]float64, error) {
	if s.constant {
		n, _ := X.Dims()
		ys := make([]float64, n)
		for i := range ys {
			ys[i] = s.label
		}
		return ys, nil
	}
	return s.score(X)
}

func (s *Single) GradNorms(X *mat.Dense) ([]float64, []float64, error) {
	n, _ := X.Dims()
	if s.constant {
		return make([]float64, n), make([]float64, n), nil
	}
	g, ok := s.clf.(classifier.Gradienter)
	if !ok {
		return nil, nil, fmt.Errorf("classifier %T does not expose gradients", s.clf)
	}
	zeros := make([]float64, n)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1.0
	}
	gNeg, err := g.Gradient(X, zeros)
	if err != nil {
		return nil, nil, err
	}
	gPos, err := g.Gradient(X, ones)
	if err != nil {
		return nil, nil, err
	}
	return rowNorms(gNeg), rowNorms(gPos), nil
}

func (s *Single) TwoClass() bool {
	return true
}

func (s *Single) Clone() (Estimator, error) {
	c, err := NewSingle(s.clf.Clone(), s.Batch)
	if err != nil {
		return nil, err
	}
	c.constant = s.constant
	c.label = s.label
	c.fitted = s.fitted
	return c, nil
}

func rowNorms(g *mat.Dense) []float64 {
	n, _ := g.Dims()
	norms := make([]float64, n)
	for i := range norms {
		norms[i] = floats.Norm(g.RawRowView(i), 2)
	}
	return norms
}

func isOneClass(y []float64) (bool, float64) {
	if len(y) == 0 {
		return true, 0.0
	}
	for _, yi := range y[1:] {
		if yi != y[0] {
			return false, 0.0
		}
	}
	return true, y[0]
}
