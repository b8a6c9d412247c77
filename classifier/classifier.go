// Package classifier defines the capability contract the bandit engine consumes
// from a caller-supplied binary classifier.
//
// Only Fit and Clone are mandatory. Every other capability is an optional
// interface probed once when an oracle is built.
package classifier

import (
	"fmt"

	"github.com/sw965/bandit/mathx"
	"gonum.org/v1/gonum/mat"
)

// Classifier is a binary classifier trained on labels in {0, 1}.
// Clone must return an independent copy carrying the current coefficients.
type Classifier interface {
	Fit(X mat.Matrix, y []float64) error
	Clone() Classifier
}

type PartialFitter interface {
	PartialFit(X mat.Matrix, y []float64) error
}

type WeightedFitter interface {
	FitWeighted(X mat.Matrix, y, w []float64) error
	PartialFitWeighted(X mat.Matrix, y, w []float64) error
}

// ProbaPredictor returns an n×2 matrix of P(negative), P(positive).
type ProbaPredictor interface {
	PredictProba(X mat.Matrix) (*mat.Dense, error)
}

// DecisionFunctioner returns unbounded margins; the engine applies a sigmoid.
type DecisionFunctioner interface {
	DecisionFunction(X mat.Matrix) ([]float64, error)
}

// Predictor returns scores already in [0, 1].
type Predictor interface {
	Predict(X mat.Matrix) ([]float64, error)
}

// FittedReporter lets the engine tell a trained classifier from a fresh one.
type FittedReporter interface {
	IsFitted() bool
}

type WarmStarter interface {
	WarmStart() bool
}

// Gradienter returns, for every row, the gradient of the log-loss with
// respect to the model coefficients had the row been labelled y.
type Gradienter interface {
	Gradient(X mat.Matrix, y []float64) (*mat.Dense, error)
}

// ScoreFunc maps contexts to a per-row score in [0, 1].
type ScoreFunc func(X mat.Matrix) ([]float64, error)

// NewScorer selects how scores are obtained from c, checking
// PredictProba, DecisionFunction and Predict in that order.
func NewScorer(c Classifier) (ScoreFunc, error) {
	if c == nil {
		return nil, fmt.Errorf("classifier must not be nil")
	}

	if p, ok := c.(ProbaPredictor); ok {
		return func(X mat.Matrix) ([]float64, error) {
			proba, err := p.PredictProba(X)
			if err != nil {
				return nil, err
			}
			rows, cols := proba.Dims()
			if cols != 2 {
				return nil, fmt.Errorf("PredictProba must return 2 columns, got %d", cols)
			}
			ys := make([]float64, rows)
			for i := range ys {
				ys[i] = proba.At(i, 1)
			}
			return ys, nil
		}, nil
	}

	if d, ok := c.(DecisionFunctioner); ok {
		return func(X mat.Matrix) ([]float64, error) {
			u, err := d.DecisionFunction(X)
			if err != nil {
				return nil, err
			}
			ys := make([]float64, len(u))
			for i, ui := range u {
				ys[i] = mathx.Sigmoid(ui)
			}
			return ys, nil
		}, nil
	}

	if p, ok := c.(Predictor); ok {
		return p.Predict, nil
	}
	return nil, fmt.Errorf("classifier %T has none of PredictProba, DecisionFunction or Predict", c)
}

func CanPartialFit(c Classifier) bool {
	_, ok := c.(PartialFitter)
	return ok
}

func CanWeight(c Classifier) bool {
	_, ok := c.(WeightedFitter)
	return ok
}

func CanWarmStart(c Classifier) bool {
	w, ok := c.(WarmStarter)
	return ok && w.WarmStart()
}

func CanGradient(c Classifier) bool {
	_, ok := c.(Gradienter)
	return ok
}
