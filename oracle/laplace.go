package oracle

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sw965/bandit/classifier/logistic"
	"github.com/sw965/bandit/mathx"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// Laplace is a logistic regression whose coefficient uncertainty is the Laplace
// approximation Σ = (X̃ᵀ diag(p(1-p)) X̃ + λI)⁻¹ accumulated over every batch seen.
type Laplace struct {
	Model *logistic.Model
	Mode  ScoreMode
	// Percentile in (0, 100) of the margin used in UpperConfidence mode.
	Percentile float64
	V          float64

	z         float64
	precision *mat.SymDense
	sigma     *mat.SymDense
}

func NewLaplace(model *logistic.Model, mode ScoreMode, percentile, v float64) (*Laplace, error) {
	if mode == UpperConfidence && (percentile <= 0 || percentile >= 100) {
		return nil, fmt.Errorf("percentile must be in (0, 100), got %g", percentile)
	}
	if v < 0 {
		return nil, fmt.Errorf("v_sq must be non-negative, got %g", v)
	}
	return &Laplace{
		Model:      model,
		Mode:       mode,
		Percentile: percentile,
		V:          v,
		z:          distuv.UnitNormal.Quantile(percentile / 100.0),
	}, nil
}

func (l *Laplace) ridge() *mat.SymDense {
	r := l.Model.Ridge()
	p := mat.NewSymDense(len(r), nil)
	for i, ri := range r {
		p.SetSym(i, i, ri)
	}
	return p
}

func (l *Laplace) updateSigma(X *mat.Dense) error {
	h, err := l.Model.Hessian(X, nil)
	if err != nil {
		return err
	}
	l.precision.AddSym(l.precision, h)

	var chol mat.Cholesky
	if ok := chol.Factorize(l.precision); !ok {
		return fmt.Errorf("Laplace precision matrix is not positive definite")
	}
	l.sigma = mat.NewSymDense(l.Model.Dim(), nil)
	return chol.InverseTo(l.sigma)
}

func (l *Laplace) Fit(X *mat.Dense, y []float64, _ *rand.Rand) error {
	if err := l.Model.Fit(X, y); err != nil {
		return err
	}
	l.precision = l.ridge()
	return l.updateSigma(X)
}

func (l *Laplace) PartialFit(X *mat.Dense, y []float64, _ *rand.Rand) error {
	if err := l.Model.PartialFit(X, y); err != nil {
		return err
	}
	if l.precision == nil || l.precision.SymmetricDim() != l.Model.Dim() {
		l.precision = l.ridge()
	}
	return l.updateSigma(X)
}

func (l *Laplace) margins(X *mat.Dense, w []float64) []float64 {
	n, _ := X.Dims()
	wv := mat.NewVecDense(len(w), w)
	u := make([]float64, n)
	for i := range u {
		u[i] = mat.Dot(mat.NewVecDense(len(w), l.Model.Augment(X.RawRowView(i))), wv)
	}
	return u
}

func (l *Laplace) Exploit(X *mat.Dense) ([]float64, error) {
	u, err := l.Model.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	for i := range u {
		u[i] = mathx.Sigmoid(u[i])
	}
	return u, nil
}

func (l *Laplace) Score(X *mat.Dense, rng *rand.Rand) ([]float64, error) {
	if !l.Model.IsFitted() || l.sigma == nil {
		return nil, fmt.Errorf("logistic model has not been fitted yet")
	}
	if _, cols := X.Dims(); cols != len(l.Model.Parameter.Weight) {
		return nil, fmt.Errorf("X has %d columns, model has %d", cols, len(l.Model.Parameter.Weight))
	}
	w := l.Model.Flatten()

	if l.Mode == ThompsonSampling {
		var cov mat.SymDense
		cov.ScaleSym(l.V*l.V, l.sigma)
		if normal, ok := distmv.NewNormal(w, &cov, rng); ok {
			w = normal.Rand(nil)
		}
		u := l.margins(X, w)
		for i := range u {
			u[i] = mathx.Sigmoid(u[i])
		}
		return u, nil
	}

	u := l.margins(X, w)
	for i := range u {
		x := mat.NewVecDense(len(w), l.Model.Augment(X.RawRowView(i)))
		sd := math.Sqrt(math.Max(mat.Inner(x, l.sigma, x), 0))
		u[i] = mathx.Sigmoid(u[i] + l.z*sd)
	}
	return u, nil
}

func (l *Laplace) GradNorms(X *mat.Dense) ([]float64, []float64, error) {
	s := &Single{clf: l.Model}
	return s.GradNorms(X)
}

func (l *Laplace) TwoClass() bool {
	return true
}

func (l *Laplace) Clone() (Estimator, error) {
	c := *l
	c.Model = l.Model.Clone().(*logistic.Model)
	if l.precision != nil {
		c.precision = mat.NewSymDense(l.precision.SymmetricDim(), nil)
		c.precision.CopySym(l.precision)
	}
	if l.sigma != nil {
		c.sigma = mat.NewSymDense(l.sigma.SymmetricDim(), nil)
		c.sigma.CopySym(l.sigma)
	}
	return &c, nil
}
