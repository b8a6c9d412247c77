// Package logistic is an L2-regularised binary logistic regression satisfying
// every optional capability of package classifier.
//
// Fit solves the penalised problem with Newton iterations. PartialFit runs
// momentum SGD over the new batch, so it can follow a stream.
package logistic

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/omw/parallel"
	"github.com/sw965/omw/slicesx"
	"gonum.org/v1/gonum/mat"
)

// 切片はL2罰則を受けないが、ヘッセ行列を正定値に保つ為に極小の罰則を置く
const interceptRidge = 1e-6

type Config struct {
	Lambda        float64
	FitIntercept  bool
	MaxIter       int
	Tol           float64
	LearningRate  float64
	MomentumRate  float64
	Epochs        int
	MiniBatchSize int
	WarmStartFlag bool
	Parallel      int
	Seed          uint64
}

func DefaultConfig() Config {
	return Config{
		Lambda:        1.0,
		FitIntercept:  true,
		MaxIter:       50,
		Tol:           1e-7,
		LearningRate:  0.1,
		MomentumRate:  0.9,
		Epochs:        1,
		MiniBatchSize: 32,
		Parallel:      1,
	}
}

func (c Config) Validate() error {
	if c.Lambda < 0 {
		return fmt.Errorf("Lambda must be non-negative, got %g", c.Lambda)
	}
	if c.MaxIter <= 0 {
		return fmt.Errorf("MaxIter must be positive, got %d", c.MaxIter)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("LearningRate must be positive, got %g", c.LearningRate)
	}
	if c.MomentumRate < 0 || c.MomentumRate >= 1 {
		return fmt.Errorf("MomentumRate must be in [0, 1), got %g", c.MomentumRate)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("Epochs must be positive, got %d", c.Epochs)
	}
	if c.MiniBatchSize <= 0 {
		return fmt.Errorf("MiniBatchSize must be positive, got %d", c.MiniBatchSize)
	}
	return nil
}

type Model struct {
	Config    Config
	Parameter Parameter

	velocity GradBuffer
	fitted   bool
	rng      *rand.Rand
}

func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{Config: cfg, rng: randx.New(cfg.Seed)}, nil
}

func (m *Model) IsFitted() bool {
	return m.fitted
}

func (m *Model) WarmStart() bool {
	return m.Config.WarmStartFlag
}

// Clone copies the coefficients. The copy's generator is split off m's, so
// clones of one model shuffle mini-batches differently.
func (m *Model) Clone() classifier.Classifier {
	if m.rng == nil {
		m.rng = randx.New(m.Config.Seed)
	}
	return &Model{
		Config:    m.Config,
		Parameter: m.Parameter.Clone(),
		velocity:  GradBuffer{Weight: slices.Clone(m.velocity.Weight), Bias: m.velocity.Bias},
		fitted:    m.fitted,
		rng:       randx.Split(m.rng, 1)[0],
	}
}

// Dim is the length of the augmented coefficient vector.
func (m *Model) Dim() int {
	if m.Config.FitIntercept {
		return len(m.Parameter.Weight) + 1
	}
	return len(m.Parameter.Weight)
}

// Augment appends the intercept column to x when the model fits one.
func (m *Model) Augment(x []float64) []float64 {
	if !m.Config.FitIntercept {
		return slices.Clone(x)
	}
	return append(slices.Clone(x), 1.0)
}

// Flatten returns the coefficients in the layout of Augment.
func (m *Model) Flatten() []float64 {
	return m.flattenGrad(GradBuffer(m.Parameter))
}

func (m *Model) workers() int {
	if m.Config.Parallel <= 0 {
		return 1
	}
	return m.Config.Parallel
}

func (m *Model) margin(x []float64) float64 {
	u := m.Parameter.Bias
	for j, wj := range m.Parameter.Weight {
		u += wj * x[j]
	}
	return u
}

func (m *Model) BackPropagate(x []float64, t, w float64) GradBuffer {
	p := mathx.Sigmoid(m.margin(x))
	// 交差エントロピーとシグモイドの合成なので dL/du = p - t
	dLdu := w * (p - t)
	grad := m.Parameter.NewGradBufferZerosLike()
	for j := range grad.Weight {
		grad.Weight[j] = dLdu * x[j]
	}
	if m.Config.FitIntercept {
		grad.Bias = dLdu
	}
	return grad
}

// ComputeGrad sums the unpenalised log-loss gradient over the rows of X.
func (m *Model) ComputeGrad(X *mat.Dense, y, w []float64) (GradBuffer, error) {
	n, _ := X.Dims()
	p := m.workers()
	grads := make(GradBuffers, p)
	for i := range grads {
		grads[i] = m.Parameter.NewGradBufferZerosLike()
	}

	err := parallel.For(n, p, func(workerId, idx int) error {
		grad := m.BackPropagate(X.RawRowView(idx), y[idx], weightAt(w, idx))
		grads[workerId].Axpy(1.0, grad)
		return nil
	})
	if err != nil {
		return GradBuffer{}, err
	}
	return grads.Total(), nil
}

// Hessian returns Σ w p(1-p) x̃x̃ᵀ over the rows of X at the current coefficients,
// without the penalty term.
func (m *Model) Hessian(X mat.Matrix, w []float64) (*mat.SymDense, error) {
	x := asDense(X)
	n, cols := x.Dims()
	if m.fitted && cols != len(m.Parameter.Weight) {
		return nil, fmt.Errorf("X has %d columns, model has %d", cols, len(m.Parameter.Weight))
	}
	dim := m.Dim()
	p := m.workers()
	hs := make([]*mat.SymDense, p)
	for i := range hs {
		hs[i] = mat.NewSymDense(dim, nil)
	}

	err := parallel.For(n, p, func(workerId, idx int) error {
		xi := x.RawRowView(idx)
		pi := mathx.Sigmoid(m.margin(xi))
		s := weightAt(w, idx) * pi * (1.0 - pi)
		h := hs[workerId]
		h.SymRankOne(h, s, mat.NewVecDense(dim, m.Augment(xi)))
		return nil
	})
	if err != nil {
		return nil, err
	}

	total := mat.NewSymDense(dim, nil)
	for _, h := range hs {
		total.AddSym(total, h)
	}
	return total, nil
}

// Ridge is the diagonal of the penalty Hessian.
func (m *Model) Ridge() []float64 {
	r := make([]float64, m.Dim())
	for j := range m.Parameter.Weight {
		r[j] = m.Config.Lambda
	}
	if m.Config.FitIntercept {
		r[len(r)-1] = interceptRidge
	}
	return r
}

func (m *Model) Fit(X mat.Matrix, y []float64) error {
	return m.FitWeighted(X, y, nil)
}

func (m *Model) FitWeighted(X mat.Matrix, y, w []float64) error {
	x := asDense(X)
	n, cols := x.Dims()
	if err := checkXY(n, y, w); err != nil {
		return err
	}

	if !(m.Config.WarmStartFlag && m.fitted && len(m.Parameter.Weight) == cols) {
		m.Parameter = NewZerosParameter(cols)
	}
	m.fitted = true

	for iter := 0; iter < m.Config.MaxIter; iter++ {
		grad, err := m.ComputeGrad(x, y, w)
		if err != nil {
			return err
		}
		for j := range grad.Weight {
			grad.Weight[j] += m.Config.Lambda * m.Parameter.Weight[j]
		}
		if m.Config.FitIntercept {
			grad.Bias += interceptRidge * m.Parameter.Bias
		}

		h, err := m.Hessian(x, w)
		if err != nil {
			return err
		}
		for j, r := range m.Ridge() {
			h.SetSym(j, j, h.At(j, j)+r)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(h); !ok {
			return fmt.Errorf("Hessian is not positive definite after %d iterations", iter)
		}
		var step mat.VecDense
		if err := chol.SolveVecTo(&step, mat.NewVecDense(m.Dim(), m.flattenGrad(grad))); err != nil {
			return err
		}

		delta := m.unflattenGrad(&step)
		if err := m.Parameter.Axpy(-1.0, delta); err != nil {
			return err
		}
		if delta.MaxAbs() < m.Config.Tol {
			break
		}
	}
	m.velocity = m.Parameter.NewGradBufferZerosLike()
	return nil
}

func (m *Model) PartialFit(X mat.Matrix, y []float64) error {
	return m.PartialFitWeighted(X, y, nil)
}

func (m *Model) PartialFitWeighted(X mat.Matrix, y, w []float64) error {
	x := asDense(X)
	n, cols := x.Dims()
	if err := checkXY(n, y, w); err != nil {
		return err
	}

	if !m.fitted || len(m.Parameter.Weight) != cols {
		m.Parameter = NewZerosParameter(cols)
		m.velocity = m.Parameter.NewGradBufferZerosLike()
	}
	m.fitted = true

	size := min(m.Config.MiniBatchSize, n)
	lr := m.Config.LearningRate
	for epoch := 0; epoch < m.Config.Epochs; epoch++ {
		idxs := m.rng.Perm(n)
		for i := 0; i < n; i += size {
			miniIdxs := idxs[i:min(i+size, n)]
			miniX := rowsOf(x, miniIdxs)
			miniY, err := slicesx.ElementsByIndices(y, miniIdxs...)
			if err != nil {
				return err
			}
			var miniW []float64
			if w != nil {
				miniW, err = slicesx.ElementsByIndices(w, miniIdxs...)
				if err != nil {
					return err
				}
			}

			grad, err := m.ComputeGrad(miniX, miniY, miniW)
			if err != nil {
				return err
			}
			grad.Scal(1.0 / float64(len(miniIdxs)))
			for j := range grad.Weight {
				grad.Weight[j] += m.Config.Lambda * m.Parameter.Weight[j] / float64(n)
			}

			// https://github.com/oreilly-japan/deep-learning-from-scratch/blob/master/common/optimizer.py
			m.velocity.Scal(m.Config.MomentumRate)
			m.velocity.Axpy(-lr, grad)
			if err := m.Parameter.Axpy(1.0, m.velocity); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Model) requireFitted(X mat.Matrix) (*mat.Dense, error) {
	if !m.fitted {
		return nil, fmt.Errorf("logistic model has not been fitted yet")
	}
	x := asDense(X)
	if _, cols := x.Dims(); cols != len(m.Parameter.Weight) {
		return nil, fmt.Errorf("X has %d columns, model has %d", cols, len(m.Parameter.Weight))
	}
	return x, nil
}

func (m *Model) DecisionFunction(X mat.Matrix) ([]float64, error) {
	x, err := m.requireFitted(X)
	if err != nil {
		return nil, err
	}
	n, _ := x.Dims()
	u := make([]float64, n)
	for i := range u {
		u[i] = m.margin(x.RawRowView(i))
	}
	return u, nil
}

func (m *Model) PredictProba(X mat.Matrix) (*mat.Dense, error) {
	u, err := m.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	proba := mat.NewDense(len(u), 2, nil)
	for i, ui := range u {
		p := mathx.Sigmoid(ui)
		proba.Set(i, 0, 1.0-p)
		proba.Set(i, 1, p)
	}
	return proba, nil
}

// Predict returns hard labels.
func (m *Model) Predict(X mat.Matrix) ([]float64, error) {
	u, err := m.DecisionFunction(X)
	if err != nil {
		return nil, err
	}
	ys := make([]float64, len(u))
	for i, ui := range u {
		if ui >= 0 {
			ys[i] = 1.0
		}
	}
	return ys, nil
}

func (m *Model) Gradient(X mat.Matrix, y []float64) (*mat.Dense, error) {
	x, err := m.requireFitted(X)
	if err != nil {
		return nil, err
	}
	n, _ := x.Dims()
	if len(y) != n {
		return nil, fmt.Errorf("X has %d rows but y has %d", n, len(y))
	}
	dim := m.Dim()
	g := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		grad := m.BackPropagate(x.RawRowView(i), y[i], 1.0)
		g.SetRow(i, m.flattenGrad(grad))
	}
	return g, nil
}

func (m *Model) Coefficients() Parameter {
	return m.Parameter.Clone()
}

func (m *Model) flattenGrad(g GradBuffer) []float64 {
	v := slices.Clone(g.Weight)
	if m.Config.FitIntercept {
		v = append(v, g.Bias)
	}
	return v
}

func (m *Model) unflattenGrad(v *mat.VecDense) GradBuffer {
	g := m.Parameter.NewGradBufferZerosLike()
	for j := range g.Weight {
		g.Weight[j] = v.AtVec(j)
	}
	if m.Config.FitIntercept {
		g.Bias = v.AtVec(len(g.Weight))
	}
	return g
}

func checkXY(n int, y, w []float64) error {
	if n == 0 {
		return fmt.Errorf("X must have at least one row")
	}
	if len(y) != n {
		return fmt.Errorf("X has %d rows but y has %d", n, len(y))
	}
	if w != nil && len(w) != n {
		return fmt.Errorf("X has %d rows but w has %d", n, len(w))
	}
	return nil
}

func weightAt(w []float64, i int) float64 {
	if w == nil {
		return 1.0
	}
	return w[i]
}

func asDense(X mat.Matrix) *mat.Dense {
	if d, ok := X.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(X)
}

func rowsOf(x *mat.Dense, idxs []int) *mat.Dense {
	_, cols := x.Dims()
	sub := mat.NewDense(len(idxs), cols, nil)
	for i, idx := range idxs {
		sub.SetRow(i, x.RawRowView(idx))
	}
	return sub
}
