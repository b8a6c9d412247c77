package oracle

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

type LinearMethod int

const (
	// Cholesky re-solves the regularised normal equations on every update.
	Cholesky LinearMethod = iota
	// ShermanMorrison keeps A⁻¹ and applies one rank-1 update per row.
	ShermanMorrison
)

func ParseLinearMethod(s string) (LinearMethod, error) {
	switch s {
	case "chol", "":
		return Cholesky, nil
	case "sm":
		return ShermanMorrison, nil
	default:
		return 0, fmt.Errorf("unknown linear update method %q (want \"chol\" or \"sm\")", s)
	}
}

func (m LinearMethod) String() string {
	if m == ShermanMorrison {
		return "sm"
	}
	return "chol"
}

// Linear is a ridge regression on the rewards, A = λI + Σx̃x̃ᵀ and b = Σrx̃.
// Its dimension is taken from the first matrix it sees.
type Linear struct {
	Lambda    float64
	Alpha     float64
	V         float64
	Intercept bool
	Method    LinearMethod
	Mode      ScoreMode

	dim   int
	a     *mat.SymDense
	aInv  *mat.SymDense
	b     *mat.VecDense
	theta *mat.VecDense
}

func NewLinear(lambda, alpha, v float64, intercept bool, method LinearMethod, mode ScoreMode) (*Linear, error) {
	if lambda <= 0 {
		return nil, fmt.Errorf("lambda must be positive, got %g", lambda)
	}
	if alpha < 0 {
		return nil, fmt.Errorf("alpha must be non-negative, got %g", alpha)
	}
	if v < 0 {
		return nil, fmt.Errorf("v_sq must be non-negative, got %g", v)
	}
	return &Linear{
		Lambda:    lambda,
		Alpha:     alpha,
		V:         v,
		Intercept: intercept,
		Method:    method,
		Mode:      mode,
	}, nil
}

func (l *Linear) augment(x []float64) []float64 {
	if !l.Intercept {
		return slices.Clone(x)
	}
	return append(slices.Clone(x), 1.0)
}

func (l *Linear) reset(cols int) {
	d := cols
	if l.Intercept {
		d++
	}
	l.dim = d
	l.a = mat.NewSymDense(d, nil)
	l.aInv = mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		l.a.SetSym(i, i, l.Lambda)
		l.aInv.SetSym(i, i, 1.0/l.Lambda)
	}
	l.b = mat.NewVecDense(d, nil)
	l.theta = mat.NewVecDense(d, nil)
}

func (l *Linear) ensure(cols int) error {
	want := cols
	if l.Intercept {
		want++
	}
	if l.dim == 0 {
		l.reset(cols)
		return nil
	}
	if l.dim != want {
		return fmt.Errorf("X has %d columns, linear model expects %d", cols, l.dim-boolToInt(l.Intercept))
	}
	return nil
}

func (l *Linear) Fit(X *mat.Dense, y []float64, rng *rand.Rand) error {
	_, cols := X.Dims()
	l.reset(cols)
	return l.PartialFit(X, y, rng)
}

func (l *Linear) PartialFit(X *mat.Dense, y []float64, _ *rand.Rand) error {
	_, cols := X.Dims()
	if err := l.ensure(cols); err != nil {
		return err
	}
	for i, yi := range y {
		x := mat.NewVecDense(l.dim, l.augment(X.RawRowView(i)))
		l.a.SymRankOne(l.a, 1.0, x)
		l.b.AddScaledVec(l.b, yi, x)
		if l.Method == ShermanMorrison {
			// A⁻¹ ← A⁻¹ - (A⁻¹x)(A⁻¹x)ᵀ / (1 + xᵀA⁻¹x)
			var u mat.VecDense
			u.MulVec(l.aInv, x)
			denom := 1.0 + mat.Dot(x, &u)
			l.aInv.SymRankOne(l.aInv, -1.0/denom, &u)
		}
	}

	if l.Method == ShermanMorrison {
		l.theta.MulVec(l.aInv, l.b)
		return nil
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(l.a); !ok {
		return fmt.Errorf("design matrix is not positive definite")
	}
	if err := chol.SolveVecTo(l.theta, l.b); err != nil {
		return err
	}
	return chol.InverseTo(l.aInv)
}

func (l *Linear) Coefficients() []float64 {
	if l.theta == nil {
		return nil
	}
	return slices.Clone(l.theta.RawVector().Data)
}

func (l *Linear) Exploit(X *mat.Dense) ([]float64, error) {
	return l.predict(X, l.theta)
}

func (l *Linear) predict(X *mat.Dense, theta *mat.VecDense) ([]float64, error) {
	n, cols := X.Dims()
	if err := l.ensure(cols); err != nil {
		return nil, err
	}
	if theta == nil {
		theta = l.theta
	}
	ys := make([]float64, n)
	for i := range ys {
		ys[i] = mat.Dot(mat.NewVecDense(l.dim, l.augment(X.RawRowView(i))), theta)
	}
	return ys, nil
}

func (l *Linear) Score(X *mat.Dense, rng *rand.Rand) ([]float64, error) {
	n, cols := X.Dims()
	if err := l.ensure(cols); err != nil {
		return nil, err
	}

	if l.Mode == ThompsonSampling {
		var cov mat.SymDense
		cov.ScaleSym(l.V*l.V, l.aInv)
		theta := l.theta
		if normal, ok := distmv.NewNormal(l.theta.RawVector().Data, &cov, rng); ok {
			theta = mat.NewVecDense(l.dim, normal.Rand(nil))
		}
		return l.predict(X, theta)
	}

	ys := make([]float64, n)
	for i := range ys {
		x := mat.NewVecDense(l.dim, l.augment(X.RawRowView(i)))
		ys[i] = mat.Dot(x, l.theta) + l.Alpha*math.Sqrt(math.Max(mat.Inner(x, l.aInv, x), 0))
	}
	return ys, nil
}

// GradNorms returns the squared-loss gradient norms |x̃ᵀθ - y|·‖x̃‖.
func (l *Linear) GradNorms(X *mat.Dense) ([]float64, []float64, error) {
	pred, err := l.Exploit(X)
	if err != nil {
		return nil, nil, err
	}
	neg := make([]float64, len(pred))
	pos := make([]float64, len(pred))
	for i, p := range pred {
		norm := floats.Norm(l.augment(X.RawRowView(i)), 2)
		neg[i] = math.Abs(p) * norm
		pos[i] = math.Abs(p-1.0) * norm
	}
	return neg, pos, nil
}

func (l *Linear) TwoClass() bool {
	return false
}

func (l *Linear) Clone() (Estimator, error) {
	c := *l
	if l.dim != 0 {
		c.a = mat.NewSymDense(l.dim, nil)
		c.a.CopySym(l.a)
		c.aInv = mat.NewSymDense(l.dim, nil)
		c.aInv.CopySym(l.aInv)
		c.b = mat.VecDenseCopyOf(l.b)
		c.theta = mat.VecDenseCopyOf(l.theta)
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
