package oracle

import (
	"math/rand/v2"

	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/prior"
	"gonum.org/v1/gonum/mat"
)

// OneClassMode decides how an arm whose rewards are all equal is scored.
type OneClassMode int

const (
	// OneClassConstant scores the arm with the only label seen (0 without data)
	// and reports zero gradients. Seeded counters holding both classes score
	// the Beta posterior mean.
	OneClassConstant OneClassMode = iota
	// OneClassRandom draws scores from Beta(nPos+1, nNeg+1) and gradients
	// from prior.RandomGradNorms.
	OneClassRandom
)

func (m OneClassMode) String() string {
	if m == OneClassRandom {
		return "random"
	}
	return "zero"
}

// Arm owns one estimator and everything learned about that arm.
type Arm struct {
	Name      string
	Estimator Estimator

	NPos    int
	NNeg    int
	NChosen int

	rng     *rand.Rand
	buffer  *RefitBuffer
	fitted  bool
	pending *RefitBuffer
}

func NewArm(name string, est Estimator, bufferSize int, rng *rand.Rand) *Arm {
	a := &Arm{Name: name, Estimator: est, rng: rng}
	if bufferSize > 0 {
		a.buffer = NewRefitBuffer(bufferSize, randx.Split(rng, 1)[0])
	}
	return a
}

func (a *Arm) IsFitted() bool {
	return a.fitted
}

func (a *Arm) Buffer() *RefitBuffer {
	return a.buffer
}

// Fit retrains the arm on its full history. nChosen counts the rows where the
// arm was actually played; y may also hold augmented negatives.
func (a *Arm) Fit(X *mat.Dense, y []float64, nChosen int) error {
	a.NPos, a.NNeg = countLabels(y)
	a.NChosen = nChosen
	a.fitted = false
	a.pending = nil
	if a.buffer != nil {
		a.buffer.Reset()
	}
	if len(y) == 0 {
		return nil
	}
	if a.buffer != nil {
		a.buffer.AddBatch(X, y)
	}

	if oneClass, _ := isOneClass(y); oneClass && a.Estimator.TwoClass() {
		a.pending = NewRefitBuffer(len(y), a.rng)
		a.pending.AddBatch(X, y)
		return nil
	}
	if err := a.Estimator.Fit(X, y, a.rng); err != nil {
		return err
	}
	a.fitted = true
	return nil
}

func (a *Arm) PartialFit(X *mat.Dense, y []float64, nChosen int) error {
	if len(y) == 0 {
		return nil
	}
	nPos, nNeg := countLabels(y)
	a.NPos += nPos
	a.NNeg += nNeg
	a.NChosen += nChosen

	if !a.fitted && a.Estimator.TwoClass() {
		return a.fitPending(X, y)
	}

	if a.buffer != nil {
		X, y = a.buffer.Batch(X, y)
	}
	if err := a.Estimator.PartialFit(X, y, a.rng); err != nil {
		return err
	}
	a.fitted = true
	return nil
}

// fitPending accumulates rows until both classes have been seen, then trains on all of them.
func (a *Arm) fitPending(X *mat.Dense, y []float64) error {
	var allX *mat.Dense
	var allY []float64
	if a.pending != nil {
		allX, allY = a.pending.Contents()
	}
	allX = stack(allX, X)
	allY = append(allY, y...)

	if oneClass, _ := isOneClass(allY); oneClass {
		a.pending = NewRefitBuffer(len(allY), a.rng)
		a.pending.AddBatch(allX, allY)
		return nil
	}

	a.pending = nil
	if a.buffer != nil {
		a.buffer.Reset()
		a.buffer.AddBatch(allX, allY)
	}
	if err := a.Estimator.PartialFit(allX, allY, a.rng); err != nil {
		return err
	}
	a.fitted = true
	return nil
}

// oneClassLabel is the label an unfitted arm has seen, or the Beta(nPos+1, nNeg+1)
// mean when its counters were seeded with both classes.
func (a *Arm) oneClassLabel() float64 {
	switch {
	case a.NPos > 0 && a.NNeg > 0:
		return (float64(a.NPos) + 1.0) / (float64(a.NPos+a.NNeg) + 2.0)
	case a.NPos > 0:
		return 1.0
	default:
		return 0.0
	}
}

func (a *Arm) guarded() bool {
	return !a.fitted && a.Estimator.TwoClass()
}

// Score returns the exploration score, with the prior and smoothing applied.
func (a *Arm) Score(X *mat.Dense, mode OneClassMode, p *prior.Beta, s *prior.Smoothing) ([]float64, error) {
	n, _ := X.Dims()
	if p != nil && p.Applies(a.NPos) {
		return a.smooth(p.Draw(n, a.rng), s), nil
	}

	var ys []float64
	if a.guarded() {
		ys = make([]float64, n)
		for i := range ys {
			if mode == OneClassRandom {
				ys[i] = randx.Beta(float64(a.NPos)+1.0, float64(a.NNeg)+1.0, a.rng)
			} else {
				ys[i] = a.oneClassLabel()
			}
		}
	} else {
		var err error
		ys, err = a.Estimator.Score(X, a.rng)
		if err != nil {
			return nil, err
		}
	}
	return a.smooth(ys, s), nil
}

// Exploit returns the point estimate. The prior is not applied.
func (a *Arm) Exploit(X *mat.Dense, mode OneClassMode, s *prior.Smoothing) ([]float64, error) {
	n, _ := X.Dims()
	if a.guarded() {
		ys := make([]float64, n)
		for i := range ys {
			if mode == OneClassRandom {
				ys[i] = (float64(a.NPos) + 1.0) / (float64(a.NPos+a.NNeg) + 2.0)
			} else {
				ys[i] = a.oneClassLabel()
			}
		}
		return a.smooth(ys, s), nil
	}
	ys, err := a.Estimator.Exploit(X)
	if err != nil {
		return nil, err
	}
	return a.smooth(ys, s), nil
}

func (a *Arm) GradNorms(X *mat.Dense, mode OneClassMode) ([]float64, []float64, error) {
	n, cols := X.Dims()
	if a.guarded() {
		if mode == OneClassRandom {
			neg, pos := prior.RandomGradNorms(n, cols, a.NPos, a.NNeg, a.rng)
			return neg, pos, nil
		}
		neg, pos := prior.ZeroGradNorms(n)
		return neg, pos, nil
	}
	return a.Estimator.GradNorms(X)
}

func (a *Arm) smooth(ys []float64, s *prior.Smoothing) []float64 {
	if s == nil {
		return ys
	}
	for i := range ys {
		ys[i] = s.Apply(ys[i], a.NChosen)
	}
	return ys
}

func countLabels(y []float64) (int, int) {
	nPos := 0
	for _, yi := range y {
		if yi > 0 {
			nPos++
		}
	}
	return nPos, len(y) - nPos
}
