package oracle

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/bandit/classifier"
	"github.com/sw965/bandit/mathx"
	"github.com/sw965/bandit/mathx/randx"
	"github.com/sw965/bandit/prior"
	"github.com/sw965/omw/parallel"
	"github.com/sw965/omw/slicesx"
	"gonum.org/v1/gonum/mat"
)

type ScoreMode int

const (
	UpperConfidence ScoreMode = iota
	ThompsonSampling
)

// Bootstrapped keeps independently resampled replicas of one classifier.
type Bootstrapped struct {
	Replicas []*Single
	Mode     ScoreMode
	// Percentile in [0, 100] taken across replicas in UpperConfidence mode.
	Percentile float64
	// SampleUnique picks a replica per row instead of per call.
	SampleUnique bool
	Weights      prior.WeightMethod
	Workers      int
}

// NewBootstrapped takes ownership of the given replicas.
func NewBootstrapped(replicas []*Single, mode ScoreMode, percentile float64, weights prior.WeightMethod, workers int) (*Bootstrapped, error) {
	if len(replicas) == 0 {
		return nil, fmt.Errorf("number of bootstrap samples must be positive, got 0")
	}
	if percentile < 0 || percentile > 100 {
		return nil, fmt.Errorf("percentile must be in [0, 100], got %g", percentile)
	}
	for _, r := range replicas {
		if weights == prior.GammaWeights && r.Batch && !classifier.CanWeight(r.clf) {
			return nil, fmt.Errorf("gamma bootstrap weights need a classifier accepting sample weights, %T does not", r.clf)
		}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Bootstrapped{
		Replicas:   replicas,
		Mode:       mode,
		Percentile: percentile,
		Weights:    weights,
		Workers:    workers,
	}, nil
}

func (b *Bootstrapped) Fit(X *mat.Dense, y []float64, rng *rand.Rand) error {
	n, _ := X.Dims()
	rngs := randx.Split(rng, len(b.Replicas))
	return parallel.For(len(b.Replicas), b.Workers, func(workerId, idx int) error {
		r := rngs[idx]
		// 復元抽出
		sample := make([]int, n)
		for i := range sample {
			sample[i] = r.IntN(n)
		}
		bX := rowsOf(X, sample)
		by, err := slicesx.ElementsByIndices(y, sample...)
		if err != nil {
			return err
		}
		replica := b.Replicas[idx]
		if ok, label := isOneClass(by); ok {
			replica.setConstant(label)
			return nil
		}
		return replica.Fit(bX, by, r)
	})
}

func (b *Bootstrapped) PartialFit(X *mat.Dense, y []float64, rng *rand.Rand) error {
	rngs := randx.Split(rng, len(b.Replicas))
	return parallel.For(len(b.Replicas), b.Workers, func(workerId, idx int) error {
		r := rngs[idx]
		replica := b.Replicas[idx]
		ws := b.Weights.Weights(len(y), r)
		if b.Weights == prior.GammaWeights {
			return replica.PartialFitWeighted(X, y, ws)
		}

		// ポアソン回数だけ行を繰り返す
		idxs := make([]int, 0, len(y))
		for i, w := range ws {
			for c := 0; c < int(w); c++ {
				idxs = append(idxs, i)
			}
		}
		if len(idxs) == 0 {
			if replica.ready() {
				return nil
			}
			// 未学習の複製は一度だけ一様な復元抽出で埋める
			idxs = make([]int, len(y))
			for i := range idxs {
				idxs[i] = r.IntN(len(y))
			}
		}
		by, err := slicesx.ElementsByIndices(y, idxs...)
		if err != nil {
			return err
		}
		if ok, label := isOneClass(by); ok && !replica.ready() {
			replica.setConstant(label)
			return nil
		}
		return replica.PartialFit(rowsOf(X, idxs), by, r)
	})
}

// replicaScores returns one column of exploit scores per replica.
func (b *Bootstrapped) replicaScores(X *mat.Dense) (*mat.Dense, error) {
	n, _ := X.Dims()
	scores := make([][]float64, len(b.Replicas))
	err := parallel.For(len(b.Replicas), b.Workers, func(workerId, idx int) error {
		s, err := b.Replicas[idx].Exploit(X)
		if err != nil {
			return err
		}
		scores[idx] = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	m := mat.NewDense(n, len(b.Replicas), nil)
	for j, s := range scores {
		m.SetCol(j, s)
	}
	return m, nil
}

func (b *Bootstrapped) Score(X *mat.Dense, rng *rand.Rand) ([]float64, error) {
	n, _ := X.Dims()
	if b.Mode == ThompsonSampling && !b.SampleUnique {
		replica, err := randx.Choice(b.Replicas, rng)
		if err != nil {
			return nil, err
		}
		return replica.Exploit(X)
	}

	scores, err := b.replicaScores(X)
	if err != nil {
		return nil, err
	}
	ys := make([]float64, n)
	for i := range ys {
		row := scores.RawRowView(i)
		if b.Mode == ThompsonSampling {
			ys[i] = row[rng.IntN(len(row))]
		} else {
			ys[i] = mathx.Percentile(row, b.Percentile)
		}
	}
	return ys, nil
}

func (b *Bootstrapped) Exploit(X *mat.Dense) ([]float64, error) {
	scores, err := b.replicaScores(X)
	if err != nil {
		return nil, err
	}
	n, k := scores.Dims()
	ys := make([]float64, n)
	for i := range ys {
		ys[i] = mat.Sum(scores.RowView(i)) / float64(k)
	}
	return ys, nil
}

// GradNorms averages the replica norms.
func (b *Bootstrapped) GradNorms(X *mat.Dense) ([]float64, []float64, error) {
	n, _ := X.Dims()
	neg := make([]float64, n)
	pos := make([]float64, n)
	for _, r := range b.Replicas {
		rNeg, rPos, err := r.GradNorms(X)
		if err != nil {
			return nil, nil, err
		}
		for i := range neg {
			neg[i] += rNeg[i] / float64(len(b.Replicas))
			pos[i] += rPos[i] / float64(len(b.Replicas))
		}
	}
	return neg, pos, nil
}

func (b *Bootstrapped) TwoClass() bool {
	return true
}

func (b *Bootstrapped) Clone() (Estimator, error) {
	c := *b
	c.Replicas = make([]*Single, len(b.Replicas))
	for i, r := range b.Replicas {
		rc, err := r.Clone()
		if err != nil {
			return nil, err
		}
		c.Replicas[i] = rc.(*Single)
	}
	return &c, nil
}

func rowsOf(X *mat.Dense, idxs []int) *mat.Dense {
	_, cols := X.Dims()
	sub := mat.NewDense(len(idxs), cols, nil)
	for i, idx := range idxs {
		sub.SetRow(i, X.RawRowView(idx))
	}
	return sub
}
