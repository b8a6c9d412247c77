package oracle

import (
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// RefitBuffer keeps at most Cap rows of an arm's history. It fills first-come,
// then every new row overwrites a uniformly chosen slot.
type RefitBuffer struct {
	Cap int
	xs  [][]float64
	ys  []float64
	rng *rand.Rand
}

func NewRefitBuffer(capacity int, rng *rand.Rand) *RefitBuffer {
	return &RefitBuffer{
		Cap: capacity,
		xs:  make([][]float64, 0, capacity),
		ys:  make([]float64, 0, capacity),
		rng: rng,
	}
}

func (b *RefitBuffer) Len() int {
	return len(b.ys)
}

func (b *RefitBuffer) Full() bool {
	return len(b.ys) >= b.Cap
}

func (b *RefitBuffer) Reset() {
	b.xs = b.xs[:0]
	b.ys = b.ys[:0]
}

func (b *RefitBuffer) Add(x []float64, y float64) {
	if !b.Full() {
		b.xs = append(b.xs, slices.Clone(x))
		b.ys = append(b.ys, y)
		return
	}
	i := b.rng.IntN(b.Cap)
	b.xs[i] = slices.Clone(x)
	b.ys[i] = y
}

func (b *RefitBuffer) AddBatch(X *mat.Dense, y []float64) {
	for i, yi := range y {
		b.Add(X.RawRowView(i), yi)
	}
}

// Contents returns a copy of the stored rows, or nil when empty.
func (b *RefitBuffer) Contents() (*mat.Dense, []float64) {
	if len(b.ys) == 0 {
		return nil, nil
	}
	X := mat.NewDense(len(b.xs), len(b.xs[0]), nil)
	for i, x := range b.xs {
		X.SetRow(i, x)
	}
	return X, slices.Clone(b.ys)
}

// Batch returns the stored rows followed by the new ones, then stores the new ones.
func (b *RefitBuffer) Batch(X *mat.Dense, y []float64) (*mat.Dense, []float64) {
	oldX, oldY := b.Contents()
	b.AddBatch(X, y)
	if oldX == nil {
		return X, y
	}
	return stack(oldX, X), append(oldY, y...)
}

func stack(top, bottom *mat.Dense) *mat.Dense {
	if top == nil {
		return bottom
	}
	if bottom == nil {
		return top
	}
	var out mat.Dense
	out.Stack(top, bottom)
	return &out
}
