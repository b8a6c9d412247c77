package logistic

import (
	"fmt"
	"math"
	"slices"
)

type Parameter struct {
	Weight []float64
	Bias   float64
}

func NewZerosParameter(n int) Parameter {
	return Parameter{Weight: make([]float64, n)}
}

func (p Parameter) Clone() Parameter {
	return Parameter{
		Weight: slices.Clone(p.Weight),
		Bias:   p.Bias,
	}
}

func (p Parameter) NewGradBufferZerosLike() GradBuffer {
	return GradBuffer{Weight: make([]float64, len(p.Weight))}
}

func (p *Parameter) Axpy(alpha float64, x GradBuffer) error {
	if len(p.Weight) != len(x.Weight) {
		return fmt.Errorf("parameter sizes do not match in Axpy: %d != %d", len(p.Weight), len(x.Weight))
	}
	for i := range p.Weight {
		p.Weight[i] += alpha * x.Weight[i]
	}
	p.Bias += alpha * x.Bias
	return nil
}

type GradBuffer struct {
	Weight []float64
	Bias   float64
}

func (g *GradBuffer) NewZerosLike() GradBuffer {
	return GradBuffer{Weight: make([]float64, len(g.Weight))}
}

func (g *GradBuffer) Axpy(alpha float64, x GradBuffer) {
	for i := range g.Weight {
		g.Weight[i] += alpha * x.Weight[i]
	}
	g.Bias += alpha * x.Bias
}

func (g *GradBuffer) Scal(alpha float64) {
	for i := range g.Weight {
		g.Weight[i] *= alpha
	}
	g.Bias *= alpha
}

func (g *GradBuffer) MaxAbs() float64 {
	m := math.Abs(g.Bias)
	for _, wi := range g.Weight {
		m = math.Max(m, math.Abs(wi))
	}
	return m
}

type GradBuffers []GradBuffer

func (gs GradBuffers) Total() GradBuffer {
	total := gs[0].NewZerosLike()
	for _, g := range gs {
		total.Axpy(1.0, g)
	}
	return total
}
