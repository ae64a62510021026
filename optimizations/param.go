package optimizations

import (
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable tensor with its gradient accumulator and Adam moments.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense

	// Adam state, allocated on first step. Steps drives bias correction and is
	// saved with the moments.
	M, V  *mat.Dense
	Steps int
}

func NewParam(name string, value *mat.Dense) *Param {
	r, c := value.Dims()
	return &Param{Name: name, Value: value, Grad: mat.NewDense(r, c, nil)}
}

func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

func (p *Param) ensureMoments() {
	if p.M == nil {
		r, c := p.Value.Dims()
		p.M = mat.NewDense(r, c, nil)
		p.V = mat.NewDense(r, c, nil)
	}
}

// Grads collects the gradient matrices of ps.
func Grads(ps []*Param) []*mat.Dense {
	out := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		out[i] = p.Grad
	}
	return out
}
