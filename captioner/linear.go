// Package captioner holds the image encoder and caption decoder.
// Column-major convention: a sequence of T vectors of width d is (d x T).
package captioner

import (
	"math/rand/v2"

	"github.com/manningwu07/captioner/optimizations"
	"github.com/manningwu07/captioner/utils"
	"gonum.org/v1/gonum/mat"
)

// Linear is y = W x + b applied to every column.
type Linear struct {
	In, Out int
	W       *optimizations.Param // (out x in)
	B       *optimizations.Param // (out x 1)

	// cache for backprop
	lastInput *mat.Dense
}

func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   optimizations.NewParam(name+".weight", mat.NewDense(out, in, utils.RandomArray(rng, out*in, float64(in)))),
		B:   optimizations.NewParam(name+".bias", mat.NewDense(out, 1, nil)),
	}
}

func (l *Linear) Params() []*optimizations.Param {
	return []*optimizations.Param{l.W, l.B}
}

func (l *Linear) Forward(X *mat.Dense) *mat.Dense {
	l.lastInput = X
	return utils.AddBias(utils.ToDense(utils.Dot(l.W.Value, X)), l.B.Value)
}

// Backward accumulates dW/db into the params and returns dX.
func (l *Linear) Backward(dY *mat.Dense) *mat.Dense {
	dX, dW, dB := l.BackwardGradsOnly(dY)
	utils.AddInPlace(l.W.Grad, dW)
	utils.AddInPlace(l.B.Grad, dB)
	return dX
}

func (l *Linear) BackwardGradsOnly(dY *mat.Dense) (dX, dW, dB *mat.Dense) {
	dW = utils.ToDense(utils.Dot(dY, l.lastInput.T()))
	dB = mat.NewDense(l.Out, 1, nil)
	utils.RowSumsInto(dB, dY)
	dX = utils.ToDense(utils.Dot(l.W.Value.T(), dY))
	return dX, dW, dB
}
