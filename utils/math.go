package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix functions used by the encoder/decoder.
// Column-major convention throughout: a sequence of T vectors of width d is (d x T).

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

// AddInPlace accumulates src into dst. Used for gradient accumulation.
func AddInPlace(dst *mat.Dense, src mat.Matrix) {
	dst.Add(dst, src)
}

// RowSumsInto adds the per-row sums of m into the (r x 1) column dst.
func RowSumsInto(dst, m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		s := 0.0
		for j := 0; j < c; j++ {
			s += m.At(i, j)
		}
		dst.Set(i, 0, dst.At(i, 0)+s)
	}
}

func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func ReLUApply(_, _ int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// ---------- Softmax / loss ----------

// ColVectorSoftmax applies softmax across the single column of a (r x 1) vector.
func ColVectorSoftmax(v *mat.Dense) *mat.Dense {
	r, c := v.Dims()
	if c != 1 {
		panic("ColVectorSoftmax expects a (r x 1) column vector")
	}
	out := mat.NewDense(r, 1, nil)
	// stability: subtract max
	mx := v.At(0, 0)
	for i := 1; i < r; i++ {
		if v.At(i, 0) > mx {
			mx = v.At(i, 0)
		}
	}
	sum := 0.0
	for i := 0; i < r; i++ {
		e := math.Exp(v.At(i, 0) - mx)
		out.Set(i, 0, e)
		sum += e
	}
	for i := 0; i < r; i++ {
		out.Set(i, 0, out.At(i, 0)/sum)
	}
	return out
}

// CrossEntropyWithIndex returns -log p[gold] and dL/dlogits = p - onehot(gold).
func CrossEntropyWithIndex(logits *mat.Dense, gold int) (float64, *mat.Dense) {
	r, c := logits.Dims()
	if c != 1 {
		panic("CrossEntropyWithIndex expects (r x 1) logits vector")
	}
	prob := ColVectorSoftmax(logits)
	if gold < 0 || gold >= r {
		gold = 0
	}
	loss := -math.Log(prob.At(gold, 0) + 1e-12)
	grad := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		grad.Set(i, 0, prob.At(i, 0))
	}
	grad.Set(gold, 0, grad.At(gold, 0)-1.0)
	return loss, grad
}

// CrossEntropyColumns scores every column of logits (V x T) against targets[t].
// Returns the summed loss and the unscaled gradient (V x T).
func CrossEntropyColumns(logits *mat.Dense, targets []int) (float64, *mat.Dense) {
	v, T := logits.Dims()
	if len(targets) != T {
		panic("CrossEntropyColumns: target length mismatch")
	}
	grad := mat.NewDense(v, T, nil)
	total := 0.0
	for t := 0; t < T; t++ {
		col := mat.DenseCopyOf(logits.Slice(0, v, t, t+1))
		loss, g := CrossEntropyWithIndex(col, targets[t])
		total += loss
		grad.Slice(0, v, t, t+1).(*mat.Dense).Copy(g)
	}
	return total, grad
}

// ArgmaxColumns returns the index of the largest entry of every column.
func ArgmaxColumns(m *mat.Dense) []int {
	_, c := m.Dims()
	out := make([]int, c)
	for j := 0; j < c; j++ {
		out[j] = floats.MaxIdx(mat.Col(nil, j, m))
	}
	return out
}
