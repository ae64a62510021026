package captioner

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/manningwu07/captioner/optimizations"
	"github.com/manningwu07/captioner/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// lstmLayer is one LSTM layer. Gate rows are stacked i, f, g, o.
type lstmLayer struct {
	In, Hidden int
	Wx         *optimizations.Param // (4H x in)
	Wh         *optimizations.Param // (4H x H)
	B          *optimizations.Param // (4H x 1)

	// cache, one column per time step
	x, hPrev, cPrev *mat.Dense
	i, f, g, o      *mat.Dense
	tanhC           *mat.Dense
}

func newLSTMLayer(name string, in, hidden int, rng *rand.Rand) *lstmLayer {
	b := mat.NewDense(4*hidden, 1, nil)
	for j := hidden; j < 2*hidden; j++ {
		b.Set(j, 0, 1) // forget gate starts open
	}
	return &lstmLayer{
		In:     in,
		Hidden: hidden,
		Wx:     optimizations.NewParam(name+".wx", mat.NewDense(4*hidden, in, utils.RandomArray(rng, 4*hidden*in, float64(in)))),
		Wh:     optimizations.NewParam(name+".wh", mat.NewDense(4*hidden, hidden, utils.RandomArray(rng, 4*hidden*hidden, float64(hidden)))),
		B:      optimizations.NewParam(name+".bias", b),
	}
}

func (l *lstmLayer) Params() []*optimizations.Param {
	return []*optimizations.Param{l.Wx, l.Wh, l.B}
}

// cell runs one time step and returns the gate activations, new hidden and new cell.
func (l *lstmLayer) cell(x, h, c []float64) (i, f, g, o, hNew, cNew []float64) {
	H := l.Hidden
	a := make([]float64, 4*H)
	xv := mat.NewVecDense(len(x), x)
	hv := mat.NewVecDense(H, h)
	av := mat.NewVecDense(4*H, a)
	av.MulVec(l.Wx.Value, xv)
	var ah mat.VecDense
	ah.MulVec(l.Wh.Value, hv)
	av.AddVec(av, &ah)
	for j := range a {
		a[j] = av.AtVec(j) + l.B.Value.At(j, 0)
	}

	i, f, g, o = make([]float64, H), make([]float64, H), make([]float64, H), make([]float64, H)
	hNew, cNew = make([]float64, H), make([]float64, H)
	for j := 0; j < H; j++ {
		i[j] = utils.Sigmoid(a[j])
		f[j] = utils.Sigmoid(a[H+j])
		g[j] = math.Tanh(a[2*H+j])
		o[j] = utils.Sigmoid(a[3*H+j])
		cNew[j] = f[j]*c[j] + i[j]*g[j]
		hNew[j] = o[j] * math.Tanh(cNew[j])
	}
	return i, f, g, o, hNew, cNew
}

// Forward runs the layer over X (in x T) from a zero state and returns H (hidden x T).
func (l *lstmLayer) Forward(X *mat.Dense) *mat.Dense {
	_, T := X.Dims()
	H := l.Hidden
	l.x = X
	l.hPrev, l.cPrev = mat.NewDense(H, T, nil), mat.NewDense(H, T, nil)
	l.i, l.f, l.g, l.o = mat.NewDense(H, T, nil), mat.NewDense(H, T, nil), mat.NewDense(H, T, nil), mat.NewDense(H, T, nil)
	l.tanhC = mat.NewDense(H, T, nil)
	out := mat.NewDense(H, T, nil)

	h, c := make([]float64, H), make([]float64, H)
	for t := 0; t < T; t++ {
		l.hPrev.SetCol(t, h)
		l.cPrev.SetCol(t, c)
		i, f, g, o, hNew, cNew := l.cell(mat.Col(nil, t, X), h, c)
		l.i.SetCol(t, i)
		l.f.SetCol(t, f)
		l.g.SetCol(t, g)
		l.o.SetCol(t, o)
		for j := range cNew {
			l.tanhC.Set(j, t, math.Tanh(cNew[j]))
		}
		out.SetCol(t, hNew)
		h, c = hNew, cNew
	}
	return out
}

// Backward takes dL/dH (hidden x T), accumulates weight grads and returns dL/dX (in x T).
func (l *lstmLayer) Backward(dH *mat.Dense) *mat.Dense {
	_, T := dH.Dims()
	H := l.Hidden
	dA := mat.NewDense(4*H, T, nil)
	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	for t := T - 1; t >= 0; t-- {
		for j := 0; j < H; j++ {
			dh := dH.At(j, t) + dhNext[j]
			i, f, g, o := l.i.At(j, t), l.f.At(j, t), l.g.At(j, t), l.o.At(j, t)
			tc := l.tanhC.At(j, t)

			do := dh * tc
			dc := dh*o*(1-tc*tc) + dcNext[j]
			di := dc * g
			dg := dc * i
			df := dc * l.cPrev.At(j, t)
			dcNext[j] = dc * f

			dA.Set(j, t, di*i*(1-i))
			dA.Set(H+j, t, df*f*(1-f))
			dA.Set(2*H+j, t, dg*(1-g*g))
			dA.Set(3*H+j, t, do*o*(1-o))
		}
		var dh mat.VecDense
		dh.MulVec(l.Wh.Value.T(), dA.ColView(t))
		for j := 0; j < H; j++ {
			dhNext[j] = dh.AtVec(j)
		}
	}
	utils.AddInPlace(l.Wx.Grad, utils.Dot(dA, l.x.T()))
	utils.AddInPlace(l.Wh.Grad, utils.Dot(dA, l.hPrev.T()))
	utils.RowSumsInto(l.B.Grad, dA)
	return utils.ToDense(utils.Dot(l.Wx.Value.T(), dA))
}

// Decoder generates caption logits from an image feature with a stacked LSTM.
// Word vectors come from the vocabulary table, projected to the embed size when
// the widths differ.
type Decoder struct {
	EmbedSize, HiddenSize, VocabSize int

	Embedding  *optimizations.Param // (wordDim x |V|)
	Projection *Linear              // nil when wordDim == EmbedSize
	Layers     []*lstmLayer
	Out        *Linear

	// cache
	lastCaption []int
}

// NewDecoder copies wordVectors (wordDim x |V|), so the vocabulary table is not modified by training.
func NewDecoder(wordVectors *mat.Dense, embedSize, hiddenSize, numLayers int, rng *rand.Rand) *Decoder {
	wordDim, vocabSize := wordVectors.Dims()
	d := &Decoder{
		EmbedSize:  embedSize,
		HiddenSize: hiddenSize,
		VocabSize:  vocabSize,
		Embedding:  optimizations.NewParam("decoder.embedding", mat.DenseCopyOf(wordVectors)),
		Out:        NewLinear("decoder.out", hiddenSize, vocabSize, rng),
	}
	if wordDim != embedSize {
		d.Projection = NewLinear("decoder.projection", wordDim, embedSize, rng)
	}
	in := embedSize
	for n := 0; n < max(1, numLayers); n++ {
		d.Layers = append(d.Layers, newLSTMLayer(fmt.Sprintf("decoder.lstm%d", n), in, hiddenSize, rng))
		in = hiddenSize
	}
	return d
}

func (d *Decoder) Params() []*optimizations.Param {
	ps := []*optimizations.Param{d.Embedding}
	if d.Projection != nil {
		ps = append(ps, d.Projection.Params()...)
	}
	for _, l := range d.Layers {
		ps = append(ps, l.Params()...)
	}
	return append(ps, d.Out.Params()...)
}

// embed returns the (embed x n) input vectors for ids.
func (d *Decoder) embed(ids []int) *mat.Dense {
	wordDim, _ := d.Embedding.Value.Dims()
	X := mat.NewDense(wordDim, len(ids), nil)
	for k, id := range ids {
		X.SetCol(k, mat.Col(nil, id, d.Embedding.Value))
	}
	if d.Projection != nil {
		return d.Projection.Forward(X)
	}
	return X
}

// Forward runs teacher forcing: inputs are [feature, emb(c_0), ..., emb(c_{T-2})]
// and column t of the (|V| x T) result scores caption[t].
func (d *Decoder) Forward(feature *mat.Dense, caption []int) *mat.Dense {
	T := len(caption)
	if T == 0 {
		panic("decoder: empty caption")
	}
	X := mat.NewDense(d.EmbedSize, T, nil)
	X.SetCol(0, mat.Col(nil, 0, feature))
	if T > 1 {
		words := d.embed(caption[:T-1])
		X.Slice(0, d.EmbedSize, 1, T).(*mat.Dense).Copy(words)
	}
	d.lastCaption = caption

	H := X
	for _, l := range d.Layers {
		H = l.Forward(H)
	}
	return d.Out.Forward(H)
}

// Backward accumulates grads for dLogits (|V| x T) and returns dL/dfeature (embed x 1).
func (d *Decoder) Backward(dLogits *mat.Dense) *mat.Dense {
	dX := d.Out.Backward(dLogits)
	for n := len(d.Layers) - 1; n >= 0; n-- {
		dX = d.Layers[n].Backward(dX)
	}
	T := len(d.lastCaption)
	dFeature := mat.DenseCopyOf(dX.Slice(0, d.EmbedSize, 0, 1))
	if T > 1 {
		dWords := mat.DenseCopyOf(dX.Slice(0, d.EmbedSize, 1, T))
		if d.Projection != nil {
			dWords = d.Projection.Backward(dWords)
		}
		wordDim, _ := d.Embedding.Grad.Dims()
		for k, id := range d.lastCaption[:T-1] {
			for r := 0; r < wordDim; r++ {
				d.Embedding.Grad.Set(r, id, d.Embedding.Grad.At(r, id)+dWords.At(r, k))
			}
		}
	}
	return dFeature
}

// Sample decodes greedily from feature until endID or maxLen tokens.
// The first input is the feature itself, so the first token is normally the start word.
func (d *Decoder) Sample(feature *mat.Dense, endID, maxLen int) []int {
	hs := make([][]float64, len(d.Layers))
	cs := make([][]float64, len(d.Layers))
	for n := range d.Layers {
		hs[n] = make([]float64, d.HiddenSize)
		cs[n] = make([]float64, d.HiddenSize)
	}
	x := mat.Col(nil, 0, feature)
	var out []int
	for len(out) < maxLen {
		in := x
		for n, l := range d.Layers {
			_, _, _, _, h, c := l.cell(in, hs[n], cs[n])
			hs[n], cs[n] = h, c
			in = h
		}
		var logits mat.VecDense
		logits.MulVec(d.Out.W.Value, mat.NewVecDense(len(in), in))
		scores := make([]float64, d.VocabSize)
		for v := range scores {
			scores[v] = logits.AtVec(v) + d.Out.B.Value.At(v, 0)
		}
		tok := floats.MaxIdx(scores)
		out = append(out, tok)
		if tok == endID {
			break
		}
		x = mat.Col(nil, 0, d.embed([]int{tok}))
	}
	return out
}
