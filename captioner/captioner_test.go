package captioner

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/manningwu07/captioner/IO"
	"github.com/manningwu07/captioner/optimizations"
	"github.com/manningwu07/captioner/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

const testImageSize = 5

func testVocab(t *testing.T) *IO.Vocabulary {
	t.Helper()
	opts := IO.DefaultVocabOptions()
	opts.Threshold = 1
	opts.Dim = 6
	return IO.BuildVocabulary([]string{"a cat sat", "a dog ran"}, nil, opts, utils.NewRand(1), zap.NewNop())
}

func testConfig(backbone string) Config {
	return Config{
		Backbone:         backbone,
		ImageSize:        testImageSize,
		BackboneChannels: 3,
		GridSize:         1,
		TrainBackbone:    true,
		EmbedSize:        4,
		HiddenSize:       3,
		NumLayers:        2,
	}
}

func testBatch(seed uint64) *IO.Batch {
	rng := utils.NewRand(seed)
	n := 3 * testImageSize * testImageSize
	return &IO.Batch{
		Images: []*mat.Dense{
			mat.NewDense(n, 1, utils.GaussianArray(rng, n, 1)),
			mat.NewDense(n, 1, utils.GaussianArray(rng, n, 1)),
		},
		Captions: [][]int{{5, 0, 1, 2, 6}, {5, 0, 3, 4, 6}},
	}
}

// checkGrads compares accumulated grads against central differences of the mean batch loss.
func checkGrads(t *testing.T, m *Model, batch *IO.Batch, ps []*optimizations.Param) {
	t.Helper()
	for _, p := range ps {
		p.ZeroGrad()
	}
	m.Step(batch, true)

	const eps = 1e-6
	for _, p := range ps {
		r, c := p.Value.Dims()
		// a few entries per param keep the test fast
		for _, idx := range []int{0, (r * c) / 2, r*c - 1} {
			i, j := idx/c, idx%c
			w0 := p.Value.At(i, j)
			p.Value.Set(i, j, w0+eps)
			lp, _ := m.Step(batch, false)
			p.Value.Set(i, j, w0-eps)
			lm, _ := m.Step(batch, false)
			p.Value.Set(i, j, w0)

			num := (lp - lm) / (2 * eps)
			ana := p.Grad.At(i, j)
			tol := 1e-5 + 1e-3*math.Max(math.Abs(num), math.Abs(ana))
			assert.InDelta(t, num, ana, tol, "%s[%d,%d]", p.Name, i, j)
		}
	}
}

func TestModelGradFiniteDiff(t *testing.T) {
	vocab := testVocab(t)
	for _, backbone := range []string{BackboneConv, BackboneGrid} {
		t.Run(backbone, func(t *testing.T) {
			m, err := New(testConfig(backbone), vocab, utils.NewRand(7))
			require.NoError(t, err)
			require.NotNil(t, m.Decoder.Projection)
			ps := append(m.Encoder.Params(), m.Decoder.Params()...)
			checkGrads(t, m, testBatch(3), ps)
		})
	}
}

func TestLinearGradFiniteDiff(t *testing.T) {
	rng := utils.NewRand(11)
	l := NewLinear("lin", 3, 2, rng)
	X := mat.NewDense(3, 4, utils.GaussianArray(rng, 12, 1))
	targets := []int{0, 1, 1, 0}

	loss := func() float64 {
		v, _ := utils.CrossEntropyColumns(l.Forward(X), targets)
		return v
	}
	_, grad := utils.CrossEntropyColumns(l.Forward(X), targets)
	_, dW, dB := l.BackwardGradsOnly(grad)

	const eps = 1e-5
	for _, tc := range []struct {
		p, g *mat.Dense
		i, j int
	}{{l.W.Value, dW, 1, 2}, {l.W.Value, dW, 0, 0}, {l.B.Value, dB, 1, 0}} {
		w0 := tc.p.At(tc.i, tc.j)
		tc.p.Set(tc.i, tc.j, w0+eps)
		lp := loss()
		tc.p.Set(tc.i, tc.j, w0-eps)
		lm := loss()
		tc.p.Set(tc.i, tc.j, w0)
		assert.InDelta(t, (lp-lm)/(2*eps), tc.g.At(tc.i, tc.j), 1e-6)
	}
}

func TestStepLossShapes(t *testing.T) {
	m, err := New(testConfig(BackboneConv), testVocab(t), utils.NewRand(7))
	require.NoError(t, err)
	batch := testBatch(3)

	loss, preds := m.Step(batch, false)
	assert.False(t, math.IsNaN(loss))
	assert.Greater(t, loss, 0.0)
	require.Len(t, preds, 2)
	for k, p := range preds {
		assert.Len(t, p, len(batch.Captions[k]))
	}

	empty, none := m.Step(&IO.Batch{}, false)
	assert.Equal(t, 0.0, empty)
	assert.Nil(t, none)
}

func TestFrozenBackboneExcluded(t *testing.T) {
	cfg := testConfig(BackboneConv)
	cfg.TrainBackbone = false
	m, err := New(cfg, testVocab(t), utils.NewRand(7))
	require.NoError(t, err)

	for _, p := range m.Encoder.Params() {
		assert.NotContains(t, p.Name, "backbone")
	}
	assert.Len(t, m.Encoder.StateParams(), len(m.Encoder.Params())+2)

	k0 := mat.DenseCopyOf(m.Encoder.Backbone.Params()[0].Value)
	m.Step(testBatch(3), true)
	assert.True(t, mat.Equal(k0, m.Encoder.Backbone.Params()[0].Value))
	assert.Zero(t, mat.Norm(m.Encoder.Backbone.Params()[0].Grad, 2))
}

func TestGridBackboneAverages(t *testing.T) {
	b, err := NewBackbone(BackboneGrid, 4, 0, 2, nil)
	require.NoError(t, err)
	img := mat.NewDense(3*16, 1, nil)
	// top-left 2x2 cell of channel 0 set to 4
	for _, idx := range []int{0, 1, 4, 5} {
		img.Set(idx, 0, 4)
	}
	feat := b.Forward(img)
	assert.Equal(t, 12, b.OutDim())
	assert.Equal(t, 4.0, feat.At(0, 0))
	assert.Equal(t, 0.0, feat.At(1, 0))

	_, err = NewBackbone(BackboneGrid, 5, 0, 2, nil)
	assert.Error(t, err)
	_, err = NewBackbone("resnet101", 5, 3, 1, nil)
	assert.Error(t, err)
}

func TestSampleStopsAtEnd(t *testing.T) {
	vocab := testVocab(t)
	m, err := New(testConfig(BackboneConv), vocab, utils.NewRand(7))
	require.NoError(t, err)
	img := testBatch(3).Images[0]
	feat := m.Encoder.Forward(img)

	ids := m.Decoder.Sample(feat, vocab.EndID(), 6)
	assert.LessOrEqual(t, len(ids), 6)
	for k, id := range ids {
		if id == vocab.EndID() {
			assert.Equal(t, len(ids)-1, k)
		}
	}
	assert.NotPanics(t, func() { m.Caption(img, vocab, 6) })
}

func TestCheckpointRoundTrip(t *testing.T) {
	vocab := testVocab(t)
	dir := t.TempDir()
	enc, dec := filepath.Join(dir, "encoder.gob"), filepath.Join(dir, "decoder.gob")
	batch := testBatch(3)

	a, err := New(testConfig(BackboneConv), vocab, utils.NewRand(7))
	require.NoError(t, err)
	opt := optimizations.NewAdam(optimizations.DefaultAdamConfig(),
		&optimizations.ParamGroup{Name: "all", Params: append(a.Encoder.Params(), a.Decoder.Params()...), LR: 1e-2})
	opt.ZeroGrad()
	a.Step(batch, true)
	opt.Step()
	require.NoError(t, a.Save(enc, dec))

	b, err := New(testConfig(BackboneConv), vocab, utils.NewRand(99))
	require.NoError(t, err)
	require.NoError(t, b.Load(enc, dec))

	la, _ := a.Step(batch, false)
	lb, _ := b.Step(batch, false)
	assert.Equal(t, la, lb)
	assert.True(t, mat.Equal(a.Decoder.Out.W.M, b.Decoder.Out.W.M))
	assert.Equal(t, 1, b.Decoder.Out.W.Steps)

	// further updates from the restored state match the uninterrupted run
	optB := optimizations.NewAdam(optimizations.DefaultAdamConfig(),
		&optimizations.ParamGroup{Name: "all", Params: append(b.Encoder.Params(), b.Decoder.Params()...), LR: 1e-2})
	opt.ZeroGrad()
	a.Step(batch, true)
	opt.Step()
	optB.ZeroGrad()
	b.Step(batch, true)
	optB.Step()
	assert.True(t, mat.EqualApprox(a.Decoder.Out.W.Value, b.Decoder.Out.W.Value, 1e-12))
	assert.Equal(t, 2, b.Decoder.Out.W.Steps)

	other := testConfig(BackboneConv)
	other.HiddenSize = 5
	c, err := New(other, vocab, utils.NewRand(7))
	require.NoError(t, err)
	assert.Error(t, c.Load(enc, dec))
}
