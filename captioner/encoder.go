package captioner

import (
	"math/rand/v2"

	"github.com/manningwu07/captioner/optimizations"
	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Backbone names accepted by NewBackbone.
const (
	BackboneConv = "conv"
	BackboneGrid = "grid"
)

const imageChannels = 3

// Backbone turns a (3*size*size x 1) image column into a feature column.
type Backbone interface {
	Forward(img *mat.Dense) *mat.Dense
	// Backward accumulates parameter grads for dFeat. Parameter-free backbones ignore it.
	Backward(dFeat *mat.Dense)
	OutDim() int
	Params() []*optimizations.Param
}

func NewBackbone(kind string, imageSize, channels, gridSize int, rng *rand.Rand) (Backbone, error) {
	switch kind {
	case BackboneConv, "":
		if imageSize < 3 || channels <= 0 {
			return nil, errors.Errorf("conv backbone needs image size >= 3 and channels > 0, got %d/%d", imageSize, channels)
		}
		return newConvBackbone(imageSize, channels, rng), nil
	case BackboneGrid:
		if gridSize <= 0 || imageSize%gridSize != 0 {
			return nil, errors.Errorf("grid size %d must divide image size %d", gridSize, imageSize)
		}
		return &gridBackbone{size: imageSize, grid: gridSize}, nil
	}
	return nil, errors.Errorf("unknown backbone %q", kind)
}

// convBackbone: 3x3 stride-2 convolution (padding 1), ReLU, global average pool.
type convBackbone struct {
	size, outSize, channels int
	K                       *optimizations.Param // (channels x 27)
	B                       *optimizations.Param // (channels x 1)

	// cache
	patches *mat.Dense // (27 x outSize^2)
	pre     *mat.Dense // (channels x outSize^2)
}

func newConvBackbone(size, channels int, rng *rand.Rand) *convBackbone {
	fan := imageChannels * 9
	return &convBackbone{
		size:     size,
		outSize:  (size-1)/2 + 1,
		channels: channels,
		K:        optimizations.NewParam("encoder.backbone.kernel", mat.NewDense(channels, fan, utils.RandomArray(rng, channels*fan, float64(fan)))),
		B:        optimizations.NewParam("encoder.backbone.bias", mat.NewDense(channels, 1, nil)),
	}
}

func (c *convBackbone) OutDim() int { return c.channels }

func (c *convBackbone) Params() []*optimizations.Param {
	return []*optimizations.Param{c.K, c.B}
}

// im2col lays out every 3x3 receptive field as one column.
func (c *convBackbone) im2col(img *mat.Dense) *mat.Dense {
	n := c.outSize * c.outSize
	plane := c.size * c.size
	cols := mat.NewDense(imageChannels*9, n, nil)
	for oy := 0; oy < c.outSize; oy++ {
		for ox := 0; ox < c.outSize; ox++ {
			col := oy*c.outSize + ox
			for ch := 0; ch < imageChannels; ch++ {
				for ky := 0; ky < 3; ky++ {
					for kx := 0; kx < 3; kx++ {
						y, x := 2*oy+ky-1, 2*ox+kx-1
						if y < 0 || y >= c.size || x < 0 || x >= c.size {
							continue
						}
						cols.Set(ch*9+ky*3+kx, col, img.At(ch*plane+y*c.size+x, 0))
					}
				}
			}
		}
	}
	return cols
}

func (c *convBackbone) Forward(img *mat.Dense) *mat.Dense {
	if r, _ := img.Dims(); r != imageChannels*c.size*c.size {
		panic("convBackbone: image has wrong size")
	}
	c.patches = c.im2col(img)
	c.pre = utils.AddBias(utils.ToDense(utils.Dot(c.K.Value, c.patches)), c.B.Value)
	act := utils.Apply(utils.ReLUApply, c.pre).(*mat.Dense)

	_, n := act.Dims()
	feat := mat.NewDense(c.channels, 1, nil)
	utils.RowSumsInto(feat, act)
	feat.Scale(1/float64(n), feat)
	return feat
}

func (c *convBackbone) Backward(dFeat *mat.Dense) {
	_, n := c.pre.Dims()
	dPre := mat.NewDense(c.channels, n, nil)
	for i := 0; i < c.channels; i++ {
		g := dFeat.At(i, 0) / float64(n)
		for j := 0; j < n; j++ {
			if c.pre.At(i, j) > 0 {
				dPre.Set(i, j, g)
			}
		}
	}
	utils.AddInPlace(c.K.Grad, utils.Dot(dPre, c.patches.T()))
	utils.RowSumsInto(c.B.Grad, dPre)
}

// gridBackbone averages each channel over a grid x grid layout of cells.
type gridBackbone struct {
	size, grid int
}

func (g *gridBackbone) OutDim() int { return imageChannels * g.grid * g.grid }

func (g *gridBackbone) Params() []*optimizations.Param { return nil }

func (g *gridBackbone) Backward(*mat.Dense) {}

func (g *gridBackbone) Forward(img *mat.Dense) *mat.Dense {
	cell := g.size / g.grid
	plane := g.size * g.size
	out := mat.NewDense(g.OutDim(), 1, nil)
	norm := 1 / float64(cell*cell)
	for ch := 0; ch < imageChannels; ch++ {
		for y := 0; y < g.size; y++ {
			for x := 0; x < g.size; x++ {
				idx := ch*g.grid*g.grid + (y/cell)*g.grid + x/cell
				out.Set(idx, 0, out.At(idx, 0)+img.At(ch*plane+y*g.size+x, 0)*norm)
			}
		}
	}
	return out
}

// Encoder maps an image to an embedding: backbone, linear projection, layer norm.
type Encoder struct {
	Backbone      Backbone
	Linear        *Linear
	Norm          *optimizations.LayerNorm
	TrainBackbone bool
}

func NewEncoder(backbone Backbone, embedSize int, trainBackbone bool, rng *rand.Rand) *Encoder {
	return &Encoder{
		Backbone:      backbone,
		Linear:        NewLinear("encoder.linear", backbone.OutDim(), embedSize, rng),
		Norm:          optimizations.NewLayerNorm("encoder.norm", embedSize, 1e-5),
		TrainBackbone: trainBackbone,
	}
}

// Params returns the trainable parameters. A frozen backbone is left out.
func (e *Encoder) Params() []*optimizations.Param {
	var ps []*optimizations.Param
	if e.TrainBackbone {
		ps = append(ps, e.Backbone.Params()...)
	}
	ps = append(ps, e.Linear.Params()...)
	return append(ps, e.Norm.Params()...)
}

// StateParams returns everything a checkpoint stores, frozen weights included.
func (e *Encoder) StateParams() []*optimizations.Param {
	ps := append([]*optimizations.Param{}, e.Backbone.Params()...)
	ps = append(ps, e.Linear.Params()...)
	return append(ps, e.Norm.Params()...)
}

// Forward returns the (embed x 1) feature of img.
func (e *Encoder) Forward(img *mat.Dense) *mat.Dense {
	return e.Norm.Forward(e.Linear.Forward(e.Backbone.Forward(img)))
}

func (e *Encoder) Backward(dFeat *mat.Dense) {
	dBack := e.Linear.Backward(e.Norm.Backward(dFeat))
	if e.TrainBackbone {
		e.Backbone.Backward(dBack)
	}
}
