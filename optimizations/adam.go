package optimizations

import (
	"math"

	"github.com/manningwu07/captioner/utils"
	"gonum.org/v1/gonum/mat"
)

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
// With weightDecay == 0 this is plain Adam.
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			wdTerm := weightDecay * p.At(i, j)
			update := mhat/denom + wdTerm
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// ParamGroup shares one learning rate, like the encoder/decoder split in training.
type ParamGroup struct {
	Name   string
	Params []*Param
	LR     float64

	initialLR float64
}

type AdamConfig struct {
	Beta1, Beta2, Eps float64
	WeightDecay       float64
	GradClip          float64 // <=0 disables
}

func DefaultAdamConfig() AdamConfig {
	return AdamConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Adam steps every parameter group with its own learning rate. T counts calls
// to Step; bias correction uses each param's own Steps.
type Adam struct {
	Config AdamConfig
	Groups []*ParamGroup
	T      int
}

func NewAdam(cfg AdamConfig, groups ...*ParamGroup) *Adam {
	for _, g := range groups {
		g.initialLR = g.LR
	}
	return &Adam{Config: cfg, Groups: groups}
}

func (a *Adam) params() []*Param {
	var out []*Param
	for _, g := range a.Groups {
		out = append(out, g.Params...)
	}
	return out
}

func (a *Adam) ZeroGrad() {
	for _, p := range a.params() {
		p.ZeroGrad()
	}
}

// Step applies one update from the accumulated gradients.
// Returns the clip scale that was applied (1.0 when no clipping happened).
func (a *Adam) Step() float64 {
	scale := utils.ClipGrads(a.Config.GradClip, Grads(a.params())...)
	a.T++
	for _, g := range a.Groups {
		if g.LR == 0 {
			continue
		}
		for _, p := range g.Params {
			p.ensureMoments()
			p.Steps++
			AdamUpdateInPlace(p.Value, p.Grad, p.M, p.V, p.Steps, g.LR,
				a.Config.Beta1, a.Config.Beta2, a.Config.Eps, a.Config.WeightDecay)
		}
	}
	return scale
}

// LearningRates reports the current LR per group name.
func (a *Adam) LearningRates() map[string]float64 {
	out := make(map[string]float64, len(a.Groups))
	for _, g := range a.Groups {
		out[g.Name] = g.LR
	}
	return out
}
