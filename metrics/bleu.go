// Package metrics scores generated captions against references.
package metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Precision is an unnormalised n-gram precision: clipped matches over hypothesis n-grams.
type Precision struct {
	Num int
	Den int
}

func (p Precision) Value() float64 {
	if p.Den == 0 {
		return 0
	}
	return float64(p.Num) / float64(p.Den)
}

// Smoothing turns raw precisions into the values that enter the geometric mean.
// hypLen is the hypothesis length in tokens.
type Smoothing func(p []Precision, hypLen int) []float64

// NoSmoothing leaves zero precisions at zero, so any zero order scores 0.
func NoSmoothing(p []Precision, _ int) []float64 {
	out := make([]float64, len(p))
	for i, pi := range p {
		out[i] = pi.Value()
	}
	return out
}

// Method1 adds epsilon to the numerator of every zero-count precision.
func Method1(epsilon float64) Smoothing {
	return func(p []Precision, _ int) []float64 {
		out := make([]float64, len(p))
		for i, pi := range p {
			if pi.Num == 0 && pi.Den > 0 {
				out[i] = epsilon / float64(pi.Den)
				continue
			}
			out[i] = pi.Value()
		}
		return out
	}
}

// Method6 interpolates orders >= 3 with the prior p_{n-1}^2 / p_{n-2}
// (Chen & Cherry 2014). Orders 1 and 2 are left untouched.
func Method6(alpha float64) Smoothing {
	return func(p []Precision, hypLen int) []float64 {
		out := make([]float64, len(p))
		for i, pi := range p {
			if i < 2 {
				out[i] = pi.Value()
				continue
			}
			pi0 := 0.0
			if out[i-2] != 0 {
				pi0 = out[i-1] * out[i-1] / out[i-2]
			}
			l := hypLen - i
			if l < 0 {
				l = 0
			}
			out[i] = (float64(pi.Num) + alpha*pi0) / (float64(l) + alpha)
		}
		return out
	}
}

// BLEU computes sentence-level BLEU. Build it once and pass it to whoever scores.
type BLEU struct {
	MaxN      int
	Weights   []float64
	Smoothing Smoothing
}

// NewBLEU4 returns uniform-weight BLEU-4 with the given smoothing (nil means none).
func NewBLEU4(smoothing Smoothing) *BLEU {
	if smoothing == nil {
		smoothing = NoSmoothing
	}
	return &BLEU{MaxN: 4, Weights: []float64{0.25, 0.25, 0.25, 0.25}, Smoothing: smoothing}
}

// SmoothingByName maps a config string onto a smoothing function.
func SmoothingByName(name string) (Smoothing, bool) {
	switch name {
	case "", "method6":
		return Method6(5), true
	case "method1":
		return Method1(0.1), true
	case "none", "method0":
		return NoSmoothing, true
	}
	return nil, false
}

type ngramKey struct {
	n    int
	toks [4]int
}

func countNgrams(seq []int, n int) map[ngramKey]int {
	counts := make(map[ngramKey]int)
	for i := 0; i+n <= len(seq); i++ {
		k := ngramKey{n: n}
		copy(k.toks[:], seq[i:i+n])
		counts[k]++
	}
	return counts
}

// modifiedPrecision clips hypothesis n-gram counts by their max count in any reference.
func modifiedPrecision(refs [][]int, hyp []int, n int) Precision {
	hypCounts := countNgrams(hyp, n)
	maxRef := make(map[ngramKey]int)
	for _, ref := range refs {
		for k, c := range countNgrams(ref, n) {
			if c > maxRef[k] {
				maxRef[k] = c
			}
		}
	}
	num, den := 0, 0
	for k, c := range hypCounts {
		den += c
		num += min(c, maxRef[k])
	}
	return Precision{Num: num, Den: max(1, den)}
}

// closestRefLen picks the reference length nearest the hypothesis, shorter on ties.
func closestRefLen(refs [][]int, hypLen int) int {
	best := -1
	for _, r := range refs {
		if best < 0 {
			best = len(r)
			continue
		}
		d, bd := abs(len(r)-hypLen), abs(best-hypLen)
		if d < bd || (d == bd && len(r) < best) {
			best = len(r)
		}
	}
	return max(best, 0)
}

func brevityPenalty(refLen, hypLen int) float64 {
	if hypLen > refLen {
		return 1
	}
	if hypLen == 0 {
		return 0
	}
	return math.Exp(1 - float64(refLen)/float64(hypLen))
}

// SentenceBLEU scores hyp against one or more references.
func (b *BLEU) SentenceBLEU(refs [][]int, hyp []int) float64 {
	if b.MaxN > 4 {
		panic("bleu: MaxN above 4 is not supported")
	}
	p := make([]Precision, b.MaxN)
	for n := 1; n <= b.MaxN; n++ {
		p[n-1] = modifiedPrecision(refs, hyp, n)
	}
	if p[0].Num == 0 {
		return 0
	}
	hypLen := len(hyp)
	bp := brevityPenalty(closestRefLen(refs, hypLen), hypLen)

	smoothed := b.Smoothing(p, hypLen)
	logs := make([]float64, len(smoothed))
	for i, pi := range smoothed {
		if pi <= 0 {
			pi = math.SmallestNonzeroFloat64
		}
		logs[i] = b.Weights[i] * math.Log(pi)
	}
	return bp * math.Exp(floats.Sum(logs))
}

// BatchBLEU is the mean sentence BLEU of preds[i] against targets[i].
func (b *BLEU) BatchBLEU(targets, preds [][]int) float64 {
	if len(targets) == 0 {
		return 0
	}
	if len(targets) != len(preds) {
		panic("bleu: batch size mismatch")
	}
	total := 0.0
	for i := range targets {
		total += b.SentenceBLEU([][]int{targets[i]}, preds[i])
	}
	return total / float64(len(targets))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
