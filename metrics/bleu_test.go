package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentenceBLEUIdentical(t *testing.T) {
	b := NewBLEU4(Method6(5))
	assert.InDelta(t, 1.0, b.SentenceBLEU([][]int{{1, 2, 3, 4, 5}}, []int{1, 2, 3, 4, 5}), 1e-12)
}

func TestSentenceBLEUNoUnigramMatch(t *testing.T) {
	b := NewBLEU4(Method1(0.1))
	assert.Equal(t, 0.0, b.SentenceBLEU([][]int{{1, 2, 3, 4}}, []int{5, 6, 7, 8}))
}

func TestSentenceBLEUBrevityPenalty(t *testing.T) {
	b := NewBLEU4(nil)
	got := b.SentenceBLEU([][]int{{1, 2, 3, 4, 5, 6}}, []int{1, 2, 3, 4})
	assert.InDelta(t, math.Exp(1-6.0/4.0), got, 1e-12)
}

func TestSentenceBLEUSmoothing(t *testing.T) {
	ref := [][]int{{1, 2, 3, 4}}
	hyp := []int{1, 2, 3, 5}
	p1, p2, p3 := 3.0/4, 2.0/3, 1.0/2

	t.Run("none", func(t *testing.T) {
		got := NewBLEU4(NoSmoothing).SentenceBLEU(ref, hyp)
		assert.InDelta(t, 0, got, 1e-12)
	})

	t.Run("method1", func(t *testing.T) {
		want := math.Exp(0.25 * (math.Log(p1) + math.Log(p2) + math.Log(p3) + math.Log(0.1)))
		got := NewBLEU4(Method1(0.1)).SentenceBLEU(ref, hyp)
		assert.InDelta(t, want, got, 1e-12)
	})

	t.Run("method6", func(t *testing.T) {
		alpha := 5.0
		s3 := (1 + alpha*(p2*p2/p1)) / (2 + alpha)
		s4 := (0 + alpha*(s3*s3/p2)) / (1 + alpha)
		want := math.Exp(0.25 * (math.Log(p1) + math.Log(p2) + math.Log(s3) + math.Log(s4)))
		got := NewBLEU4(Method6(alpha)).SentenceBLEU(ref, hyp)
		assert.InDelta(t, want, got, 1e-12)
	})
}

func TestSentenceBLEUClipsRepeats(t *testing.T) {
	// "the the the" against "the cat": unigram precision is clipped to 1/3.
	p := modifiedPrecision([][]int{{7, 8}}, []int{7, 7, 7}, 1)
	assert.Equal(t, Precision{Num: 1, Den: 3}, p)
}

func TestBatchBLEUMean(t *testing.T) {
	b := NewBLEU4(Method6(5))
	targets := [][]int{{1, 2, 3, 4}, {1, 2, 3, 4}}
	preds := [][]int{{1, 2, 3, 4}, {9, 9, 9, 9}}
	assert.InDelta(t, 0.5, b.BatchBLEU(targets, preds), 1e-12)
	assert.Equal(t, 0.0, b.BatchBLEU(nil, nil))
}

func TestSmoothingByName(t *testing.T) {
	for _, name := range []string{"", "method6", "method1", "none"} {
		_, ok := SmoothingByName(name)
		assert.True(t, ok, name)
	}
	_, ok := SmoothingByName("method9")
	assert.False(t, ok)
}
