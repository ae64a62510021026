package IO

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/manningwu07/captioner/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

func buildTestVocab(captions []string, threshold int, table EmbeddingTable) *Vocabulary {
	opts := DefaultVocabOptions()
	opts.Threshold = threshold
	opts.Dim = 4
	return BuildVocabulary(captions, table, opts, utils.NewRand(1), zap.NewNop())
}

func TestBuildVocabularyExample(t *testing.T) {
	v := buildTestVocab([]string{"a cat sat", "a cat ran"}, 1, nil)

	assert.Equal(t, []string{"a", "cat", "sat", "ran", "<start>", "<end>", "<unk>"}, v.IDToToken)
	assert.Equal(t, 7, v.Len())
	r, c := v.Weights.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 7, c)
	assert.Equal(t, v.UnkID(), v.Lookup("dog"))
	assert.Equal(t, 1, v.Lookup("cat"))
}

func TestBuildVocabularyThreshold(t *testing.T) {
	captions := []string{"A dog runs.", "a dog sits", "a bird flies", "the dog"}
	v := buildTestVocab(captions, 2, nil)

	// every token seen at least twice is present exactly once
	assert.Equal(t, []string{"a", "dog", "<start>", "<end>", "<unk>"}, v.IDToToken)
	for id, tok := range v.IDToToken {
		assert.Equal(t, id, v.TokenToID[tok])
	}
	assert.Equal(t, v.UnkID(), v.Lookup("bird"))
	assert.Equal(t, v.UnkID(), v.Lookup("."))
}

func TestBuildVocabularyPretrainedRows(t *testing.T) {
	table := EmbeddingTable{"cat": {1, 2, 3, 4}}
	v := buildTestVocab([]string{"a cat"}, 1, table)
	assert.Equal(t, []float64{1, 2, 3, 4}, mat.Col(nil, v.Lookup("cat"), v.Weights))
	assert.NotEqual(t, []float64{0, 0, 0, 0}, mat.Col(nil, v.Lookup("a"), v.Weights))
}

func TestBuildVocabularyReservedWordInCorpus(t *testing.T) {
	opts := DefaultVocabOptions()
	opts.Threshold = 1
	opts.Dim = 4
	opts.UnkWord = "cat"
	v := BuildVocabulary([]string{"a cat"}, nil, opts, utils.NewRand(1), zap.NewNop())

	assert.Equal(t, []string{"a", "cat", "<start>", "<end>"}, v.IDToToken)
	_, c := v.Weights.Dims()
	assert.Equal(t, v.Len(), c)
	assert.Equal(t, 1, v.UnkID())
}

func TestEncodeDecode(t *testing.T) {
	v := buildTestVocab([]string{"a cat sat", "a cat ran"}, 1, nil)
	ids := v.Encode("A cat flew")
	assert.Equal(t, []int{v.StartID(), 0, 1, v.UnkID(), v.EndID()}, ids)
	assert.Equal(t, "a cat <unk>", v.Decode(ids))
	assert.Equal(t, "a", v.Decode([]int{v.StartID(), 0, v.EndID(), 1}))
}

func TestVocabularySnapshotRoundTrip(t *testing.T) {
	v := buildTestVocab([]string{"a cat sat", "a cat ran"}, 1, nil)
	path := filepath.Join(t.TempDir(), "nested", "vocab.gob")
	require.NoError(t, SaveVocabulary(path, v))

	got, err := LoadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, v.TokenToID, got.TokenToID)
	assert.Equal(t, v.IDToToken, got.IDToToken)
	assert.True(t, mat.Equal(v.Weights, got.Weights))
	assert.Equal(t, v.Fingerprint, got.Fingerprint)
}

func TestLoadOrBuildVocabulary(t *testing.T) {
	dir := t.TempDir()
	ann := filepath.Join(dir, "captions.json")
	require.NoError(t, os.WriteFile(ann, []byte(`{"1":{"caption":"a cat sat","image":"1.png"},"2":{"caption":"a cat ran","image":"2.png"}}`), 0o644))

	opts := DefaultVocabOptions()
	opts.Threshold = 1
	opts.Dim = 4
	opts.Format = FormatFlat
	opts.AnnotationsFile = ann
	opts.VocabFile = filepath.Join(dir, "vocab.gob")
	opts.FromFile = true

	built, err := LoadOrBuildVocabulary(opts, utils.NewRand(1), zap.NewNop())
	require.NoError(t, err)
	assert.FileExists(t, opts.VocabFile)

	// a second run reuses the snapshot verbatim, even with a different seed
	loaded, err := LoadOrBuildVocabulary(opts, utils.NewRand(2), zap.NewNop())
	require.NoError(t, err)
	assert.True(t, mat.Equal(built.Weights, loaded.Weights))

	opts.FromFile = false
	rebuilt, err := LoadOrBuildVocabulary(opts, utils.NewRand(2), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, built.IDToToken, rebuilt.IDToToken)
	assert.False(t, mat.Equal(built.Weights, rebuilt.Weights))
}

func TestCorpusFingerprint(t *testing.T) {
	a := CorpusFingerprint([]string{"a cat", "sat"}, 3)
	assert.Equal(t, a, CorpusFingerprint([]string{"a cat", "sat"}, 3))
	assert.NotEqual(t, a, CorpusFingerprint([]string{"a", "cat sat"}, 3))
	assert.NotEqual(t, a, CorpusFingerprint([]string{"a cat", "sat"}, 2))
}

func TestTokenizeCaption(t *testing.T) {
	assert.Equal(t, []string{"a", "cat", "sat", "."}, TokenizeCaption("A cat  sat."))
	assert.Nil(t, TokenizeCaption("   "))
}
