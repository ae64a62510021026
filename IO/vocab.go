package IO

import (
	"math/rand/v2"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Reserved tokens, added after the corpus words.
const (
	DefaultStartWord = "<start>"
	DefaultEndWord   = "<end>"
	DefaultUnkWord   = "<unk>"

	numSpecialWords = 3

	// std-dev of the random row given to words missing from the pretrained table
	fallbackSigma = 0.6
)

// Vocabulary is the token <-> id mapping plus one embedding column per id.
type Vocabulary struct {
	Threshold int
	StartWord string
	EndWord   string
	UnkWord   string

	TokenToID map[string]int
	IDToToken []string

	// Weights is (Dim x |V|); column i is the embedding of token i.
	Dim     int
	Weights *mat.Dense

	// Fingerprint of the corpus and threshold the vocabulary was built from.
	Fingerprint uint64
}

type VocabOptions struct {
	Threshold       int
	VocabFile       string
	EmbeddingsFile  string
	AnnotationsFile string
	Format          string
	FromFile        bool
	Dim             int
	StartWord       string
	EndWord         string
	UnkWord         string
}

func DefaultVocabOptions() VocabOptions {
	return VocabOptions{
		Threshold: 3,
		VocabFile: "./vocab.gob",
		Format:    FormatCOCO,
		Dim:       300,
		StartWord: DefaultStartWord,
		EndWord:   DefaultEndWord,
		UnkWord:   DefaultUnkWord,
	}
}

func (o *VocabOptions) fillDefaults() {
	d := DefaultVocabOptions()
	if o.Dim <= 0 {
		o.Dim = d.Dim
	}
	if o.StartWord == "" {
		o.StartWord = d.StartWord
	}
	if o.EndWord == "" {
		o.EndWord = d.EndWord
	}
	if o.UnkWord == "" {
		o.UnkWord = d.UnkWord
	}
}

// BuildVocabulary counts tokens over captions and keeps those seen at least
// opts.Threshold times, in first-seen order, followed by start, end and unk.
// Each id gets the pretrained vector from table, or a Gaussian row when absent.
func BuildVocabulary(captions []string, table EmbeddingTable, opts VocabOptions, rng *rand.Rand, logger *zap.Logger) *Vocabulary {
	opts.fillDefaults()

	counts := make(map[string]int)
	var order []string
	for i, c := range captions {
		for _, tok := range TokenizeCaption(c) {
			if counts[tok] == 0 {
				order = append(order, tok)
			}
			counts[tok]++
		}
		if i%100000 == 0 {
			logger.Info("Tokenizing captions", zap.Int("done", i), zap.Int("total", len(captions)))
		}
	}

	words := make([]string, 0, len(order))
	for _, w := range order {
		if counts[w] >= opts.Threshold {
			words = append(words, w)
		}
	}

	v := &Vocabulary{
		Threshold:   opts.Threshold,
		StartWord:   opts.StartWord,
		EndWord:     opts.EndWord,
		UnkWord:     opts.UnkWord,
		TokenToID:   make(map[string]int, len(words)+numSpecialWords),
		IDToToken:   make([]string, 0, len(words)+numSpecialWords),
		Dim:         opts.Dim,
		Weights:     mat.NewDense(opts.Dim, len(words)+numSpecialWords, nil),
		Fingerprint: CorpusFingerprint(captions, opts.Threshold),
	}
	missing := 0
	for _, w := range append(words, opts.StartWord, opts.EndWord, opts.UnkWord) {
		if !v.addWord(w, table, rng) {
			missing++
		}
	}
	if _, c := v.Weights.Dims(); c > v.Len() {
		// a reserved word also occurred in the corpus
		v.Weights = mat.DenseCopyOf(v.Weights.Slice(0, v.Dim, 0, v.Len()))
	}
	logger.Info("Built vocabulary",
		zap.Int("size", v.Len()),
		zap.Int("threshold", opts.Threshold),
		zap.Int("without_pretrained", missing))
	return v
}

// addWord assigns the next id to w. Reports whether a pretrained vector was found.
func (v *Vocabulary) addWord(w string, table EmbeddingTable, rng *rand.Rand) bool {
	if _, ok := v.TokenToID[w]; ok {
		return true
	}
	id := len(v.IDToToken)
	v.TokenToID[w] = id
	v.IDToToken = append(v.IDToToken, w)

	vec, ok := table[w]
	if !ok {
		vec = utils.GaussianArray(rng, v.Dim, fallbackSigma)
	}
	v.Weights.SetCol(id, vec)
	return ok
}

// Lookup returns the id of tok, or the unknown-word id.
func (v *Vocabulary) Lookup(tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return v.TokenToID[v.UnkWord]
}

func (v *Vocabulary) Len() int { return len(v.IDToToken) }

func (v *Vocabulary) StartID() int { return v.TokenToID[v.StartWord] }
func (v *Vocabulary) EndID() int   { return v.TokenToID[v.EndWord] }
func (v *Vocabulary) UnkID() int   { return v.TokenToID[v.UnkWord] }

// Token returns the word for id, or the unknown word when id is out of range.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.IDToToken) {
		return v.UnkWord
	}
	return v.IDToToken[id]
}

// Encode turns a caption into [start, tokens..., end].
func (v *Vocabulary) Encode(caption string) []int {
	toks := TokenizeCaption(caption)
	ids := make([]int, 0, len(toks)+2)
	ids = append(ids, v.StartID())
	for _, t := range toks {
		ids = append(ids, v.Lookup(t))
	}
	return append(ids, v.EndID())
}

// Decode renders ids as text, dropping the start token and stopping at the end token.
func (v *Vocabulary) Decode(ids []int) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == v.EndID() {
			break
		}
		if id == v.StartID() {
			continue
		}
		words = append(words, v.Token(id))
	}
	return strings.Join(words, " ")
}

// CorpusFingerprint hashes the captions and threshold a vocabulary was built from.
func CorpusFingerprint(captions []string, threshold int) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(uint64(threshold) >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	for _, c := range captions {
		_, _ = h.WriteString(c)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// LoadOrBuildVocabulary reuses the snapshot at opts.VocabFile when opts.FromFile is
// set and the file exists. Otherwise it builds from the annotations and writes the
// snapshot. A reused snapshot built from a different corpus is only warned about.
func LoadOrBuildVocabulary(opts VocabOptions, rng *rand.Rand, logger *zap.Logger) (*Vocabulary, error) {
	opts.fillDefaults()
	if opts.FromFile && fileExists(opts.VocabFile) {
		v, err := LoadVocabulary(opts.VocabFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Vocabulary loaded from snapshot",
			zap.String("path", opts.VocabFile), zap.Int("size", v.Len()))
		if opts.AnnotationsFile != "" && fileExists(opts.AnnotationsFile) {
			anns, err := LoadAnnotations(opts.AnnotationsFile, opts.Format, logger)
			if err != nil {
				return nil, err
			}
			if fp := CorpusFingerprint(Captions(anns), v.Threshold); fp != v.Fingerprint {
				logger.Warn("Vocabulary snapshot was built from a different corpus",
					zap.String("snapshot", opts.VocabFile),
					zap.String("annotations", opts.AnnotationsFile))
			}
		}
		return v, nil
	}

	anns, err := LoadAnnotations(opts.AnnotationsFile, opts.Format, logger)
	if err != nil {
		return nil, err
	}
	var table EmbeddingTable
	if opts.EmbeddingsFile != "" {
		table, err = LoadEmbeddingTable(opts.EmbeddingsFile, opts.Dim)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("No pretrained embeddings configured, every word gets a random vector")
	}
	v := BuildVocabulary(Captions(anns), table, opts, rng, logger)
	if err := SaveVocabulary(opts.VocabFile, v); err != nil {
		return nil, err
	}
	logger.Info("Vocabulary snapshot written", zap.String("path", opts.VocabFile))
	return v, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

var errNoVocab = errors.New("vocabulary is empty")
