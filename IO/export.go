package IO

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type vocabSnapshot struct {
	Threshold int
	StartWord string
	EndWord   string
	UnkWord   string
	TokenToID map[string]int
	IDToToken []string

	Dim        int
	Rows, Cols int
	Weights    []float64

	Fingerprint uint64
}

// SaveVocabulary writes the whole vocabulary (mappings and embedding table) as gob.
func SaveVocabulary(path string, v *Vocabulary) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating vocabulary dir")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating vocabulary snapshot")
	}
	defer f.Close()

	r, c := v.Weights.Dims()
	snap := vocabSnapshot{
		Threshold:   v.Threshold,
		StartWord:   v.StartWord,
		EndWord:     v.EndWord,
		UnkWord:     v.UnkWord,
		TokenToID:   v.TokenToID,
		IDToToken:   v.IDToToken,
		Dim:         v.Dim,
		Rows:        r,
		Cols:        c,
		Weights:     append([]float64(nil), mat.DenseCopyOf(v.Weights).RawMatrix().Data...),
		Fingerprint: v.Fingerprint,
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		return errors.Wrap(err, "encoding vocabulary")
	}
	return nil
}

// LoadVocabulary reads a snapshot written by SaveVocabulary.
func LoadVocabulary(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vocabulary snapshot")
	}
	defer f.Close()

	var snap vocabSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, errors.Wrapf(err, "decoding vocabulary %s", path)
	}
	if len(snap.IDToToken) == 0 {
		return nil, errors.Wrap(errNoVocab, path)
	}
	if snap.Rows*snap.Cols != len(snap.Weights) || snap.Cols != len(snap.IDToToken) {
		return nil, errors.Errorf("vocabulary %s: weight table %dx%d does not match %d tokens",
			path, snap.Rows, snap.Cols, len(snap.IDToToken))
	}
	return &Vocabulary{
		Threshold:   snap.Threshold,
		StartWord:   snap.StartWord,
		EndWord:     snap.EndWord,
		UnkWord:     snap.UnkWord,
		TokenToID:   snap.TokenToID,
		IDToToken:   snap.IDToToken,
		Dim:         snap.Dim,
		Weights:     mat.NewDense(snap.Rows, snap.Cols, snap.Weights),
		Fingerprint: snap.Fingerprint,
	}, nil
}
