package IO

import (
	"bufio"
	"encoding/gob"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EmbeddingTable maps a word to its pretrained vector (GloVe).
type EmbeddingTable map[string][]float64

// LoadEmbeddingTable reads GloVe text ("word v1 ... vd" per line) or a gob snapshot
// written by SaveEmbeddingTable (".gob" suffix). Every vector must have dim entries.
func LoadEmbeddingTable(path string, dim int) (EmbeddingTable, error) {
	if strings.HasSuffix(path, ".gob") {
		return loadEmbeddingGob(path, dim)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening embeddings")
	}
	defer f.Close()

	table := make(EmbeddingTable, 1<<16)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<24)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields)-1 != dim {
			return nil, errors.Errorf("%s:%d: expected %d values, got %d", path, line, dim, len(fields)-1)
		}
		vec := make([]float64, dim)
		for i, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, line)
			}
			vec[i] = v
		}
		table[fields[0]] = vec
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading embeddings")
	}
	return table, nil
}

func loadEmbeddingGob(path string, dim int) (EmbeddingTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening embeddings")
	}
	defer f.Close()
	var table EmbeddingTable
	if err := gob.NewDecoder(f).Decode(&table); err != nil {
		return nil, errors.Wrap(err, "decoding embeddings")
	}
	for w, v := range table {
		if len(v) != dim {
			return nil, errors.Errorf("embedding for %q has %d values, expected %d", w, len(v), dim)
		}
	}
	return table, nil
}

// SaveEmbeddingTable writes a gob snapshot so large text tables are parsed once.
func SaveEmbeddingTable(path string, table EmbeddingTable) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating embeddings snapshot")
	}
	defer f.Close()
	return errors.Wrap(gob.NewEncoder(f).Encode(table), "encoding embeddings")
}
