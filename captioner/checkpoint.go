package captioner

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/manningwu07/captioner/optimizations"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type paramData struct {
	Name       string
	Rows, Cols int
	Data       []float64

	// Adam moments, empty before the first step
	M, V  []float64
	Steps int
}

type checkpointData struct {
	Params []paramData
}

func flatten(m *mat.Dense) []float64 {
	if m == nil {
		return nil
	}
	return append([]float64(nil), mat.DenseCopyOf(m).RawMatrix().Data...)
}

// SaveParams persists ps (weights and Adam moments) to path with gob.
func SaveParams(path string, ps []*optimizations.Param) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating checkpoint dir")
	}
	data := checkpointData{Params: make([]paramData, len(ps))}
	for i, p := range ps {
		r, c := p.Value.Dims()
		data.Params[i] = paramData{
			Name: p.Name, Rows: r, Cols: c,
			Data: flatten(p.Value),
			M:    flatten(p.M),
			V:    flatten(p.V),

			Steps: p.Steps,
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating checkpoint")
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(&data); err != nil {
		return errors.Wrapf(err, "encoding checkpoint %s", path)
	}
	return nil
}

// LoadParams restores ps from path. Every param must be present with the same shape.
func LoadParams(path string, ps []*optimizations.Param) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening checkpoint")
	}
	defer f.Close()

	var data checkpointData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return errors.Wrapf(err, "decoding checkpoint %s", path)
	}
	byName := make(map[string]paramData, len(data.Params))
	for _, pd := range data.Params {
		byName[pd.Name] = pd
	}
	for _, p := range ps {
		pd, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint %s has no param %q", path, p.Name)
		}
		r, c := p.Value.Dims()
		if pd.Rows != r || pd.Cols != c || len(pd.Data) != r*c {
			return errors.Errorf("checkpoint %s: param %q is %dx%d, model expects %dx%d",
				path, p.Name, pd.Rows, pd.Cols, r, c)
		}
		p.Value.Copy(mat.NewDense(r, c, pd.Data))
		// moments without a step count would be bias-corrected as fresh
		if pd.Steps > 0 && len(pd.M) == r*c && len(pd.V) == r*c {
			p.M = mat.NewDense(r, c, pd.M)
			p.V = mat.NewDense(r, c, pd.V)
			p.Steps = pd.Steps
		} else {
			p.M, p.V, p.Steps = nil, nil, 0
		}
	}
	return nil
}

// Save writes the encoder and decoder checkpoints.
func (m *Model) Save(encoderPath, decoderPath string) error {
	if err := SaveParams(encoderPath, m.Encoder.StateParams()); err != nil {
		return err
	}
	return SaveParams(decoderPath, m.Decoder.Params())
}

func (m *Model) Load(encoderPath, decoderPath string) error {
	if err := LoadParams(encoderPath, m.Encoder.StateParams()); err != nil {
		return err
	}
	return LoadParams(decoderPath, m.Decoder.Params())
}
