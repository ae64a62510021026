package captioner

import (
	"math/rand/v2"

	"github.com/manningwu07/captioner/IO"
	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type Config struct {
	Backbone         string
	ImageSize        int
	BackboneChannels int
	GridSize         int
	TrainBackbone    bool

	EmbedSize  int
	HiddenSize int
	NumLayers  int
}

// Model is the encoder/decoder pair trained together.
type Model struct {
	Encoder *Encoder
	Decoder *Decoder
}

func New(cfg Config, vocab *IO.Vocabulary, rng *rand.Rand) (*Model, error) {
	if vocab == nil || vocab.Len() == 0 {
		return nil, errors.New("model needs a non-empty vocabulary")
	}
	if cfg.EmbedSize <= 0 || cfg.HiddenSize <= 0 {
		return nil, errors.Errorf("embed size and hidden size must be positive, got %d/%d", cfg.EmbedSize, cfg.HiddenSize)
	}
	backbone, err := NewBackbone(cfg.Backbone, cfg.ImageSize, cfg.BackboneChannels, cfg.GridSize, rng)
	if err != nil {
		return nil, err
	}
	return &Model{
		Encoder: NewEncoder(backbone, cfg.EmbedSize, cfg.TrainBackbone, rng),
		Decoder: NewDecoder(vocab.Weights, cfg.EmbedSize, cfg.HiddenSize, cfg.NumLayers, rng),
	}, nil
}

// Step scores a batch with teacher forcing. It returns the mean cross-entropy over
// all B*T positions and the argmax prediction for every position. With backward set,
// gradients of that mean are accumulated into the params.
func (m *Model) Step(batch *IO.Batch, backward bool) (float64, [][]int) {
	B := batch.Size()
	if B == 0 {
		return 0, nil
	}
	positions := 0
	for _, c := range batch.Captions {
		positions += len(c)
	}
	scale := 1 / float64(positions)

	total := 0.0
	preds := make([][]int, B)
	for k := 0; k < B; k++ {
		feat := m.Encoder.Forward(batch.Images[k])
		logits := m.Decoder.Forward(feat, batch.Captions[k])
		loss, grad := utils.CrossEntropyColumns(logits, batch.Captions[k])
		total += loss
		preds[k] = utils.ArgmaxColumns(logits)
		if backward {
			grad.Scale(scale, grad)
			m.Encoder.Backward(m.Decoder.Backward(grad))
		}
	}
	return total * scale, preds
}

// Caption greedily decodes one image.
func (m *Model) Caption(img *mat.Dense, vocab *IO.Vocabulary, maxLen int) string {
	ids := m.Decoder.Sample(m.Encoder.Forward(img), vocab.EndID(), maxLen)
	return vocab.Decode(ids)
}
