package IO

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestLoadAnnotationsCOCO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"images": [{"id": 7, "file_name": "seven.jpg"}, {"id": 9, "file_name": "nine.jpg"}],
		"annotations": [
			{"id": 20, "image_id": 9, "caption": "a dog"},
			{"id": 3, "image_id": 7, "caption": "a cat"}
		]}`), 0o644))

	anns, err := LoadAnnotations(path, FormatCOCO, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, anns, 2)
	assert.Equal(t, Annotation{ID: "3", ImageID: "7", File: "seven.jpg", Caption: "a cat"}, anns[0])
	assert.Equal(t, "nine.jpg", anns[1].File)
	assert.Equal(t, []string{"a cat", "a dog"}, Captions(anns))

	_, err = LoadAnnotations(path, "xml", zap.NewNop())
	assert.Error(t, err)
}

func TestLoadEmbeddingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "glove.txt")
	require.NoError(t, os.WriteFile(path, []byte("cat 0.1 0.2 0.3\ndog -1 0 1\n"), 0o644))

	table, err := LoadEmbeddingTable(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, table["cat"])
	assert.Len(t, table, 2)

	_, err = LoadEmbeddingTable(path, 4)
	assert.Error(t, err)

	gobPath := filepath.Join(dir, "glove.gob")
	require.NoError(t, SaveEmbeddingTable(gobPath, table))
	again, err := LoadEmbeddingTable(gobPath, 3)
	require.NoError(t, err)
	assert.Equal(t, table, again)
}

func TestImageToTensorAndFlip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{A: 255})
	img.Set(0, 1, color.RGBA{R: 255, A: 255})
	img.Set(1, 1, color.RGBA{A: 255})

	tensor := ImageToTensor(img, 2)
	r, c := tensor.Dims()
	assert.Equal(t, 12, r)
	assert.Equal(t, 1, c)
	red := (1 - imageMean[0]) / imageStd[0]
	black := (0 - imageMean[0]) / imageStd[0]
	assert.InDelta(t, red, tensor.At(0, 0), 1e-9)
	assert.InDelta(t, black, tensor.At(1, 0), 1e-9)

	flipped := FlipHorizontal(tensor, 2)
	assert.InDelta(t, black, flipped.At(0, 0), 1e-9)
	assert.InDelta(t, red, flipped.At(1, 0), 1e-9)
	assert.True(t, mat.Equal(tensor, FlipHorizontal(flipped, 2)))
}

func TestLengthBucketedSampling(t *testing.T) {
	samples := []Sample{
		{Caption: []int{1, 2, 3}},
		{Caption: []int{1, 2}},
		{Caption: []int{1, 4, 3}},
		{Caption: []int{1, 5, 6, 3}},
		{Caption: []int{2, 2}},
	}
	ds := NewMemoryDataset(samples, 6, 7)
	rng := utils.NewRand(5)
	for i := 0; i < 50; i++ {
		idx := ds.SampleIndices(rng)
		require.Len(t, idx, 6)
		b, err := ds.Fetch(idx)
		require.NoError(t, err)
		for _, c := range b.Captions {
			assert.Len(t, c, b.CaptionLen())
		}
	}
}

func TestFetchUnavailable(t *testing.T) {
	ds := NewMemoryDataset([]Sample{{Caption: []int{1}}}, 2, 3)

	_, err := ds.Fetch(nil)
	assert.True(t, errors.Is(err, ErrBatchUnavailable))

	_, err = ds.Fetch([]int{0, 4})
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []int{0, 4}, ue.Indices)
	assert.True(t, errors.Is(err, ErrBatchUnavailable))
}

func TestCaptionDataset(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "red.png"), color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(dir, "blue.png"), color.RGBA{B: 255, A: 255})
	anns := []Annotation{
		{ID: "1", File: "red.png", Caption: "a red square"},
		{ID: "2", File: "blue.png", Caption: "a blue square"},
		{ID: "3", File: "missing.png", Caption: "a lost square"},
	}
	vocab := buildTestVocab(Captions(anns), 1, nil)

	ds, err := NewCaptionDataset(DatasetConfig{ImageDir: dir, BatchSize: 2, ImageSize: 4, Seed: 1}, anns, vocab, zap.NewNop())
	require.NoError(t, err)
	defer ds.Close()

	require.NoError(t, ds.Preload(context.Background(), 2))
	assert.Equal(t, 2, ds.images.Cached())

	b, err := ds.Fetch([]int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, vocab.Encode("a red square"), b.Captions[0])
	r, _ := b.Images[1].Dims()
	assert.Equal(t, 3*4*4, r)

	_, err = ds.Fetch([]int{0, 2})
	assert.True(t, errors.Is(err, ErrBatchUnavailable))

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, vocab.Len(), ds.VocabSize())

	_, err = NewCaptionDataset(DatasetConfig{BatchSize: 0}, anns, vocab, zap.NewNop())
	assert.Error(t, err)
}
