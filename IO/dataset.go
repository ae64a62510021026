package IO

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// ErrBatchUnavailable marks a batch that could not be assembled. The caller decides
// whether to retry, skip or abort.
var ErrBatchUnavailable = errors.New("batch unavailable")

// UnavailableError carries the cause of a failed fetch and matches ErrBatchUnavailable.
type UnavailableError struct {
	Indices []int
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("batch unavailable (%d indices): %v", len(e.Indices), e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrBatchUnavailable }

// Batch holds images and captions; every caption has the same length.
type Batch struct {
	Images   []*mat.Dense
	Captions [][]int
}

func (b *Batch) Size() int { return len(b.Captions) }

// CaptionLen is the shared caption length, 0 for an empty batch.
func (b *Batch) CaptionLen() int {
	if len(b.Captions) == 0 {
		return 0
	}
	return len(b.Captions[0])
}

// Source is what the epoch driver pulls batches from.
type Source interface {
	// Len is the number of captions in the dataset.
	Len() int
	BatchSize() int
	VocabSize() int
	// SampleIndices draws a batch of indices whose captions share one length.
	SampleIndices(rng *rand.Rand) []int
	// Fetch assembles the batch; failures match ErrBatchUnavailable.
	Fetch(indices []int) (*Batch, error)
}

// lengthIndex groups caption indices by caption length.
type lengthIndex struct {
	lengths  []int
	byLength map[int][]int
}

func newLengthIndex(captions [][]int) lengthIndex {
	li := lengthIndex{lengths: make([]int, len(captions)), byLength: make(map[int][]int)}
	for i, c := range captions {
		li.lengths[i] = len(c)
		li.byLength[len(c)] = append(li.byLength[len(c)], i)
	}
	return li
}

// sample picks a length with probability proportional to its frequency, then draws
// batchSize indices of that length with replacement.
func (li lengthIndex) sample(rng *rand.Rand, batchSize int) []int {
	if len(li.lengths) == 0 {
		return nil
	}
	sel := li.lengths[rng.IntN(len(li.lengths))]
	pool := li.byLength[sel]
	out := make([]int, batchSize)
	for i := range out {
		out[i] = pool[rng.IntN(len(pool))]
	}
	return out
}

type DatasetConfig struct {
	ImageDir  string
	BatchSize int
	ImageSize int
	// Flip mirrors images at random (training augmentation).
	Flip      bool
	CacheSize int
	CacheTTL  time.Duration
	Seed      uint64
}

// CaptionDataset serves (image, caption) pairs from an annotation corpus on disk.
type CaptionDataset struct {
	cfg      DatasetConfig
	vocab    *Vocabulary
	anns     []Annotation
	captions [][]int
	index    lengthIndex
	images   *ImageLoader
	rng      *rand.Rand
	logger   *zap.Logger
}

func NewCaptionDataset(cfg DatasetConfig, anns []Annotation, vocab *Vocabulary, logger *zap.Logger) (*CaptionDataset, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if len(anns) == 0 {
		return nil, errors.New("dataset has no annotations")
	}
	captions := make([][]int, len(anns))
	for i, a := range anns {
		captions[i] = vocab.Encode(a.Caption)
	}
	return &CaptionDataset{
		cfg:      cfg,
		vocab:    vocab,
		anns:     anns,
		captions: captions,
		index:    newLengthIndex(captions),
		images:   NewImageLoader(cfg.ImageSize, cfg.CacheSize, cfg.CacheTTL),
		rng:      utils.NewRand(cfg.Seed),
		logger:   logger,
	}, nil
}

func (d *CaptionDataset) Len() int       { return len(d.captions) }
func (d *CaptionDataset) BatchSize() int { return d.cfg.BatchSize }
func (d *CaptionDataset) VocabSize() int { return d.vocab.Len() }

func (d *CaptionDataset) SampleIndices(rng *rand.Rand) []int {
	return d.index.sample(rng, d.cfg.BatchSize)
}

func (d *CaptionDataset) imagePath(i int) string {
	return filepath.Join(d.cfg.ImageDir, d.anns[i].File)
}

func (d *CaptionDataset) Fetch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, &UnavailableError{Err: errors.New("no indices sampled")}
	}
	b := &Batch{
		Images:   make([]*mat.Dense, len(indices)),
		Captions: make([][]int, len(indices)),
	}
	for k, i := range indices {
		if i < 0 || i >= len(d.captions) {
			return nil, &UnavailableError{Indices: indices, Err: errors.Errorf("index %d out of range", i)}
		}
		if d.anns[i].File == "" {
			return nil, &UnavailableError{Indices: indices, Err: errors.Errorf("annotation %s has no image", d.anns[i].ID)}
		}
		img, err := d.images.Load(d.imagePath(i))
		if err != nil {
			return nil, &UnavailableError{Indices: indices, Err: err}
		}
		if d.cfg.Flip && d.rng.IntN(2) == 1 {
			img = FlipHorizontal(img, d.cfg.ImageSize)
		}
		b.Images[k] = img
		b.Captions[k] = d.captions[i]
	}
	return b, nil
}

// Preload decodes every referenced image into the cache using up to workers goroutines.
// Images that fail to load are counted and left for Fetch to report.
func (d *CaptionDataset) Preload(ctx context.Context, workers int) error {
	seen := make(map[string]struct{}, len(d.anns))
	var paths []string
	for i := range d.anns {
		if d.anns[i].File == "" {
			continue
		}
		p := d.imagePath(i)
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}

	var failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	for _, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := d.images.Load(p); err != nil {
				failed.Add(1)
				d.logger.Debug("Preload failed", zap.String("path", p), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "preloading images")
	}
	d.logger.Info("Preloaded images",
		zap.Int("images", len(paths)),
		zap.Int64("failed", failed.Load()),
		zap.Int("cached", d.images.Cached()))
	return nil
}

func (d *CaptionDataset) Close() {
	d.images.Close()
}

// Sample is one in-memory (image, caption) pair.
type Sample struct {
	Image   *mat.Dense
	Caption []int
}

// MemoryDataset serves samples held in memory.
type MemoryDataset struct {
	samples   []Sample
	batchSize int
	vocabSize int
	index     lengthIndex
}

func NewMemoryDataset(samples []Sample, batchSize, vocabSize int) *MemoryDataset {
	captions := make([][]int, len(samples))
	for i, s := range samples {
		captions[i] = s.Caption
	}
	return &MemoryDataset{
		samples:   samples,
		batchSize: batchSize,
		vocabSize: vocabSize,
		index:     newLengthIndex(captions),
	}
}

func (d *MemoryDataset) Len() int       { return len(d.samples) }
func (d *MemoryDataset) BatchSize() int { return d.batchSize }
func (d *MemoryDataset) VocabSize() int { return d.vocabSize }

func (d *MemoryDataset) SampleIndices(rng *rand.Rand) []int {
	return d.index.sample(rng, d.batchSize)
}

func (d *MemoryDataset) Fetch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, &UnavailableError{Err: errors.New("no indices sampled")}
	}
	b := &Batch{
		Images:   make([]*mat.Dense, len(indices)),
		Captions: make([][]int, len(indices)),
	}
	for k, i := range indices {
		if i < 0 || i >= len(d.samples) {
			return nil, &UnavailableError{Indices: indices, Err: errors.Errorf("index %d out of range", i)}
		}
		b.Images[k] = d.samples[i].Image
		b.Captions[k] = d.samples[i].Caption
	}
	return b, nil
}
