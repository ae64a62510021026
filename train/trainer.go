// Package train drives epochs over a caption dataset and writes checkpoints.
package train

import (
	"math/rand/v2"

	"github.com/manningwu07/captioner/IO"
	"github.com/manningwu07/captioner/metrics"
	"github.com/manningwu07/captioner/optimizations"
	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseVal   Phase = "val"
)

// UnavailablePolicy decides what happens when a batch cannot be fetched.
type UnavailablePolicy string

const (
	// PolicySkip counts the batch as skipped and moves to the next step.
	PolicySkip UnavailablePolicy = "skip"
	// PolicyRetry resamples up to MaxFetchRetries times, then skips.
	PolicyRetry UnavailablePolicy = "retry"
	// PolicyAbort ends the epoch with the fetch error.
	PolicyAbort UnavailablePolicy = "abort"
)

func ParseUnavailablePolicy(s string) (UnavailablePolicy, error) {
	switch p := UnavailablePolicy(s); p {
	case PolicySkip, PolicyRetry, PolicyAbort:
		return p, nil
	case "":
		return PolicySkip, nil
	}
	return "", errors.Errorf("unknown unavailable-batch policy %q (want skip, retry or abort)", s)
}

// Model is what the trainer optimises.
type Model interface {
	// Step returns the mean loss over every caption position of the batch and the
	// argmax prediction per position, accumulating grads when backward is set.
	Step(batch *IO.Batch, backward bool) (float64, [][]int)
	Save(encoderPath, decoderPath string) error
}

type Config struct {
	Epochs int
	// LastEpoch offsets the epoch number used in checkpoint names when resuming.
	LastEpoch       int
	Stage           string
	LogEvery        int
	Unavailable     UnavailablePolicy
	MaxFetchRetries int
	Seed            uint64
}

type Trainer struct {
	cfg    Config
	model  Model
	opt    *optimizations.Adam
	bleu   *metrics.BLEU
	logger *zap.Logger
	rng    *rand.Rand

	sched   optimizations.Scheduler
	store   *CheckpointStore
	metrics *Metrics
}

type Option func(*Trainer)

func WithScheduler(s optimizations.Scheduler) Option {
	return func(t *Trainer) { t.sched = s }
}

func WithCheckpointStore(s *CheckpointStore) Option {
	return func(t *Trainer) { t.store = s }
}

func WithMetrics(m *Metrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

func New(cfg Config, model Model, opt *optimizations.Adam, bleu *metrics.BLEU, logger *zap.Logger, opts ...Option) *Trainer {
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 1
	}
	if cfg.Unavailable == "" {
		cfg.Unavailable = PolicySkip
	}
	if bleu == nil {
		bleu = metrics.NewBLEU4(metrics.Method6(5))
	}
	t := &Trainer{
		cfg:    cfg,
		model:  model,
		opt:    opt,
		bleu:   bleu,
		logger: logger.Named("train"),
		rng:    utils.NewRand(cfg.Seed),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}
