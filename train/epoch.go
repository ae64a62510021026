package train

import (
	"context"
	"fmt"
	"time"

	"github.com/manningwu07/captioner/IO"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EpochStats summarises one pass over a source.
type EpochStats struct {
	Phase          Phase
	Steps          int
	BatchesSkipped int
	// RunningLoss is the sum of batch loss times batch size over fetched batches.
	RunningLoss float64
	// Loss is RunningLoss over the dataset size.
	Loss float64
	// BLEU is the mean batch BLEU-4 over fetched batches.
	BLEU          float64
	LastBatchBLEU float64
	// LegacyBLEU is the last batch BLEU divided by the step count. It understates
	// the epoch score and is kept only to compare against older runs.
	LegacyBLEU float64
	Duration   time.Duration
}

// RunEpoch runs ceil(len/batch) steps over src. In the train phase every fetched
// batch also updates the weights.
func (t *Trainer) RunEpoch(ctx context.Context, phase Phase, src IO.Source) (EpochStats, error) {
	start := time.Now()
	n, bs := src.Len(), src.BatchSize()
	if n == 0 || bs <= 0 {
		return EpochStats{Phase: phase}, errors.Errorf("%s source is empty (len %d, batch size %d)", phase, n, bs)
	}
	steps := (n + bs - 1) / bs
	stats := EpochStats{Phase: phase, Steps: steps}
	logger := t.logger.With(zap.String("phase", string(phase)))
	training := phase == PhaseTrain

	bleuSum := 0.0
	scored := 0
	for step := 1; step <= steps; step++ {
		if err := ctx.Err(); err != nil {
			stats.Duration = time.Since(start)
			return stats, errors.Wrapf(err, "%s epoch stopped at step %d", phase, step)
		}

		batch, err := t.fetch(src)
		if err != nil {
			if errors.Is(err, IO.ErrBatchUnavailable) && t.cfg.Unavailable != PolicyAbort {
				stats.BatchesSkipped++
				t.metrics.observeSkip(phase)
				logger.Warn("Skipping batch", zap.Int("step", step), zap.Error(err))
				continue
			}
			stats.Duration = time.Since(start)
			return stats, errors.Wrapf(err, "%s step %d", phase, step)
		}

		if training {
			t.opt.ZeroGrad()
		}
		loss, preds := t.model.Step(batch, training)
		if training {
			t.opt.Step()
			if t.sched != nil {
				t.sched.Step()
			}
		}
		bleu := t.bleu.BatchBLEU(batch.Captions, preds)

		stats.RunningLoss += loss * float64(batch.Size())
		stats.LastBatchBLEU = bleu
		bleuSum += bleu
		scored++
		t.metrics.observeStep(phase, loss, bleu)

		if step%t.cfg.LogEvery == 0 || step == steps {
			logger.Info("Step",
				zap.String("progress", fmt.Sprintf("[%d/%d]", step, steps)),
				zap.Float64("loss", loss),
				zap.Float64("bleu4", bleu))
		}
	}
	if training {
		t.metrics.observeLearningRates(t.opt.LearningRates())
	}

	stats.Loss = stats.RunningLoss / float64(n)
	if scored > 0 {
		stats.BLEU = bleuSum / float64(scored)
	}
	stats.LegacyBLEU = stats.LastBatchBLEU / float64(steps)
	stats.Duration = time.Since(start)
	t.metrics.observeEpoch(stats)
	return stats, nil
}

// fetch samples and assembles one batch, resampling on failure under PolicyRetry.
func (t *Trainer) fetch(src IO.Source) (*IO.Batch, error) {
	attempts := 1
	if t.cfg.Unavailable == PolicyRetry {
		attempts += max(0, t.cfg.MaxFetchRetries)
	}
	var err error
	for a := 0; a < attempts; a++ {
		var batch *IO.Batch
		batch, err = src.Fetch(src.SampleIndices(t.rng))
		if err == nil {
			return batch, nil
		}
		if !errors.Is(err, IO.ErrBatchUnavailable) {
			return nil, err
		}
		if a+1 < attempts {
			t.logger.Debug("Retrying batch", zap.Int("attempt", a+1), zap.Error(err))
		}
	}
	return nil, err
}
