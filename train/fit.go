package train

import (
	"context"
	"math"

	"github.com/manningwu07/captioner/IO"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// History records per-epoch results of Fit.
type History struct {
	TrainLoss, ValLoss []float64
	TrainBLEU, ValBLEU []float64

	// BestValLoss is +Inf until a val phase completes.
	BestValLoss float64
	BestEpoch   int
	// BestCheckpoint is the best pair still on disk, empty without a store.
	BestCheckpoint string
	BatchesSkipped int
}

// Fit runs cfg.Epochs epochs of train then val. The val source is optional. After
// every phase a checkpoint pair is written when a store is configured.
func (t *Trainer) Fit(ctx context.Context, sources map[Phase]IO.Source) (History, error) {
	hist := History{BestValLoss: math.Inf(1), BestEpoch: -1}
	if _, ok := sources[PhaseTrain]; !ok {
		return hist, errors.New("fit needs a train source")
	}

	trainLoss, valLoss := math.NaN(), math.NaN()
	for i := 0; i < t.cfg.Epochs; i++ {
		epoch := i + t.cfg.LastEpoch
		t.logger.Info("Epoch", zap.Int("epoch", i+1), zap.Int("of", t.cfg.Epochs))

		for _, phase := range []Phase{PhaseTrain, PhaseVal} {
			src, ok := sources[phase]
			if !ok {
				continue
			}
			stats, err := t.RunEpoch(ctx, phase, src)
			hist.BatchesSkipped += stats.BatchesSkipped
			if err != nil {
				return hist, err
			}

			t.logger.Info("Epoch done",
				zap.String("phase", string(phase)),
				zap.Float64("loss", stats.Loss),
				zap.Float64("bleu4", stats.BLEU),
				zap.Float64("legacy_bleu4", stats.LegacyBLEU),
				zap.Int("skipped", stats.BatchesSkipped),
				zap.Duration("took", stats.Duration))

			if phase == PhaseTrain {
				trainLoss = stats.Loss
				hist.TrainLoss = append(hist.TrainLoss, stats.Loss)
				hist.TrainBLEU = append(hist.TrainBLEU, stats.BLEU)
			} else {
				valLoss = stats.Loss
				hist.ValLoss = append(hist.ValLoss, stats.Loss)
				hist.ValBLEU = append(hist.ValBLEU, stats.BLEU)
				if stats.Loss < hist.BestValLoss {
					hist.BestValLoss = stats.Loss
					hist.BestEpoch = epoch
				}
			}

			if t.store != nil {
				name := CheckpointName{Epoch: epoch, ValLoss: valLoss, TrainLoss: trainLoss, Stage: t.cfg.Stage}
				if err := t.store.Save(t.model, name); err != nil {
					return hist, err
				}
				if best, ok := t.store.Best(); ok {
					hist.BestCheckpoint = best.String()
				}
			}
		}
	}
	t.logger.Info("Training finished",
		zap.Int("batches_skipped", hist.BatchesSkipped),
		zap.Float64("best_val_loss", hist.BestValLoss),
		zap.String("best_checkpoint", hist.BestCheckpoint))
	return hist, nil
}
