package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const checkpointExt = ".gob"

// CheckpointName identifies one encoder/decoder pair:
// {epoch}_{val:.2f}_val_{train:.2f}_tr_{stage}. A loss not yet measured is NaN.
type CheckpointName struct {
	Epoch     int
	ValLoss   float64
	TrainLoss float64
	Stage     string
}

func (n CheckpointName) String() string {
	return fmt.Sprintf("%d_%.2f_val_%.2f_tr_%s", n.Epoch, n.ValLoss, n.TrainLoss, n.Stage)
}

// ParseCheckpointName reverses String, accepting an optional encoder/decoder prefix
// and file extension.
func ParseCheckpointName(s string) (CheckpointName, error) {
	base := strings.TrimSuffix(filepath.Base(s), checkpointExt)
	base = strings.TrimPrefix(strings.TrimPrefix(base, "encoder"), "decoder")

	var n CheckpointName
	epoch, rest, ok := strings.Cut(base, "_")
	if !ok {
		return n, errors.Errorf("malformed checkpoint name %q", s)
	}
	val, rest, ok := strings.Cut(rest, "_val_")
	if !ok {
		return n, errors.Errorf("malformed checkpoint name %q", s)
	}
	tr, stage, ok := strings.Cut(rest, "_tr_")
	if !ok {
		return n, errors.Errorf("malformed checkpoint name %q", s)
	}
	var err error
	if n.Epoch, err = strconv.Atoi(epoch); err != nil {
		return n, errors.Wrapf(err, "checkpoint %q epoch", s)
	}
	if n.ValLoss, err = strconv.ParseFloat(val, 64); err != nil {
		return n, errors.Wrapf(err, "checkpoint %q val loss", s)
	}
	if n.TrainLoss, err = strconv.ParseFloat(tr, 64); err != nil {
		return n, errors.Wrapf(err, "checkpoint %q train loss", s)
	}
	n.Stage = stage
	return n, nil
}

type RetentionKind string

const (
	RetainAll  RetentionKind = "all"
	RetainBest RetentionKind = "best"
	RetainLast RetentionKind = "last"
)

// RetentionPolicy decides which checkpoint pairs stay on disk.
type RetentionPolicy struct {
	Kind RetentionKind
	// Keep is the number of pairs kept by RetainLast.
	Keep int
}

// ParseRetention accepts "all", "best" or "last:N".
func ParseRetention(s string) (RetentionPolicy, error) {
	switch {
	case s == "" || s == string(RetainAll):
		return RetentionPolicy{Kind: RetainAll}, nil
	case s == string(RetainBest):
		return RetentionPolicy{Kind: RetainBest}, nil
	case strings.HasPrefix(s, string(RetainLast)+":"):
		k, err := strconv.Atoi(strings.TrimPrefix(s, string(RetainLast)+":"))
		if err != nil || k <= 0 {
			return RetentionPolicy{}, errors.Errorf("retention %q: keep count must be a positive integer", s)
		}
		return RetentionPolicy{Kind: RetainLast, Keep: k}, nil
	}
	return RetentionPolicy{}, errors.Errorf("unknown retention policy %q (want all, best or last:N)", s)
}

func (p RetentionPolicy) String() string {
	if p.Kind == RetainLast {
		return fmt.Sprintf("%s:%d", p.Kind, p.Keep)
	}
	return string(p.Kind)
}

// CheckpointStore writes checkpoint pairs into Dir and prunes them per Policy.
// It only prunes pairs it wrote itself.
type CheckpointStore struct {
	Dir    string
	Policy RetentionPolicy

	kept    []CheckpointName
	logger  *zap.Logger
	metrics *Metrics
}

func NewCheckpointStore(dir string, policy RetentionPolicy, logger *zap.Logger, m *Metrics) *CheckpointStore {
	return &CheckpointStore{Dir: dir, Policy: policy, logger: logger.Named("checkpoints"), metrics: m}
}

// CheckpointPaths returns the encoder and decoder files for name inside dir.
func CheckpointPaths(dir, name string) (encoder, decoder string) {
	return filepath.Join(dir, "encoder"+name+checkpointExt),
		filepath.Join(dir, "decoder"+name+checkpointExt)
}

func (s *CheckpointStore) Paths(name string) (encoder, decoder string) {
	return CheckpointPaths(s.Dir, name)
}

// Save writes the pair for name and applies the retention policy.
func (s *CheckpointStore) Save(m Model, name CheckpointName) error {
	enc, dec := s.Paths(name.String())
	if err := m.Save(enc, dec); err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", name)
	}
	s.metrics.observeCheckpoint()
	s.logger.Info("Saved checkpoint", zap.String("name", name.String()), zap.String("dir", s.Dir))

	// a rewrite of the same name replaces the older entry
	kept := s.kept[:0]
	for _, k := range s.kept {
		if k.String() != name.String() {
			kept = append(kept, k)
		}
	}
	s.kept = append(kept, name)
	return s.prune()
}

// Kept lists the pairs currently on disk, oldest first.
func (s *CheckpointStore) Kept() []CheckpointName {
	return append([]CheckpointName(nil), s.kept...)
}

// Best returns the kept pair with the lowest val loss. NaN counts as worst and
// ties go to the older pair. When no kept pair has a val loss (train-only runs)
// the train loss ranks instead.
func (s *CheckpointStore) Best() (CheckpointName, bool) {
	if len(s.kept) == 0 {
		return CheckpointName{}, false
	}
	return s.kept[bestIndex(s.kept)], true
}

func bestIndex(names []CheckpointName) int {
	loss := func(n CheckpointName) float64 { return n.TrainLoss }
	for _, n := range names {
		if !math.IsNaN(n.ValLoss) {
			loss = func(n CheckpointName) float64 { return n.ValLoss }
			break
		}
	}
	best := 0
	for i := 1; i < len(names); i++ {
		if lessVal(loss(names[i]), loss(names[best])) {
			best = i
		}
	}
	return best
}

func lessVal(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	return math.IsNaN(b) || a < b
}

func (s *CheckpointStore) prune() error {
	var drop []CheckpointName
	switch s.Policy.Kind {
	case RetainBest:
		bi := bestIndex(s.kept)
		for i, n := range s.kept {
			if i != bi {
				drop = append(drop, n)
			}
		}
		s.kept = []CheckpointName{s.kept[bi]}
	case RetainLast:
		if extra := len(s.kept) - s.Policy.Keep; extra > 0 {
			drop = append(drop, s.kept[:extra]...)
			s.kept = append([]CheckpointName(nil), s.kept[extra:]...)
		}
	}
	for _, n := range drop {
		if err := s.remove(n); err != nil {
			return err
		}
	}
	return nil
}

func (s *CheckpointStore) remove(n CheckpointName) error {
	name := n.String()
	enc, dec := s.Paths(name)
	for _, p := range []string{enc, dec} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing checkpoint %s", p)
		}
	}
	s.logger.Debug("Removed checkpoint", zap.String("name", name), zap.String("policy", s.Policy.String()))
	return nil
}
