package train

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports training progress. A nil *Metrics records nothing.
type Metrics struct {
	stepLoss     *prometheus.GaugeVec
	stepBLEU     *prometheus.GaugeVec
	steps        *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	epochLoss    *prometheus.GaugeVec
	epochBLEU    *prometheus.GaugeVec
	epochSeconds *prometheus.HistogramVec
	learningRate *prometheus.GaugeVec
	checkpoints  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		stepLoss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "step_loss",
				Help:      "Mean cross-entropy of the most recent batch.",
			},
			[]string{"phase"},
		),
		stepBLEU: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "step_bleu4",
				Help:      "Mean sentence BLEU-4 of the most recent batch.",
			},
			[]string{"phase"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "steps_total",
				Help:      "The total number of batches processed.",
			},
			[]string{"phase"},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "batches_skipped_total",
				Help:      "The total number of batches that could not be fetched.",
			},
			[]string{"phase"},
		),
		epochLoss: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "epoch_loss",
				Help:      "Loss of the last completed epoch.",
			},
			[]string{"phase"},
		),
		epochBLEU: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "epoch_bleu4",
				Help:      "Mean batch BLEU-4 of the last completed epoch.",
			},
			[]string{"phase"},
		),
		epochSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "epoch_duration_seconds",
				Help:      "Time taken by one epoch phase.",
				Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"phase"},
		),
		learningRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "learning_rate",
				Help:      "Current learning rate per parameter group.",
			},
			[]string{"group"},
		),
		checkpoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "captioner",
				Subsystem: "train",
				Name:      "checkpoints_saved_total",
				Help:      "The total number of encoder/decoder checkpoint pairs written.",
			},
		),
	}
	for _, c := range []prometheus.Collector{
		m.stepLoss, m.stepBLEU, m.steps, m.skipped,
		m.epochLoss, m.epochBLEU, m.epochSeconds,
		m.learningRate, m.checkpoints,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeStep(phase Phase, loss, bleu float64) {
	if m == nil {
		return
	}
	m.stepLoss.WithLabelValues(string(phase)).Set(loss)
	m.stepBLEU.WithLabelValues(string(phase)).Set(bleu)
	m.steps.WithLabelValues(string(phase)).Inc()
}

func (m *Metrics) observeSkip(phase Phase) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(string(phase)).Inc()
}

func (m *Metrics) observeEpoch(s EpochStats) {
	if m == nil {
		return
	}
	m.epochLoss.WithLabelValues(string(s.Phase)).Set(s.Loss)
	m.epochBLEU.WithLabelValues(string(s.Phase)).Set(s.BLEU)
	m.epochSeconds.WithLabelValues(string(s.Phase)).Observe(s.Duration.Seconds())
}

func (m *Metrics) observeLearningRates(lrs map[string]float64) {
	if m == nil {
		return
	}
	for group, lr := range lrs {
		m.learningRate.WithLabelValues(group).Set(lr)
	}
}

func (m *Metrics) observeCheckpoint() {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
}
