package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/manningwu07/captioner/IO"
	"github.com/manningwu07/captioner/captioner"
	"github.com/manningwu07/captioner/metrics"
	"github.com/manningwu07/captioner/optimizations"
	"github.com/manningwu07/captioner/params"
	"github.com/manningwu07/captioner/train"
	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var trainCmd = &cobra.Command{
	Use:   "train <num_epochs>",
	Short: "Train the encoder and decoder",
	Long: `Train runs num_epochs epochs of train and val phases, writing an
encoder/decoder checkpoint pair into --models-dir after every phase.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	d := params.DefaultConfig()
	f := trainCmd.Flags()

	addDataFlags(f, d)
	addModelFlags(f, d)

	f.String("val-annotations", d.ValAnnotations, "validation annotation file (empty = no val phase)")
	f.String("val-images", d.ValImages, "validation image directory")
	f.Bool("vocab-from-file", d.VocabFromFile, "reuse the vocabulary snapshot when it exists")
	f.Int("vocab-threshold", d.VocabThreshold, "minimum word count to enter the vocabulary")
	f.String("embeddings-file", d.EmbeddingsFile, "pretrained word vectors (GloVe text or .gob)")
	f.Bool("flip", d.Flip, "random horizontal flips on train images")
	f.Int("cache-size", d.CacheSize, "decoded images kept in memory")
	f.Duration("cache-ttl", d.CacheTTL, "decoded image lifetime (0 = no expiry)")
	f.Int("preload-workers", d.PreloadWorkers, "decode every image before training with this many workers (0 = lazy)")

	f.Int("unfreeze-encoder", d.UnfreezeEncoder, "train the encoder backbone when > 0")
	f.Float64("encoder-lr", d.EncoderLR, "encoder learning rate")
	f.Float64("decoder-lr", d.DecoderLR, "decoder learning rate")
	f.Float64("adam-beta1", d.AdamBeta1, "Adam beta1")
	f.Float64("adam-beta2", d.AdamBeta2, "Adam beta2")
	f.Float64("adam-eps", d.AdamEps, "Adam epsilon")
	f.Float64("weight-decay", d.WeightDecay, "AdamW weight decay (0 disables)")
	f.Float64("grad-clip", d.GradClip, "global gradient norm clip (<=0 disables)")
	f.Int("lr-step-size", d.LRStepSize, "optimizer steps between learning rate decays (0 = constant)")
	f.Float64("lr-gamma", d.LRGamma, "learning rate decay factor")

	f.Int("batch-size", d.BatchSize, "captions per batch")
	f.String("stage", d.Stage, "stage tag written into checkpoint names")
	f.Int("last-epoch", d.LastEpoch, "epoch offset for checkpoint names (-1 = derive from --load-model)")
	f.String("retention", d.Retention, "checkpoint retention: all, best or last:N")
	f.String("unavailable-policy", d.UnavailablePolicy, "when a batch cannot be fetched: skip, retry or abort")
	f.Int("max-fetch-retries", d.MaxFetchRetries, "resamples per step under the retry policy")
	f.Int("log-every", d.LogEvery, "steps between progress lines")
	f.String("smoothing", d.Smoothing, "BLEU smoothing: method6, method1 or none")
	f.String("metrics-addr", d.MetricsAddr, "serve prometheus /metrics on this address (empty = off)")
}

// addDataFlags registers the flags shared by the commands that read the corpus.
func addDataFlags(f *pflag.FlagSet, d params.TrainingConfig) {
	f.String("train-annotations", d.TrainAnnotations, "training annotation file")
	f.String("train-images", d.TrainImages, "training image directory")
	f.String("annotation-format", d.AnnotationFormat, "annotation format: coco or flat")
	f.Int("word-dim", d.WordDim, "width of the word vectors")
}

// addModelFlags registers the architecture flags; a checkpoint only loads into the same shape.
func addModelFlags(f *pflag.FlagSet, d params.TrainingConfig) {
	f.String("cnn", d.CNN, "encoder backbone: conv or grid")
	f.Int("image-size", d.ImageSize, "images are resized to this square size")
	f.Int("backbone-channels", d.BackboneChannels, "conv backbone output channels")
	f.Int("grid-size", d.GridSize, "grid backbone cells per side")
	f.Int("embed-size", d.EmbedSize, "image and word embedding width")
	f.Int("hidden-size", d.HiddenSize, "LSTM hidden width")
	f.Int("num-layers", d.NumLayers, "stacked LSTM layers")
	f.String("models-dir", d.ModelsDir, "checkpoint directory")
	f.String("load-model", d.LoadModel, "checkpoint name to load, e.g. 3_2.41_val_2.20_tr_s1")
}

func modelConfig(cfg params.TrainingConfig) captioner.Config {
	return captioner.Config{
		Backbone:         cfg.CNN,
		ImageSize:        cfg.ImageSize,
		BackboneChannels: cfg.BackboneChannels,
		GridSize:         cfg.GridSize,
		TrainBackbone:    cfg.UnfreezeEncoder > 0,
		EmbedSize:        cfg.EmbedSize,
		HiddenSize:       cfg.HiddenSize,
		NumLayers:        cfg.NumLayers,
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	epochs, err := strconv.Atoi(args[0])
	if err != nil || epochs < 0 {
		return errors.Errorf("num_epochs must be a non-negative integer, got %q", args[0])
	}
	viper.Set("num_epochs", epochs)

	logger, cfg, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	policy, err := train.ParseUnavailablePolicy(cfg.UnavailablePolicy)
	if err != nil {
		return err
	}
	retention, err := train.ParseRetention(cfg.Retention)
	if err != nil {
		return err
	}
	smoothing, ok := metrics.SmoothingByName(cfg.Smoothing)
	if !ok {
		return errors.Errorf("unknown BLEU smoothing %q", cfg.Smoothing)
	}

	rng := utils.NewRand(cfg.Seed)
	vocab, err := IO.LoadOrBuildVocabulary(IO.VocabOptions{
		Threshold:       cfg.VocabThreshold,
		VocabFile:       cfg.VocabFile,
		EmbeddingsFile:  cfg.EmbeddingsFile,
		AnnotationsFile: cfg.TrainAnnotations,
		Format:          cfg.AnnotationFormat,
		FromFile:        cfg.VocabFromFile,
		Dim:             cfg.WordDim,
	}, rng, logger)
	if err != nil {
		return err
	}

	sources := make(map[train.Phase]IO.Source, 2)
	trainDS, err := openDataset(ctx, cfg, cfg.TrainAnnotations, cfg.TrainImages, cfg.Flip, vocab, logger)
	if err != nil {
		return errors.Wrap(err, "train data")
	}
	defer trainDS.Close()
	sources[train.PhaseTrain] = trainDS
	if cfg.ValAnnotations != "" {
		valDS, err := openDataset(ctx, cfg, cfg.ValAnnotations, cfg.ValImages, false, vocab, logger)
		if err != nil {
			return errors.Wrap(err, "val data")
		}
		defer valDS.Close()
		sources[train.PhaseVal] = valDS
	}

	model, err := captioner.New(modelConfig(cfg), vocab, rng)
	if err != nil {
		return err
	}

	var m *train.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if m, err = train.NewMetrics(reg); err != nil {
			return errors.Wrap(err, "registering metrics")
		}
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
	store := train.NewCheckpointStore(cfg.ModelsDir, retention, logger, m)

	if cfg.LoadModel != "" {
		enc, dec := store.Paths(cfg.LoadModel)
		if err := model.Load(enc, dec); err != nil {
			return err
		}
		logger.Info("Loaded checkpoint", zap.String("name", cfg.LoadModel))
	}
	lastEpoch := resumeEpoch(cfg.LastEpoch, cfg.LoadModel, logger)

	opt := optimizations.NewAdam(optimizations.AdamConfig{
		Beta1:       cfg.AdamBeta1,
		Beta2:       cfg.AdamBeta2,
		Eps:         cfg.AdamEps,
		WeightDecay: cfg.WeightDecay,
		GradClip:    cfg.GradClip,
	},
		&optimizations.ParamGroup{Name: "decoder", Params: model.Decoder.Params(), LR: cfg.DecoderLR},
		&optimizations.ParamGroup{Name: "encoder", Params: model.Encoder.Params(), LR: cfg.EncoderLR},
	)
	for _, p := range model.Encoder.Params() {
		logger.Debug("Trainable encoder param", zap.String("name", p.Name))
	}

	opts := []train.Option{train.WithCheckpointStore(store), train.WithMetrics(m)}
	if cfg.LRStepSize > 0 {
		opts = append(opts, train.WithScheduler(optimizations.NewStepLR(opt, cfg.LRStepSize, cfg.LRGamma)))
	}
	trainer := train.New(train.Config{
		Epochs:          cfg.NumEpochs,
		LastEpoch:       lastEpoch,
		Stage:           cfg.Stage,
		LogEvery:        cfg.LogEvery,
		Unavailable:     policy,
		MaxFetchRetries: cfg.MaxFetchRetries,
		Seed:            cfg.Seed,
	}, model, opt, metrics.NewBLEU4(smoothing), logger, opts...)

	logger.Info("Start training",
		zap.Int("epochs", cfg.NumEpochs),
		zap.Int("vocab", vocab.Len()),
		zap.Int("batch_size", cfg.BatchSize),
		zap.String("retention", retention.String()))
	hist, err := trainer.Fit(ctx, sources)
	if err != nil {
		return err
	}
	logger.Info("Batches skipped", zap.Int("count", hist.BatchesSkipped))
	return nil
}

// resumeEpoch picks the first epoch number written into checkpoint names.
// An explicit --last-epoch wins; otherwise a run resumed from a checkpoint
// continues after the epoch in its name.
func resumeEpoch(lastEpoch int, loadModel string, logger *zap.Logger) int {
	if lastEpoch >= 0 {
		return lastEpoch
	}
	if loadModel == "" {
		return 0
	}
	name, err := train.ParseCheckpointName(loadModel)
	if err != nil {
		logger.Warn("Cannot derive epoch from checkpoint name, numbering from 0",
			zap.String("name", loadModel), zap.Error(err))
		return 0
	}
	return name.Epoch + 1
}

func openDataset(ctx context.Context, cfg params.TrainingConfig, annotations, images string, flip bool, vocab *IO.Vocabulary, logger *zap.Logger) (*IO.CaptionDataset, error) {
	anns, err := IO.LoadAnnotations(annotations, cfg.AnnotationFormat, logger)
	if err != nil {
		return nil, err
	}
	ds, err := IO.NewCaptionDataset(IO.DatasetConfig{
		ImageDir:  images,
		BatchSize: cfg.BatchSize,
		ImageSize: cfg.ImageSize,
		Flip:      flip,
		CacheSize: cfg.CacheSize,
		CacheTTL:  cfg.CacheTTL,
		Seed:      cfg.Seed,
	}, anns, vocab, logger)
	if err != nil {
		return nil, err
	}
	if cfg.PreloadWorkers > 0 {
		if err := ds.Preload(ctx, cfg.PreloadWorkers); err != nil {
			ds.Close()
			return nil, err
		}
	}
	return ds, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}
