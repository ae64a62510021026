package params

import "time"

type TrainingConfig struct {
	// Data
	TrainAnnotations string `mapstructure:"train_annotations"`
	ValAnnotations   string `mapstructure:"val_annotations"` // empty = no val phase
	TrainImages      string `mapstructure:"train_images"`
	ValImages        string `mapstructure:"val_images"`
	AnnotationFormat string `mapstructure:"annotation_format"` // coco | flat
	VocabFile        string `mapstructure:"vocab_file"`
	EmbeddingsFile   string `mapstructure:"embeddings_file"` // GloVe text or .gob
	VocabFromFile    bool   `mapstructure:"vocab_from_file"`
	VocabThreshold   int    `mapstructure:"vocab_threshold"`
	WordDim          int    `mapstructure:"word_dim"` // width of the pretrained word vectors

	// Image pipeline
	ImageSize      int           `mapstructure:"image_size"`
	Flip           bool          `mapstructure:"flip"` // random horizontal flips on train images
	CacheSize      int           `mapstructure:"cache_size"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	PreloadWorkers int           `mapstructure:"preload_workers"` // 0 = no preload

	// Model
	CNN              string `mapstructure:"cnn"` // conv | grid
	BackboneChannels int    `mapstructure:"backbone_channels"`
	GridSize         int    `mapstructure:"grid_size"`
	UnfreezeEncoder  int    `mapstructure:"unfreeze_encoder"` // >0 trains the backbone too
	EmbedSize        int    `mapstructure:"embed_size"`
	HiddenSize       int    `mapstructure:"hidden_size"`
	NumLayers        int    `mapstructure:"num_layers"`

	// Optimization
	EncoderLR   float64 `mapstructure:"encoder_lr"`
	DecoderLR   float64 `mapstructure:"decoder_lr"`
	AdamBeta1   float64 `mapstructure:"adam_beta1"`
	AdamBeta2   float64 `mapstructure:"adam_beta2"`
	AdamEps     float64 `mapstructure:"adam_eps"`
	WeightDecay float64 `mapstructure:"weight_decay"` // AdamW-style; 0 disables
	GradClip    float64 `mapstructure:"grad_clip"`    // <=0 disables
	LRStepSize  int     `mapstructure:"lr_step_size"` // optimizer steps per decay; 0 = constant LR
	LRGamma     float64 `mapstructure:"lr_gamma"`

	// Loop
	NumEpochs         int    `mapstructure:"num_epochs"`
	BatchSize         int    `mapstructure:"batch_size"`
	Stage             string `mapstructure:"stage"`
	LastEpoch         int    `mapstructure:"last_epoch"` // -1 = derive from --load-model
	LoadModel         string `mapstructure:"load_model"` // checkpoint name to resume from
	ModelsDir         string `mapstructure:"models_dir"`
	Retention         string `mapstructure:"retention"` // all | best | last:N
	UnavailablePolicy string `mapstructure:"unavailable_policy"`
	MaxFetchRetries   int    `mapstructure:"max_fetch_retries"`
	LogEvery          int    `mapstructure:"log_every"`
	Smoothing         string `mapstructure:"smoothing"` // BLEU smoothing: method6 | method1 | none
	Seed              uint64 `mapstructure:"seed"`

	MaxCaptionLen int    `mapstructure:"max_caption_len"`
	MetricsAddr   string `mapstructure:"metrics_addr"` // empty = no /metrics endpoint
}

func DefaultConfig() TrainingConfig {
	return TrainingConfig{
		AnnotationFormat: "coco",
		VocabFile:        "./vocab.gob",
		VocabThreshold:   3,
		WordDim:          300,

		ImageSize:      64,
		Flip:           true,
		CacheSize:      50_000,
		CacheTTL:       0,
		PreloadWorkers: 0,

		CNN:              "conv",
		BackboneChannels: 64,
		GridSize:         4,
		EmbedSize:        512,
		HiddenSize:       768,
		NumLayers:        2,

		EncoderLR:   1e-4,
		DecoderLR:   1e-3,
		AdamBeta1:   0.9,
		AdamBeta2:   0.999,
		AdamEps:     1e-8,
		WeightDecay: 0,
		GradClip:    0,
		LRStepSize:  0,
		LRGamma:     0.1,

		NumEpochs:         1,
		BatchSize:         512,
		LastEpoch:         -1,
		ModelsDir:         "./models",
		Retention:         "all",
		UnavailablePolicy: "skip",
		MaxFetchRetries:   3,
		LogEvery:          100,
		Smoothing:         "method6",
		Seed:              1,

		MaxCaptionLen: 20,
	}
}
