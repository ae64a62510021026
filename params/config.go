package params

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// SetDefaults registers every DefaultConfig value with v, so keys that only appear
// in a config file or the environment are still decoded.
func SetDefaults(v *viper.Viper) error {
	var m map[string]any
	if err := mapstructure.Decode(DefaultConfig(), &m); err != nil {
		return errors.Wrap(err, "flattening default config")
	}
	for k, val := range m {
		v.SetDefault(k, val)
	}
	return nil
}

// Load decodes v (flags, env, config file, defaults) into a TrainingConfig.
func Load(v *viper.Viper) (TrainingConfig, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding config")
	}
	return cfg, cfg.Validate()
}

func (c TrainingConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.NumEpochs < 0:
		return errors.Errorf("num_epochs must not be negative, got %d", c.NumEpochs)
	case c.EmbedSize <= 0 || c.HiddenSize <= 0 || c.NumLayers <= 0:
		return errors.Errorf("embed_size, hidden_size and num_layers must be positive")
	case c.VocabThreshold < 1:
		return errors.Errorf("vocab_threshold must be at least 1, got %d", c.VocabThreshold)
	case c.ImageSize < 3:
		return errors.Errorf("image_size must be at least 3, got %d", c.ImageSize)
	case c.EncoderLR < 0 || c.DecoderLR < 0:
		return errors.Errorf("learning rates must not be negative")
	}
	return nil
}
