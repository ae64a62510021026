package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	require.NoError(t, SetDefaults(v))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 16\ncache_ttl: 90s\nstage: warmup\n"), 0o644))
	t.Setenv("CAPTIONER_HIDDEN_SIZE", "32")

	v := viper.New()
	require.NoError(t, SetDefaults(v))
	v.SetEnvPrefix("CAPTIONER")
	v.AutomaticEnv()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.CacheTTL)
	assert.Equal(t, "warmup", cfg.Stage)
	assert.Equal(t, 32, cfg.HiddenSize)
	assert.Equal(t, 512, cfg.EmbedSize)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.VocabThreshold = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, DefaultConfig().Validate())
}
