// Package cmd is the captioner command line.
package cmd

import (
	"os"
	"strings"

	"github.com/manningwu07/captioner/params"
	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "captioner",
	Short: "Train and run an image captioning model",
	Long: `captioner trains a CNN encoder / LSTM decoder captioning model on an
annotated image corpus, tracking cross-entropy and BLEU-4.

Every flag can also be set in the config file (--config) under its snake_case
name, or through the environment as CAPTIONER_<NAME>.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Only the running command's flags are bound, so commands can share keys.
		bindFlags(cmd.InheritedFlags())
		bindFlags(cmd.Flags())
		return initConfig()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	if err := params.SetDefaults(viper.GetViper()); err != nil {
		panic(err)
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-style", "console", "log style: console or json")
	pf.String("vocab-file", "./vocab.gob", "vocabulary snapshot path")
	pf.Uint64("seed", 1, "random seed")
}

func initConfig() error {
	viper.SetEnvPrefix("CAPTIONER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "reading config %s", cfgFile)
		}
	}
	return nil
}

// bindFlags binds every flag to the viper key spelled with underscores.
func bindFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		mustBindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// setup builds the logger and the decoded config every command starts from.
func setup() (*zap.Logger, params.TrainingConfig, error) {
	logger, err := utils.NewLogger(viper.GetString("log_level"), viper.GetString("log_style"))
	if err != nil {
		return nil, params.TrainingConfig{}, err
	}
	cfg, err := params.Load(viper.GetViper())
	if err != nil {
		return logger, cfg, err
	}
	if cfgFile != "" {
		logger.Info("Using config file", zap.String("path", viper.ConfigFileUsed()))
	}
	return logger, cfg, nil
}
