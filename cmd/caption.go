package cmd

import (
	"fmt"

	"github.com/manningwu07/captioner/IO"
	"github.com/manningwu07/captioner/captioner"
	"github.com/manningwu07/captioner/params"
	"github.com/manningwu07/captioner/train"
	"github.com/manningwu07/captioner/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var captionCmd = &cobra.Command{
	Use:   "caption <image>...",
	Short: "Caption images with a trained checkpoint",
	Long: `Caption loads the vocabulary snapshot and the --load-model checkpoint pair,
then prints a greedy caption for every image.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCaption,
}

func init() {
	rootCmd.AddCommand(captionCmd)
	d := params.DefaultConfig()
	f := captionCmd.Flags()
	addModelFlags(f, d)
	f.Int("max-caption-len", d.MaxCaptionLen, "stop decoding after this many tokens")
}

func runCaption(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	if cfg.LoadModel == "" {
		return errors.New("caption needs --load-model")
	}

	vocab, err := IO.LoadVocabulary(cfg.VocabFile)
	if err != nil {
		return err
	}
	model, err := captioner.New(modelConfig(cfg), vocab, utils.NewRand(cfg.Seed))
	if err != nil {
		return err
	}
	enc, dec := train.CheckpointPaths(cfg.ModelsDir, cfg.LoadModel)
	if err := model.Load(enc, dec); err != nil {
		return err
	}
	logger.Debug("Loaded checkpoint", zap.String("encoder", enc), zap.String("decoder", dec))

	images := IO.NewImageLoader(cfg.ImageSize, len(args), 0)
	defer images.Close()
	for _, path := range args {
		img, err := images.Load(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", path, model.Caption(img, vocab, cfg.MaxCaptionLen))
	}
	return nil
}
