package cmd

import (
	"github.com/manningwu07/captioner/IO"
	"github.com/manningwu07/captioner/params"
	"github.com/manningwu07/captioner/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Build the vocabulary snapshot",
	Long: `Vocab tokenises the training captions, keeps words seen at least
--vocab-threshold times, attaches pretrained vectors and writes --vocab-file.`,
	Args: cobra.NoArgs,
	RunE: runVocab,
}

func init() {
	rootCmd.AddCommand(vocabCmd)
	d := params.DefaultConfig()
	f := vocabCmd.Flags()
	addDataFlags(f, d)
	f.Int("vocab-threshold", d.VocabThreshold, "minimum word count to enter the vocabulary")
	f.String("embeddings-file", d.EmbeddingsFile, "pretrained word vectors (GloVe text or .gob)")
	f.String("save-embeddings", "", "also write the parsed word vectors as a .gob table here")
}

func runVocab(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if out, _ := cmd.Flags().GetString("save-embeddings"); out != "" && cfg.EmbeddingsFile != "" {
		table, err := IO.LoadEmbeddingTable(cfg.EmbeddingsFile, cfg.WordDim)
		if err != nil {
			return err
		}
		if err := IO.SaveEmbeddingTable(out, table); err != nil {
			return err
		}
		logger.Info("Embedding table written", zap.String("path", out), zap.Int("words", len(table)))
	}

	v, err := IO.LoadOrBuildVocabulary(IO.VocabOptions{
		Threshold:       cfg.VocabThreshold,
		VocabFile:       cfg.VocabFile,
		EmbeddingsFile:  cfg.EmbeddingsFile,
		AnnotationsFile: cfg.TrainAnnotations,
		Format:          cfg.AnnotationFormat,
		Dim:             cfg.WordDim,
	}, utils.NewRand(cfg.Seed), logger)
	if err != nil {
		return err
	}
	logger.Info("Vocabulary ready", zap.String("path", cfg.VocabFile), zap.Int("size", v.Len()))
	return nil
}
