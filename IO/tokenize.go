package IO

import (
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// Splits on whitespace and punctuation, so "sat." -> "sat", ".".
// Stateless, safe to share.
var wordSplitter = pretokenizer.NewBertPreTokenizer()

// TokenizeCaption lower-cases a caption and splits it into word tokens.
func TokenizeCaption(s string) (toks []string) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil
	}

	// github.com/sugarme/tokenizer can panic on odd byte ranges; whitespace split is good enough then.
	defer func() {
		if r := recover(); r != nil {
			toks = strings.Fields(s)
		}
	}()

	pretok, err := wordSplitter.PreTokenize(tokenizer.NewPreTokenizedString(s))
	if err != nil {
		return strings.Fields(s)
	}
	splits := pretok.GetSplits(normalizer.OriginalTarget, tokenizer.Byte)
	toks = make([]string, 0, len(splits))
	for _, sp := range splits {
		if v := strings.TrimSpace(sp.Value); v != "" {
			toks = append(toks, v)
		}
	}
	return toks
}
