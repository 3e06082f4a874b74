package embedding

import (
	"strings"

	"github.com/hyperjump/kensaku/pkg/utils"
)

// Tokenizer produces BERT-style model inputs (input_ids, attention_mask,
// token_type_ids) for the ONNX embedder.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// Special token ids used by BERT-family models.
const (
	tokenCLS = 101
	tokenSEP = 102

	// vocabBuckets bounds hashed token ids to a BERT-sized vocabulary.
	vocabBuckets = 30000
)

// wordTokenizer splits on whitespace and hashes each word into the
// vocabulary range. It is not a real word-piece tokenizer, but it is
// deterministic and model-agnostic, which is all the embedder contract
// requires here.
type wordTokenizer struct{}

// Tokenize pads or truncates to maxTokens, bracketing with [CLS] and [SEP].
func (wordTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0] = tokenCLS
	attentionMask[0] = 1

	pos := 1
	for _, word := range strings.Fields(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = int64(utils.HashString(word) % vocabBuckets)
		attentionMask[pos] = 1
		pos++
	}
	if pos < maxTokens {
		inputIDs[pos] = tokenSEP
		attentionMask[pos] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}
