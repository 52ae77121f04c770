package tokencount

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// estimator lazily builds a GPT-4 codec once and reuses it; §4.6 calls this
// "approx_tokens" — a fast local estimate used for sizing the core-profile
// block and clamping tool-result text, distinct from C1's upstream-probe
// count_chat/count_text and from C1's own char/4 fallback.
var (
	estimatorOnce sync.Once
	estimatorCode tokenizer.Codec
)

func estimator() tokenizer.Codec {
	estimatorOnce.Do(func() {
		codec, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			estimatorCode = codec
		}
	})
	return estimatorCode
}

// EstimateTokens returns a fast local token estimate for text, using the
// GPT-4 byte-pair encoding when available and falling back to the
// 4-chars-per-token heuristic when the codec failed to load.
func EstimateTokens(text string) int {
	codec := estimator()
	if codec == nil {
		return ApproxText(text)
	}
	n, err := codec.Count(text)
	if err != nil {
		return ApproxText(text)
	}
	return n
}
