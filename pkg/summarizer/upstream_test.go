package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/upstream"
)

func chatServer(t *testing.T, reply func(call int) string) *httptest.Server {
	t.Helper()
	call := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		content := reply(call)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   "local-model",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": content},
				},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func testCfg() *config.Config {
	cfg := config.Load()
	cfg.SummaryGenMaxTokens = 64
	cfg.L2GroupMaxTokens = 64
	cfg.L3GroupMaxTokens = 64
	cfg.L3MinNonEmptyChars = 8
	cfg.L3RetryAttempts = 1
	return cfg
}

func TestSummarizePairToL2UsesGeneratedText(t *testing.T) {
	srv := chatServer(t, func(int) string { return "The user asked about deployment and got steps." })
	defer srv.Close()

	u := New(upstream.New(srv.URL, "k"), "local-model", testCfg())
	out := u.SummarizePairToL2(context.Background(), "how do I deploy?", "run these steps...", "en")

	assert.Contains(t, out, "deployment")
}

func TestSummarizeL2BlockToL3RetriesThenSucceeds(t *testing.T) {
	srv := chatServer(t, func(call int) string {
		if call == 1 {
			return "..." // fails meaningfulness check
		}
		return "Condensed recap of the prior block of exchanges."
	})
	defer srv.Close()

	u := New(upstream.New(srv.URL, "k"), "local-model", testCfg())
	text, meaningful := u.SummarizeL2BlockToL3(context.Background(), []string{"l2 one", "l2 two"}, "en", 64)

	require.True(t, meaningful)
	assert.Contains(t, text, "Condensed recap")
}

func TestSummarizeL2BlockToL3FallsBackToHeuristicWhenAllGenerationsFail(t *testing.T) {
	srv := chatServer(t, func(int) string { return "" })
	defer srv.Close()

	u := New(upstream.New(srv.URL, "k"), "local-model", testCfg())
	text, meaningful := u.SummarizeL2BlockToL3(
		context.Background(),
		[]string{"User asked a detailed question about the release process."},
		"en", 64,
	)

	require.True(t, meaningful)
	assert.NotEmpty(t, text)
}
