package tokencount

import (
	"context"
	"testing"

	"github.com/zergont/local-responses/pkg/config"
)

func TestApproxTokensMinimumOne(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hi"}}
	if got := approxTokens(msgs); got != 1 {
		t.Errorf("approxTokens() = %d, want 1", got)
	}
}

func TestApproxTokensEmptyMessageIgnored(t *testing.T) {
	msgs := []Message{{Role: "user", Content: ""}, {Role: "assistant", Content: "abcd"}}
	if got := approxTokens(msgs); got != 1 {
		t.Errorf("approxTokens() = %d, want 1", got)
	}
}

func TestCountChatApproxModeNeverCallsUpstream(t *testing.T) {
	cfg := &config.Config{TokenCountMode: "approx", TokenCacheTTLSec: 60}
	counter := New(nil, cfg)

	tokens, mode := counter.CountChat(context.Background(), "any-model", []Message{{Role: "user", Content: "hello world"}})
	if mode != ModeApprox {
		t.Errorf("mode = %s, want %s", mode, ModeApprox)
	}
	if tokens != 3 { // ceil(11/4) = 3
		t.Errorf("tokens = %d, want 3", tokens)
	}
}

func TestCountChatCaches(t *testing.T) {
	cfg := &config.Config{TokenCountMode: "approx", TokenCacheTTLSec: 60}
	counter := New(nil, cfg)
	msgs := []Message{{Role: "user", Content: "repeat me"}}

	t1, _ := counter.CountChat(context.Background(), "m", msgs)
	t2, _ := counter.CountChat(context.Background(), "m", msgs)
	if t1 != t2 {
		t.Errorf("expected cached count to match: %d != %d", t1, t2)
	}
	if len(counter.cache) != 1 {
		t.Errorf("expected one cache entry, got %d", len(counter.cache))
	}
}
