// Package tokencount implements C1, the token-counting proxy: it asks the
// upstream backend for an exact prompt-token count via a minimal chat
// completion, caches the answer briefly, and falls back to a
// 4-characters-per-token heuristic on any failure so callers never block
// or error out on a measurement.
package tokencount

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/logx"
	"github.com/zergont/local-responses/pkg/metrics"
	"github.com/zergont/local-responses/pkg/upstream"
)

var log = logx.NewLogger("tokencount") //nolint:gochecknoglobals

// Mode tags how a count was produced.
type Mode string

const (
	ModeProxyHTTP Mode = "proxy-http"
	ModeApprox    Mode = "approx"
)

// Message mirrors upstream.Message so this package doesn't force callers
// to import the upstream client just to count tokens.
type Message struct {
	Role    string
	Content string
}

type cacheEntry struct {
	tokens  int
	mode    Mode
	expires time.Time
}

// Counter is the process-wide token-counting proxy.
type Counter struct {
	client *upstream.Client
	cfg    *config.Config

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Counter. client may be nil when TOKEN_COUNT_MODE=approx.
func New(client *upstream.Client, cfg *config.Config) *Counter {
	return &Counter{
		client: client,
		cfg:    cfg,
		cache:  make(map[string]cacheEntry),
	}
}

func fingerprint(modelID string, msgs []Message) string {
	b, _ := json.Marshal(struct {
		Model string    `json:"model"`
		Msgs  []Message `json:"msgs"`
	}{modelID, msgs})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CountChat counts tokens for a message list against a model, caching the
// result for TokenCacheTTLSec seconds.
func (c *Counter) CountChat(ctx context.Context, modelID string, msgs []Message) (int, Mode) {
	key := fingerprint(modelID, msgs)

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.tokens, e.mode
	}
	c.mu.Unlock()

	tokens, mode := c.count(ctx, modelID, msgs)

	c.mu.Lock()
	c.cache[key] = cacheEntry{
		tokens:  tokens,
		mode:    mode,
		expires: time.Now().Add(time.Duration(c.cfg.TokenCacheTTLSec) * time.Second),
	}
	c.mu.Unlock()

	return tokens, mode
}

// CountText is count_chat with a single synthetic user message.
func (c *Counter) CountText(ctx context.Context, modelID, text string) int {
	n, _ := c.CountChat(ctx, modelID, []Message{{Role: "user", Content: text}})
	return n
}

func (c *Counter) count(ctx context.Context, modelID string, msgs []Message) (int, Mode) {
	if c.cfg.TokenCountMode == "approx" || c.client == nil {
		metrics.Default().RecordTokenCount(string(ModeApprox))
		return approxTokens(msgs), ModeApprox
	}

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	upstreamMsgs := make([]upstream.Message, len(msgs))
	for i, m := range msgs {
		upstreamMsgs[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}

	tokens, err := c.client.CountPromptTokens(probeCtx, modelID, upstreamMsgs)
	if err != nil {
		log.Warn("token probe failed, falling back to approx: %v", err)
		metrics.Default().RecordTokenCount(string(ModeApprox))
		return approxTokens(msgs), ModeApprox
	}
	metrics.Default().RecordTokenCount(string(ModeProxyHTTP))
	return tokens, ModeProxyHTTP
}

// approxTokens implements the 4-chars-per-token heuristic: ceil(len/4),
// minimum 1 per non-empty message.
func approxTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		n := int(math.Ceil(float64(len(m.Content)) / 4.0))
		if n < 1 {
			n = 1
		}
		total += n
	}
	return total
}

// ApproxText is the standalone character-heuristic estimator used outside
// the cached CountChat path (EstimateTokens falls back to it when the local
// codec is unavailable). It never touches the upstream.
func ApproxText(text string) int {
	return approxTokens([]Message{{Role: "user", Content: text}})
}
