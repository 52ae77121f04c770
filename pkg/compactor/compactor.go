// Package compactor implements C7 (Preflight Compactor) and C8 (Post-Reply
// Normalizer): the fixed-priority L2→L3, L1→L2, L3-evict cascade that keeps
// every memory layer within its watermark and the free output cap above its
// floor. Both C7 and C8 call the same Run method; the only difference is
// when it is invoked: the context assembler runs it before the upstream
// call (C7) and the orchestrator runs it after the reply is persisted (C8).
package compactor

import (
	"context"
	"fmt"

	"github.com/zergont/local-responses/pkg/budget"
	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/coreprofile"
	"github.com/zergont/local-responses/pkg/logx"
	"github.com/zergont/local-responses/pkg/metrics"
	"github.com/zergont/local-responses/pkg/modelinfo"
	"github.com/zergont/local-responses/pkg/persistence"
	"github.com/zergont/local-responses/pkg/tokencount"
)

var log = logx.NewLogger("compactor") //nolint:gochecknoglobals

const maxIterations = 20

// Store is the subset of the Memory Store the cascade reads and mutates.
type Store interface {
	GetProfile() (persistence.Profile, error)
	GetMessagesAsc(threadID, excludeMessageID string, maxItems int) ([]persistence.Message, error)
	GetL2Asc(threadID string, limit int) ([]persistence.L2Summary, error)
	GetL3Asc(threadID string, limit int) ([]persistence.L3MicroSummary, error)
	PickOldestL2Block(threadID string, maxItems int) ([]persistence.L2Summary, error)
	InsertL2(threadID, startMsgID, endMsgID, text string, tokens int) error
	InsertL3(threadID string, l2IDs []int64, text string, tokens int) error
	EvictL3Oldest(threadID string, count int) (int, error)
	MemoryStateRead(threadID string) (persistence.MemoryState, error)
	MemoryStateUpdate(threadID, lastCompactedMessageID string, l1, l2, l3 int) error
}

// Counter is the subset of C1 this component calls.
type Counter interface {
	CountChat(ctx context.Context, modelID string, msgs []tokencount.Message) (int, tokencount.Mode)
}

// Summarizer is the subset of C5's capability interface the cascade needs.
type Summarizer interface {
	SummarizePairsGroupToL2(ctx context.Context, pairTexts []string, lang string, maxTokens int) string
	SummarizeL2BlockToL3(ctx context.Context, l2Texts []string, lang string, maxTokens int) (text string, meaningful bool)
}

// pair is a local (user, assistant) turn, paired by scanning ASC history.
type pair struct {
	userID, assistantID     string
	userText, assistantText string
}

func buildPairs(msgs []persistence.Message) []pair {
	var pairs []pair
	var pendingUser *persistence.Message
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case persistence.RoleUser:
			pendingUser = m
		case persistence.RoleAssistant:
			if pendingUser != nil {
				pairs = append(pairs, pair{
					userID: pendingUser.ID, assistantID: m.ID,
					userText: pendingUser.Content, assistantText: m.Content,
				})
				pendingUser = nil
			}
		}
	}
	return pairs
}

func cutAfterCompacted(msgs []persistence.Message, cursor string) []persistence.Message {
	if cursor == "" {
		return msgs
	}
	for i, m := range msgs {
		if m.ID == cursor {
			return msgs[i+1:]
		}
	}
	return msgs
}

// Compactor runs the C7/C8 cascade.
type Compactor struct {
	store      Store
	counter    Counter
	summarizer Summarizer
	cache      *modelinfo.Cache
	cfg        *config.Config
}

// New builds a Compactor.
func New(store Store, counter Counter, summarizer Summarizer, cache *modelinfo.Cache, cfg *config.Config) *Compactor {
	return &Compactor{store: store, counter: counter, summarizer: summarizer, cache: cache, cfg: cfg}
}

// RunInput bundles what the cascade needs beyond thread/model id. Lang
// defaults to the profile's preferred language when empty.
type RunInput struct {
	ThreadID          string
	ModelID           string
	Lang              string
	RequestedMaxOut   *int
	ToolResultsTokens int
}

// Result is the cascade's diagnostic output.
type Result struct {
	Steps   []string
	Stalled bool
}

func pct(used, cap int) int {
	if cap <= 0 {
		return 0
	}
	return used * 100 / cap
}

// Run executes the fixed-priority cascade (§4.7/§4.8): at most 20
// iterations, one state-changing step per iteration, in priority
// L2→L3, L1→L2, L3-evict.
func (c *Compactor) Run(ctx context.Context, in RunInput) (Result, error) {
	profile, err := c.store.GetProfile()
	if err != nil {
		return Result{}, fmt.Errorf("load profile: %w", err)
	}
	lang := in.Lang
	if lang == "" {
		lang = profile.PreferredLanguage
	}
	if lang == "" {
		lang = "en"
	}

	coreText := coreprofile.Render(profile)
	coreTokens, coreCap := coreprofile.Estimate(coreText)

	bud := budget.Solve(ctx, c.cache, budget.Input{
		ModelID:           in.ModelID,
		RequestedMaxOut:   in.RequestedMaxOut,
		CoreTokens:        coreTokens,
		CoreCap:           coreCap,
		ToolResultsTokens: in.ToolResultsTokens,
	}, c.cfg)

	systemTokens, _ := c.counter.CountChat(ctx, in.ModelID, []tokencount.Message{{Role: "system", Content: coreText}})

	var steps []string
	stalled := false
	iterCount := 0

	for iter := 0; iter < maxIterations; iter++ {
		iterCount = iter + 1
		l2rows, err := c.store.GetL2Asc(in.ThreadID, 0)
		if err != nil {
			return Result{Steps: steps}, fmt.Errorf("load l2: %w", err)
		}
		l3rows, err := c.store.GetL3Asc(in.ThreadID, 0)
		if err != nil {
			return Result{Steps: steps}, fmt.Errorf("load l3: %w", err)
		}
		history, err := c.store.GetMessagesAsc(in.ThreadID, "", 0)
		if err != nil {
			return Result{Steps: steps}, fmt.Errorf("load history: %w", err)
		}
		memState, err := c.store.MemoryStateRead(in.ThreadID)
		if err != nil {
			return Result{Steps: steps}, fmt.Errorf("load memory state: %w", err)
		}
		history = cutAfterCompacted(history, memState.LastCompactedMessageID)
		pairs := buildPairs(history)

		l2Tokens := sumL2Tokens(l2rows)
		l3Tokens := sumL3Tokens(l3rows)
		l1Tokens := c.sumPairTokens(ctx, in.ModelID, pairs)

		total := systemTokens + bud.ToolsUsed + l3Tokens + l2Tokens + l1Tokens
		freeOutCap := bud.CBase - total - bud.RSys - bud.Safety
		needMoreRoom := freeOutCap < c.cfg.ROutMin

		l1pct := pct(l1Tokens, bud.L1Cap)
		l2pct := pct(l2Tokens, bud.L2Cap)
		l3pct := pct(l3Tokens, bud.L3Cap)

		if l1pct <= c.cfg.L1High && l2pct <= c.cfg.L2High && l3pct <= c.cfg.L3High && !needMoreRoom {
			break
		}

		l2Applicable := l2pct > c.cfg.L2High || (needMoreRoom && len(l2rows) > 0)
		l1Applicable := l1pct > c.cfg.L1High || (needMoreRoom && len(pairs) >= 2*c.cfg.L1MinPairs)
		l3Applicable := l3pct > c.cfg.L3High || (needMoreRoom && len(l3rows) > 0)

		progressed := false
		if l2Applicable {
			ok, tag := c.stepL2ToL3(ctx, in.ModelID, in.ThreadID, lang, l2rows)
			if ok {
				steps = append(steps, tag)
				recordStep(tag)
				progressed = true
			} else {
				log.Warn("l2->l3 step failed meaningfulness check, l2 rows left intact")
				tag := ""
				if l1Applicable {
					tag = c.stepL1ToL2(ctx, in.ModelID, in.ThreadID, lang, pairs)
				} else if l3Applicable {
					tag = c.stepL3Evict(in.ThreadID)
				}
				if tag != "" {
					steps = append(steps, tag)
					recordStep(tag)
					progressed = true
				}
			}
		} else {
			tag := ""
			if l1Applicable {
				tag = c.stepL1ToL2(ctx, in.ModelID, in.ThreadID, lang, pairs)
			} else if l3Applicable {
				tag = c.stepL3Evict(in.ThreadID)
			}
			if tag != "" {
				steps = append(steps, tag)
				recordStep(tag)
				progressed = true
			}
		}

		if !progressed {
			stalled = true
			break
		}
	}

	metrics.Default().RecordCompactionRun(iterCount, stalled)
	return Result{Steps: steps, Stalled: stalled}, nil
}

// recordStep extracts the step kind (everything before the first ':') from
// a diagnostic tag like "l2_to_l3_group:3->1" and records it; an empty tag
// records nothing.
func recordStep(tag string) {
	if tag == "" {
		return
	}
	kind := tag
	for i, r := range tag {
		if r == ':' {
			kind = tag[:i]
			break
		}
	}
	metrics.Default().RecordCompactionStep(kind)
}

func sumL2Tokens(rows []persistence.L2Summary) int {
	n := 0
	for _, r := range rows {
		n += r.Tokens
	}
	return n
}

func sumL3Tokens(rows []persistence.L3MicroSummary) int {
	n := 0
	for _, r := range rows {
		n += r.Tokens
	}
	return n
}

func (c *Compactor) sumPairTokens(ctx context.Context, modelID string, pairs []pair) int {
	if len(pairs) == 0 {
		return 0
	}
	msgs := make([]tokencount.Message, 0, len(pairs)*2)
	for _, p := range pairs {
		msgs = append(msgs,
			tokencount.Message{Role: "user", Content: p.userText},
			tokencount.Message{Role: "assistant", Content: p.assistantText},
		)
	}
	n, _ := c.counter.CountChat(ctx, modelID, msgs)
	return n
}

// stepL2ToL3 takes the oldest <= L3_GROUP_SIZE L2 rows and condenses them.
// On a meaningful result, the L3 insert and L2 delete happen atomically.
func (c *Compactor) stepL2ToL3(ctx context.Context, modelID, threadID, lang string, l2rows []persistence.L2Summary) (bool, string) {
	n := c.cfg.L3GroupSize
	if n > len(l2rows) {
		n = len(l2rows)
	}
	block, err := c.store.PickOldestL2Block(threadID, n)
	if err != nil || len(block) == 0 {
		return false, ""
	}
	texts := make([]string, len(block))
	ids := make([]int64, len(block))
	for i, r := range block {
		texts[i] = r.Text
		ids[i] = r.ID
	}
	text, meaningful := c.summarizer.SummarizeL2BlockToL3(ctx, texts, lang, c.cfg.L3GroupMaxTokens)
	if !meaningful {
		return false, ""
	}
	tokens, _ := c.counter.CountChat(ctx, modelID, []tokencount.Message{{Role: "assistant", Content: text}})
	if err := c.store.InsertL3(threadID, ids, text, tokens); err != nil {
		log.Warn("insert l3 failed: %v", err)
		return false, ""
	}
	return true, fmt.Sprintf("l2_to_l3_group:%d->1", len(block))
}

// stepL1ToL2 groups the oldest K = min(L2_GROUP_SIZE, pair_count -
// L1_MIN_PAIRS) pairs into one grouped L2 row.
func (c *Compactor) stepL1ToL2(ctx context.Context, modelID, threadID, lang string, pairs []pair) string {
	k := c.cfg.L2GroupSize
	if room := len(pairs) - c.cfg.L1MinPairs; room < k {
		k = room
	}
	if k <= 0 {
		return ""
	}
	group := pairs[:k]
	texts := make([]string, len(group))
	for i, p := range group {
		texts[i] = "User: " + p.userText + "\nAssistant: " + p.assistantText
	}
	text := c.summarizer.SummarizePairsGroupToL2(ctx, texts, lang, c.cfg.L2GroupMaxTokens)
	tokens, _ := c.counter.CountChat(ctx, modelID, []tokencount.Message{{Role: "assistant", Content: text}})

	first, last := group[0].userID, group[len(group)-1].assistantID
	if err := c.store.InsertL2(threadID, first, last, text, tokens); err != nil {
		log.Warn("insert l2 failed: %v", err)
		return ""
	}
	ms, err := c.store.MemoryStateRead(threadID)
	if err != nil {
		log.Warn("memory state read failed: %v", err)
	}
	if err := c.store.MemoryStateUpdate(threadID, last, ms.L1Tokens, ms.L2Tokens, ms.L3Tokens); err != nil {
		log.Warn("memory state update failed: %v", err)
	}
	return fmt.Sprintf("l1_to_l2_group:%d->1", k)
}

func (c *Compactor) stepL3Evict(threadID string) string {
	n, err := c.store.EvictL3Oldest(threadID, 3)
	if err != nil {
		log.Warn("evict l3 oldest failed: %v", err)
		return ""
	}
	return fmt.Sprintf("l3_evict:%d", n)
}
