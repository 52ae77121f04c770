// Package contextassembler implements C6, the Context Assembler: it builds
// the provider message list (system prelude, L3/L2 recap messages, the
// newest-fitting L1 pairs, and the current user turn) and the per-layer
// token breakdown the compactor and orchestrator both read.
package contextassembler

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/zergont/local-responses/pkg/budget"
	"github.com/zergont/local-responses/pkg/compactor"
	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/coreprofile"
	"github.com/zergont/local-responses/pkg/logx"
	"github.com/zergont/local-responses/pkg/modelinfo"
	"github.com/zergont/local-responses/pkg/persistence"
	"github.com/zergont/local-responses/pkg/tokencount"
	"github.com/zergont/local-responses/pkg/upstream"
)

var log = logx.NewLogger("contextassembler") //nolint:gochecknoglobals

// Store is the subset of the Memory Store this component reads.
type Store interface {
	GetProfile() (persistence.Profile, error)
	GetMessagesAsc(threadID, excludeMessageID string, maxItems int) ([]persistence.Message, error)
	GetL2Asc(threadID string, limit int) ([]persistence.L2Summary, error)
	GetL3Asc(threadID string, limit int) ([]persistence.L3MicroSummary, error)
	GetToolRunsForThread(threadID string) ([]persistence.ToolRun, error)
	MemoryStateRead(threadID string) (persistence.MemoryState, error)
}

// Counter is the subset of C1 this component calls.
type Counter interface {
	CountChat(ctx context.Context, modelID string, msgs []tokencount.Message) (int, tokencount.Mode)
}

// Pair is one (user, assistant) turn, kept together so L1 selection and
// L1->L2 grouping always act on whole turns.
type Pair struct {
	UserID        string
	AssistantID   string
	UserText      string
	AssistantText string
}

// Input gathers everything the assembler needs for one request.
type Input struct {
	ThreadID          string
	ModelID           string
	MaxOutputTokens   *int
	ToolResultsText   string
	ToolResultsTokens *int
	LastUserLang      string
	CurrentUserText   string
	CurrentUserID     string
}

// Breakdown is the per-layer token count, measured via C1.
type Breakdown struct {
	SystemTokens int
	ToolsTokens  int
	L3Tokens     int
	L2Tokens     int
	L1Tokens     int
	TotalTokens  int
}

// Includes records exactly what was placed in the assembled prompt.
type Includes struct {
	L3IDs          []int64
	L2Pairs        [][2]string
	L1Pairs        [][2]string
	L1OrderPreview []string
}

// Diagnostics is the assembler's contribution to the orchestrator's
// diagnostic surface.
type Diagnostics struct {
	L1PairsCount   int
	FreeOutCap     int
	FillPct        map[string]int
	FreePct        int
	Includes        Includes
	TokenCountMode  string
	CompactionSteps []string
}

// Result is everything C7/C9 need after one assembly pass.
type Result struct {
	Messages    []upstream.Message
	Breakdown   Breakdown
	Budget      budget.Result
	Diagnostics Diagnostics
}

// Compactor is C7, invoked from inside the assembly pipeline per §4.9 step 2
// ("assemble_context... internally calls C7").
type Compactor interface {
	Run(ctx context.Context, in compactor.RunInput) (compactor.Result, error)
}

// Assembler implements C6.
type Assembler struct {
	store     Store
	counter   Counter
	cache     *modelinfo.Cache
	cfg       *config.Config
	compactor Compactor
}

// New builds an Assembler. compactor runs the preflight cascade against the
// live store before the message list is rendered.
func New(store Store, counter Counter, cache *modelinfo.Cache, cfg *config.Config, compactor Compactor) *Assembler {
	return &Assembler{store: store, counter: counter, cache: cache, cfg: cfg, compactor: compactor}
}

var cyrillicRe = regexp.MustCompile(`\p{Cyrillic}`)

func detectLang(lastUserText, profileLang string) string {
	if cyrillicRe.MatchString(lastUserText) {
		return "ru"
	}
	if profileLang != "" {
		return profileLang
	}
	return "en"
}

const systemInstruction = "You are a helpful assistant. Use the conversation history and the recap blocks below to stay consistent with prior turns."

func buildSystemPrelude(coreText, toolsText string) string {
	var sb strings.Builder
	sb.WriteString(systemInstruction)
	sb.WriteString("\n───\n[CORE PROFILE]\n")
	sb.WriteString(coreText)
	if toolsText != "" {
		sb.WriteString("\n───\n[TOOL RESULTS]\n")
		sb.WriteString(toolsText)
	}
	return sb.String()
}

func pairMessages(p Pair) []upstream.Message {
	return []upstream.Message{
		{Role: "user", Content: p.UserText},
		{Role: "assistant", Content: p.AssistantText},
	}
}

// buildPairs groups the ASC user/assistant history into ordered pairs.
// Messages that don't form a clean (user, assistant) alternation are
// skipped for pairing purposes; §3 guarantees pairing-universe membership
// only for role in {user, assistant}.
func buildPairs(msgs []persistence.Message) []Pair {
	var pairs []Pair
	var pendingUser *persistence.Message
	for i := range msgs {
		m := &msgs[i]
		switch m.Role {
		case persistence.RoleUser:
			pendingUser = m
		case persistence.RoleAssistant:
			if pendingUser != nil {
				pairs = append(pairs, Pair{
					UserID:        pendingUser.ID,
					AssistantID:   m.ID,
					UserText:      pendingUser.Content,
					AssistantText: m.Content,
				})
				pendingUser = nil
			}
		}
	}
	return pairs
}

// cutAfterCompacted drops every message up to and including
// lastCompactedMessageID (the boundary C7's L1->L2 step records), so a
// raw pair already folded into an L2 recap is never also replayed as L1.
// An empty or unmatched cursor leaves the full ASC history untouched.
func cutAfterCompacted(msgs []persistence.Message, lastCompactedMessageID string) []persistence.Message {
	if lastCompactedMessageID == "" {
		return msgs
	}
	for i, m := range msgs {
		if m.ID == lastCompactedMessageID {
			return msgs[i+1:]
		}
	}
	return msgs
}

func truncateChars(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// Assemble runs C6 steps 1-10. When a compactor is configured, it runs the
// preflight cascade (C7) on the live store first, before the budget is
// solved and the layers are loaded, so L1/L2/L3 are measured after
// compaction.
func (a *Assembler) Assemble(ctx context.Context, in Input) (Result, error) {
	profile, err := a.store.GetProfile()
	if err != nil {
		return Result{}, fmt.Errorf("load profile: %w", err)
	}
	lang := in.LastUserLang
	if lang == "" {
		lang = detectLang(in.CurrentUserText, profile.PreferredLanguage)
	}

	coreText := coreprofile.Render(profile)
	coreTokens, coreCap := coreprofile.Estimate(coreText)

	toolsRawTokens := 0
	if in.ToolResultsTokens != nil {
		toolsRawTokens = *in.ToolResultsTokens
	} else if in.ToolResultsText != "" {
		toolsRawTokens = tokencount.EstimateTokens(in.ToolResultsText)
	}

	var compactionSteps []string
	if a.compactor != nil {
		compResult, cErr := a.compactor.Run(ctx, compactor.RunInput{
			ThreadID:          in.ThreadID,
			ModelID:           in.ModelID,
			Lang:              lang,
			RequestedMaxOut:   in.MaxOutputTokens,
			ToolResultsTokens: toolsRawTokens,
		})
		if cErr != nil {
			log.Warn("preflight compaction failed, assembling against uncompacted state: %v", cErr)
		} else {
			compactionSteps = compResult.Steps
		}
	}

	bud := budget.Solve(ctx, a.cache, budget.Input{
		ModelID:           in.ModelID,
		RequestedMaxOut:   in.MaxOutputTokens,
		CoreTokens:        coreTokens,
		CoreCap:           coreCap,
		ToolResultsTokens: toolsRawTokens,
	}, a.cfg)

	toolsText := truncateChars(in.ToolResultsText, bud.ToolsUsed*4)
	systemText := buildSystemPrelude(coreText, toolsText)

	l3rows, err := a.store.GetL3Asc(in.ThreadID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("load l3: %w", err)
	}
	l2rows, err := a.store.GetL2Asc(in.ThreadID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("load l2: %w", err)
	}

	var l3Msgs, l2Msgs []upstream.Message
	var l3IDs []int64
	for _, r := range l3rows {
		l3IDs = append(l3IDs, r.ID)
		l3Msgs = append(l3Msgs, upstream.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("[recap L3 #%d-%d] %s", r.StartL2ID, r.EndL2ID, r.Text),
		})
	}
	var l2Pairs [][2]string
	for _, r := range l2rows {
		l2Pairs = append(l2Pairs, [2]string{r.StartMessageID, r.EndMessageID})
		l2Msgs = append(l2Msgs, upstream.Message{
			Role:    "assistant",
			Content: fmt.Sprintf("[recap L2 %s..%s] %s", r.StartMessageID, r.EndMessageID, r.Text),
		})
	}

	history, err := a.store.GetMessagesAsc(in.ThreadID, in.CurrentUserID, 0)
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}
	memState, err := a.store.MemoryStateRead(in.ThreadID)
	if err != nil {
		return Result{}, fmt.Errorf("load memory state: %w", err)
	}
	history = cutAfterCompacted(history, memState.LastCompactedMessageID)
	pairs := buildPairs(history)

	chosen, l1Tokens, mode := a.fillL1(ctx, in.ModelID, systemText, toolsText, l3Msgs, l2Msgs, pairs, bud)

	l1Pairs := make([][2]string, 0, len(chosen))
	l1Order := make([]string, 0, len(chosen))
	var l1Msgs []upstream.Message
	for _, p := range chosen {
		l1Pairs = append(l1Pairs, [2]string{p.UserID, p.AssistantID})
		l1Order = append(l1Order, p.UserID, p.AssistantID)
		l1Msgs = append(l1Msgs, pairMessages(p)...)
	}

	messages := make([]upstream.Message, 0, len(l3Msgs)+len(l2Msgs)+len(l1Msgs)+2)
	messages = append(messages, upstream.Message{Role: "system", Content: systemText})
	messages = append(messages, l3Msgs...)
	messages = append(messages, l2Msgs...)
	messages = append(messages, l1Msgs...)
	messages = append(messages, upstream.Message{Role: "user", Content: in.CurrentUserText})

	totalTokens, totalMode := a.countAll(ctx, in.ModelID, messages)
	if totalMode == tokencount.ModeApprox {
		mode = tokencount.ModeApprox
	}

	systemTokens, _ := a.counter.CountChat(ctx, in.ModelID, []tokencount.Message{{Role: "system", Content: systemText}})
	l3Tokens := a.sumTokens(ctx, in.ModelID, l3Msgs)
	l2Tokens := a.sumTokens(ctx, in.ModelID, l2Msgs)

	breakdown := Breakdown{
		SystemTokens: systemTokens,
		ToolsTokens:  bud.ToolsUsed,
		L3Tokens:     l3Tokens,
		L2Tokens:     l2Tokens,
		L1Tokens:     l1Tokens,
		TotalTokens:  totalTokens,
	}

	freeOutCap := bud.FreeOutCap(totalTokens)
	fillPct := map[string]int{
		"l1": pct(l1Tokens, bud.L1Cap),
		"l2": pct(l2Tokens, bud.L2Cap),
		"l3": pct(l3Tokens, bud.L3Cap),
	}

	return Result{
		Messages:  messages,
		Breakdown: breakdown,
		Budget:    bud,
		Diagnostics: Diagnostics{
			L1PairsCount: len(chosen),
			FreeOutCap:   freeOutCap,
			FillPct:      fillPct,
			FreePct:      pct(freeOutCap, bud.ROut),
			Includes: Includes{
				L3IDs:          l3IDs,
				L2Pairs:        l2Pairs,
				L1Pairs:        l1Pairs,
				L1OrderPreview: l1Order,
			},
			TokenCountMode:  string(mode),
			CompactionSteps: compactionSteps,
		},
	}, nil
}

func pct(used, cap int) int {
	if cap <= 0 {
		return 0
	}
	return used * 100 / cap
}

func (a *Assembler) sumTokens(ctx context.Context, modelID string, msgs []upstream.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	conv := make([]tokencount.Message, len(msgs))
	for i, m := range msgs {
		conv[i] = tokencount.Message{Role: m.Role, Content: m.Content}
	}
	n, _ := a.counter.CountChat(ctx, modelID, conv)
	return n
}

func (a *Assembler) countAll(ctx context.Context, modelID string, msgs []upstream.Message) (int, tokencount.Mode) {
	conv := make([]tokencount.Message, len(msgs))
	for i, m := range msgs {
		conv[i] = tokencount.Message{Role: m.Role, Content: m.Content}
	}
	return a.counter.CountChat(ctx, modelID, conv)
}

// fillL1 implements §4.6 steps 7-8: fill newest-to-oldest while the trial
// stays within L1_cap and the C_base invariant, then guarantee L1_MIN_PAIRS
// regardless of cap.
func (a *Assembler) fillL1(
	ctx context.Context,
	modelID, systemText, toolsText string,
	l3Msgs, l2Msgs []upstream.Message,
	pairs []Pair,
	bud budget.Result,
) ([]Pair, int, tokencount.Mode) {
	var chosen []Pair
	mode := tokencount.ModeProxyHTTP

	fixedTokens := a.sumTokens(ctx, modelID, append(append(
		[]upstream.Message{{Role: "system", Content: systemText}}, l3Msgs...), l2Msgs...))

	measureL1 := func(trial []Pair) int {
		var msgs []upstream.Message
		for _, p := range trial {
			msgs = append(msgs, pairMessages(p)...)
		}
		return a.sumTokens(ctx, modelID, msgs)
	}

	l1Tokens := 0
	for i := len(pairs) - 1; i >= 0; i-- {
		trial := append([]Pair{pairs[i]}, chosen...)
		trialL1 := measureL1(trial)
		total := fixedTokens + trialL1
		if trialL1 <= bud.L1Cap && bud.CBase-total-bud.RSys-bud.Safety >= 0 {
			chosen = trial
			l1Tokens = trialL1
			continue
		}
		break
	}

	if len(chosen) < a.cfg.L1MinPairs {
		chosenIDs := make(map[string]bool, len(chosen))
		for _, p := range chosen {
			chosenIDs[p.UserID] = true
		}
		for i := len(pairs) - 1; i >= 0 && len(chosen) < a.cfg.L1MinPairs; i-- {
			if chosenIDs[pairs[i].UserID] {
				continue
			}
			chosen = append([]Pair{pairs[i]}, chosen...)
			chosenIDs[pairs[i].UserID] = true
		}
		l1Tokens = measureL1(chosen)
	}

	return chosen, l1Tokens, mode
}
