// Package budget implements C3, the pure token-budget solver: from the
// resolved context window, requested output size and core-profile size it
// derives the fixed reservations and the per-level working caps that the
// context assembler and compactor both read.
package budget

import (
	"context"
	"math"
	"time"

	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/modelinfo"
)

// Result is the full budget vector, including the legacy C_eff alias kept
// for diagnostics compatibility.
type Result struct {
	CBase  int
	CEff   int // alias of CBase, kept for legacy diagnostic field name
	Source string

	ROut   int
	RSys   int
	Safety int

	BTotalIn     int
	CoreReserved int
	BWork        int

	ToolsCap  int
	ToolsUsed int
	WorkLeft  int

	L1Cap int
	L2Cap int
	L3Cap int
}

// Input bundles everything the solver needs beyond the model-info cache.
type Input struct {
	ModelID           string
	RequestedMaxOut   *int // nil if caller didn't request a specific output budget
	CoreTokens        int
	CoreCap           int
	ToolResultsTokens int
}

// Solve resolves C_base (busy-polling the model-info cache briefly if the
// model reports as still loading) and derives the full reservation/cap
// vector per §4.3. It performs no I/O beyond the model-info cache lookup.
func Solve(ctx context.Context, cache *modelinfo.Cache, in Input, cfg *config.Config) Result {
	info := cache.Fetch(ctx, in.ModelID)
	if info.State == "loading" {
		info = cache.WaitForLoad(ctx, in.ModelID, 10, 600*time.Millisecond)
	}

	cBase := info.ResolveWindow(cfg.CtxDefaultContextLength)
	source := info.Source
	if source == "" {
		source = "default"
	}

	rOutRequested := cfg.CtxROutDefault
	if in.RequestedMaxOut != nil {
		rOutRequested = *in.RequestedMaxOut
	}
	rOutCap := int(math.Floor(cfg.CtxROutPct * float64(cBase)))
	rOut := min(rOutRequested, rOutCap)

	rSys := max(cfg.CtxRSysMin, int(math.Floor(cfg.CtxRSysPct*float64(cBase))))
	safety := int(math.Ceil(cfg.CtxSafetyPct * float64(cBase)))

	bTotalIn := cBase - rOut - rSys - safety

	coreReserved := min(in.CoreCap+cfg.CtxCoreSysPadTok, max(0, bTotalIn))
	bWork := max(0, bTotalIn-coreReserved)

	toolsCap := int(math.Floor(cfg.MemToolsMaxShare * float64(bWork)))
	toolsUsed := min(in.ToolResultsTokens, toolsCap)
	workLeft := bWork - toolsUsed

	l1Cap := int(math.Floor(cfg.MemL1Share * float64(workLeft)))
	l2Cap := int(math.Floor(cfg.MemL2Share * float64(workLeft)))
	l3Cap := int(math.Floor(cfg.MemL3Share * float64(workLeft)))

	return Result{
		CBase:  cBase,
		CEff:   cBase,
		Source: source,

		ROut:   rOut,
		RSys:   rSys,
		Safety: safety,

		BTotalIn:     bTotalIn,
		CoreReserved: coreReserved,
		BWork:        bWork,

		ToolsCap:  toolsCap,
		ToolsUsed: toolsUsed,
		WorkLeft:  workLeft,

		L1Cap: l1Cap,
		L2Cap: l2Cap,
		L3Cap: l3Cap,
	}
}

// FreeOutCap is the free-output cap given a current prompt token total:
// C_base − prompt_tokens − R_sys − Safety.
func (r Result) FreeOutCap(promptTokens int) int {
	return r.CBase - promptTokens - r.RSys - r.Safety
}
