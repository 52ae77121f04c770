// Package orchestrator implements C9: the per-request glue that ensures a
// thread, persists the user turn, calls the context assembler (which
// internally runs the preflight compactor), streams the reply from
// upstream, persists it, and runs the post-reply normalizer before
// returning a diagnostic snapshot of the whole pass.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/zergont/local-responses/pkg/compactor"
	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/contextassembler"
	"github.com/zergont/local-responses/pkg/logx"
	"github.com/zergont/local-responses/pkg/metrics"
	"github.com/zergont/local-responses/pkg/persistence"
	"github.com/zergont/local-responses/pkg/tokencount"
	"github.com/zergont/local-responses/pkg/upstream"
)

var log = logx.NewLogger("orchestrator") //nolint:gochecknoglobals

// Store is the subset of C4 the orchestrator drives directly; everything
// else (L2/L3/memory-state reads and writes) happens inside C6/C7/C8.
type Store interface {
	GetThread(id string) (persistence.Thread, error)
	CreateThread(title string) (persistence.Thread, error)
	AppendMessage(threadID string, role persistence.Role, content string, tokens *int) (persistence.Message, error)
	InsertResponse(r persistence.Response) error
}

// Assembler is C6.
type Assembler interface {
	Assemble(ctx context.Context, in contextassembler.Input) (contextassembler.Result, error)
}

// Compactor is C7/C8's shared cascade, re-run here as the post-reply
// normalizer per §4.8.
type Compactor interface {
	Run(ctx context.Context, in compactor.RunInput) (compactor.Result, error)
}

// Counter is C1.
type Counter interface {
	CountChat(ctx context.Context, modelID string, msgs []tokencount.Message) (int, tokencount.Mode)
}

// Streamer is the generation half of the upstream collaborator.
type Streamer interface {
	Stream(ctx context.Context, model string, msgs []upstream.Message, maxTokens int) (<-chan upstream.StreamChunk, error)
}

// Orchestrator wires C1/C4/C6/C7 together into the per-request flow C9
// describes.
type Orchestrator struct {
	store     Store
	assembler Assembler
	compactor Compactor
	counter   Counter
	upstream  Streamer
	cfg       *config.Config
}

// New builds an Orchestrator.
func New(store Store, assembler Assembler, postCompactor Compactor, counter Counter, up Streamer, cfg *config.Config) *Orchestrator {
	return &Orchestrator{store: store, assembler: assembler, compactor: postCompactor, counter: counter, upstream: up, cfg: cfg}
}

// Request is one incoming chat turn. ThreadID empty means "start a new
// thread"; ModelID names the upstream model to use for every measurement
// and for generation itself.
type Request struct {
	ThreadID          string
	ModelID           string
	UserText          string
	RequestedMaxOut   *int
	ToolResultsText   string
	ToolResultsTokens *int
}

// Diagnostics is the trailing diagnostic event C9 exposes to the request
// handler, combining the per-layer token breakdown (ContextBudget), the
// assembler's diagnostics, and both compaction passes' step tags.
type Diagnostics struct {
	ThreadID               string
	ContextBudget          contextassembler.Breakdown
	ContextAssembly        contextassembler.Diagnostics
	EffectiveMaxOutTokens  int
	PreflightSteps         []string
	PostReplySteps         []string
	PostReplyStalled       bool
	Status                 string
	TokenCountMode         string
}

// Result is the full outcome of one request: the assistant's text plus the
// diagnostic surface.
type Result struct {
	ThreadID        string
	UserMessageID   string
	AssistantText   string
	AssistantStatus string
	Diagnostics     Diagnostics
}

// clamp implements §4.9 step 3. When cap (free_out_cap) has collapsed below
// the floor — compaction still left no room — the floor wins outright
// rather than re-clamping down to a sub-floor cap.
func clamp(requested *int, floor, cap int) int {
	if cap < floor {
		return floor
	}
	v := cap
	if requested != nil {
		v = *requested
	}
	if v < floor {
		v = floor
	}
	if v > cap {
		v = cap
	}
	return v
}

// Handle runs one full request: §4.9 steps 1-5.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()

	thread, err := o.ensureThread(req.ThreadID)
	if err != nil {
		return Result{}, fmt.Errorf("ensure thread: %w", err)
	}

	userMsg, err := o.store.AppendMessage(thread.ID, persistence.RoleUser, req.UserText, nil)
	if err != nil {
		return Result{}, fmt.Errorf("persist user message: %w", err)
	}

	assembled, err := o.assembler.Assemble(ctx, contextassembler.Input{
		ThreadID:          thread.ID,
		ModelID:           req.ModelID,
		MaxOutputTokens:   req.RequestedMaxOut,
		ToolResultsText:   req.ToolResultsText,
		ToolResultsTokens: req.ToolResultsTokens,
		CurrentUserText:   req.UserText,
		CurrentUserID:     userMsg.ID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("assemble context: %w", err)
	}

	effectiveMaxOut := clamp(req.RequestedMaxOut, o.cfg.ROutFloor, assembled.Diagnostics.FreeOutCap)

	assistantText, status, streamErr := o.runStream(ctx, req.ModelID, assembled.Messages, effectiveMaxOut)
	if streamErr != nil && status != "cancelled" {
		return Result{}, fmt.Errorf("stream generation: %w", streamErr)
	}

	outputTokens, _ := o.counter.CountChat(ctx, req.ModelID, []tokencount.Message{{Role: "assistant", Content: assistantText}})
	if _, err := o.store.AppendMessage(thread.ID, persistence.RoleAssistant, assistantText, &outputTokens); err != nil {
		return Result{}, fmt.Errorf("persist assistant message: %w", err)
	}

	inputTokens := assembled.Breakdown.TotalTokens
	if rErr := o.store.InsertResponse(persistence.Response{
		ThreadID:     thread.ID,
		Status:       status,
		Model:        req.ModelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
	}); rErr != nil {
		log.Warn("persist response record failed: %v", rErr)
	}

	postSteps, postStalled := o.runPostReplyNormalizer(ctx, req.ModelID, thread.ID)

	metrics.Default().RecordRequest(status, time.Since(start))

	return Result{
		ThreadID:        thread.ID,
		UserMessageID:   userMsg.ID,
		AssistantText:   assistantText,
		AssistantStatus: status,
		Diagnostics: Diagnostics{
			ThreadID:              thread.ID,
			ContextBudget:         assembled.Breakdown,
			ContextAssembly:       assembled.Diagnostics,
			EffectiveMaxOutTokens: effectiveMaxOut,
			PreflightSteps:        assembled.Diagnostics.CompactionSteps,
			PostReplySteps:        postSteps,
			PostReplyStalled:      postStalled,
			Status:                status,
			TokenCountMode:        assembled.Diagnostics.TokenCountMode,
		},
	}, nil
}

func (o *Orchestrator) ensureThread(threadID string) (persistence.Thread, error) {
	if threadID == "" {
		return o.store.CreateThread("")
	}
	return o.store.GetThread(threadID)
}

// runStream aggregates the streamed completion, returning whatever partial
// text accumulated and status "cancelled" if ctx was cancelled mid-stream
// per §5's cancellation contract; the normalizer still runs afterward so
// compaction debt never accumulates on a cancel.
func (o *Orchestrator) runStream(ctx context.Context, modelID string, msgs []upstream.Message, maxTokens int) (string, string, error) {
	chunks, err := o.upstream.Stream(ctx, modelID, msgs, maxTokens)
	if err != nil {
		return "", "error", err
	}

	var text string
	for chunk := range chunks {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				return text, "cancelled", nil
			}
			return text, "error", chunk.Err
		}
		if chunk.Done {
			if ctx.Err() != nil {
				return text, "cancelled", nil
			}
			return text, "completed", nil
		}
		text += chunk.Content
		if ctx.Err() != nil {
			return text, "cancelled", nil
		}
	}
	if ctx.Err() != nil {
		return text, "cancelled", nil
	}
	return text, "completed", nil
}

// runPostReplyNormalizer is C8: the same cascade as C7, re-run against the
// freshly persisted state.
func (o *Orchestrator) runPostReplyNormalizer(ctx context.Context, modelID, threadID string) ([]string, bool) {
	if o.compactor == nil {
		return nil, false
	}
	res, err := o.compactor.Run(ctx, compactor.RunInput{ThreadID: threadID, ModelID: modelID})
	if err != nil {
		log.Warn("post-reply normalizer failed: %v", err)
		return nil, false
	}
	return res.Steps, res.Stalled
}
