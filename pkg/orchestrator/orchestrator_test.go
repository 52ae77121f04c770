package orchestrator

import (
	"context"
	"testing"

	"github.com/zergont/local-responses/pkg/compactor"
	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/contextassembler"
	"github.com/zergont/local-responses/pkg/persistence"
	"github.com/zergont/local-responses/pkg/tokencount"
	"github.com/zergont/local-responses/pkg/upstream"
)

type fakeStore struct {
	threads   map[string]persistence.Thread
	messages  []persistence.Message
	responses []persistence.Response
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{threads: make(map[string]persistence.Thread)}
}

func (f *fakeStore) genID() string {
	f.nextID++
	return "id" + string(rune('0'+f.nextID))
}

func (f *fakeStore) GetThread(id string) (persistence.Thread, error) {
	if t, ok := f.threads[id]; ok {
		return t, nil
	}
	t := persistence.Thread{ID: id}
	f.threads[id] = t
	return t, nil
}

func (f *fakeStore) CreateThread(title string) (persistence.Thread, error) {
	t := persistence.Thread{ID: f.genID(), Title: title}
	f.threads[t.ID] = t
	return t, nil
}

func (f *fakeStore) AppendMessage(threadID string, role persistence.Role, content string, tokens *int) (persistence.Message, error) {
	m := persistence.Message{ID: f.genID(), ThreadID: threadID, Role: role, Content: content}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeStore) InsertResponse(r persistence.Response) error {
	f.responses = append(f.responses, r)
	return nil
}

type fakeCounter struct{}

func (fakeCounter) CountChat(ctx context.Context, modelID string, msgs []tokencount.Message) (int, tokencount.Mode) {
	total := 0
	for _, m := range msgs {
		n := len(m.Content) / 4
		if n < 1 && m.Content != "" {
			n = 1
		}
		total += n
	}
	return total, tokencount.ModeApprox
}

type fakeAssembler struct {
	result contextassembler.Result
}

func (f *fakeAssembler) Assemble(ctx context.Context, in contextassembler.Input) (contextassembler.Result, error) {
	return f.result, nil
}

type fakeCompactor struct {
	result compactor.Result
	calls  int
}

func (f *fakeCompactor) Run(ctx context.Context, in compactor.RunInput) (compactor.Result, error) {
	f.calls++
	return f.result, nil
}

type fakeStreamer struct {
	chunks []upstream.StreamChunk
}

func (f *fakeStreamer) Stream(ctx context.Context, model string, msgs []upstream.Message, maxTokens int) (<-chan upstream.StreamChunk, error) {
	out := make(chan upstream.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.ROutFloor = 64
	return cfg
}

func TestHandleCreatesThreadAndPersistsTurn(t *testing.T) {
	store := newFakeStore()
	asm := &fakeAssembler{result: contextassembler.Result{
		Messages: []upstream.Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
		Breakdown: contextassembler.Breakdown{TotalTokens: 10},
		Diagnostics: contextassembler.Diagnostics{
			FreeOutCap:      500,
			TokenCountMode:  "approx",
			CompactionSteps: []string{"l2_to_l3_group:3->1"},
		},
	}}
	comp := &fakeCompactor{result: compactor.Result{Steps: []string{"l3_evict:3"}}}
	stream := &fakeStreamer{chunks: []upstream.StreamChunk{
		{Content: "hello "}, {Content: "world"}, {Done: true},
	}}

	o := New(store, asm, comp, fakeCounter{}, stream, testConfig())

	res, err := o.Handle(context.Background(), Request{
		ThreadID: "",
		ModelID:  "local-model",
		UserText: "hi",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AssistantText != "hello world" {
		t.Errorf("assistant text = %q, want %q", res.AssistantText, "hello world")
	}
	if res.AssistantStatus != "completed" {
		t.Errorf("status = %q, want completed", res.AssistantStatus)
	}
	if res.ThreadID == "" {
		t.Error("expected a thread id to be assigned")
	}
	if len(store.messages) != 2 {
		t.Fatalf("expected 2 persisted messages (user+assistant), got %d", len(store.messages))
	}
	if store.messages[0].Role != persistence.RoleUser || store.messages[1].Role != persistence.RoleAssistant {
		t.Error("expected user message persisted before assistant message")
	}
	if len(store.responses) != 1 {
		t.Errorf("expected one response record, got %d", len(store.responses))
	}
	if comp.calls != 1 {
		t.Errorf("expected post-reply normalizer to run once, got %d calls", comp.calls)
	}
	if len(res.Diagnostics.PreflightSteps) != 1 || res.Diagnostics.PreflightSteps[0] != "l2_to_l3_group:3->1" {
		t.Errorf("preflight steps not surfaced: %+v", res.Diagnostics.PreflightSteps)
	}
	if len(res.Diagnostics.PostReplySteps) != 1 || res.Diagnostics.PostReplySteps[0] != "l3_evict:3" {
		t.Errorf("post-reply steps not surfaced: %+v", res.Diagnostics.PostReplySteps)
	}
	if res.Diagnostics.EffectiveMaxOutTokens < testConfig().ROutFloor {
		t.Errorf("effective max out = %d, want >= floor", res.Diagnostics.EffectiveMaxOutTokens)
	}
}

func TestHandleReusesExistingThread(t *testing.T) {
	store := newFakeStore()
	store.threads["t1"] = persistence.Thread{ID: "t1", Title: "existing"}
	asm := &fakeAssembler{result: contextassembler.Result{
		Messages:    []upstream.Message{{Role: "user", Content: "hi"}},
		Diagnostics: contextassembler.Diagnostics{FreeOutCap: 200},
	}}
	comp := &fakeCompactor{}
	stream := &fakeStreamer{chunks: []upstream.StreamChunk{{Content: "ok"}, {Done: true}}}

	o := New(store, asm, comp, fakeCounter{}, stream, testConfig())
	res, err := o.Handle(context.Background(), Request{ThreadID: "t1", ModelID: "m", UserText: "hi"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.ThreadID != "t1" {
		t.Errorf("thread id = %q, want t1", res.ThreadID)
	}
}

// cancellingStreamer emits one partial chunk then cancels its own context,
// simulating a client disconnect mid-stream.
type cancellingStreamer struct {
	cancel context.CancelFunc
}

func (c *cancellingStreamer) Stream(ctx context.Context, model string, msgs []upstream.Message, maxTokens int) (<-chan upstream.StreamChunk, error) {
	out := make(chan upstream.StreamChunk, 1)
	out <- upstream.StreamChunk{Content: "partial"}
	c.cancel()
	close(out)
	return out, nil
}

// TestHandleRecordsPartialTextOnCancel verifies §5: a mid-stream cancel
// still persists whatever text accumulated, tags the turn "cancelled", and
// still runs the post-reply normalizer so compaction debt never builds up.
func TestHandleRecordsPartialTextOnCancel(t *testing.T) {
	store := newFakeStore()
	asm := &fakeAssembler{result: contextassembler.Result{
		Messages:    []upstream.Message{{Role: "user", Content: "hi"}},
		Diagnostics: contextassembler.Diagnostics{FreeOutCap: 200},
	}}
	comp := &fakeCompactor{}
	ctx, cancel := context.WithCancel(context.Background())
	stream := &cancellingStreamer{cancel: cancel}

	o := New(store, asm, comp, fakeCounter{}, stream, testConfig())
	res, err := o.Handle(ctx, Request{ThreadID: "t1", ModelID: "m", UserText: "hi"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.AssistantStatus != "cancelled" {
		t.Errorf("status = %q, want cancelled", res.AssistantStatus)
	}
	if res.AssistantText != "partial" {
		t.Errorf("assistant text = %q, want partial", res.AssistantText)
	}
	if len(store.messages) != 2 {
		t.Fatalf("expected partial assistant message persisted, got %d messages", len(store.messages))
	}
	if comp.calls != 1 {
		t.Errorf("expected post-reply normalizer to still run on cancel, got %d calls", comp.calls)
	}
}

// TestHandleClampsEffectiveMaxOutToFloor verifies §4.9 step 3: a negative
// or tiny free_out_cap is clamped up to R_OUT_FLOOR, never left sub-floor.
func TestHandleClampsEffectiveMaxOutToFloor(t *testing.T) {
	store := newFakeStore()
	asm := &fakeAssembler{result: contextassembler.Result{
		Messages:    []upstream.Message{{Role: "user", Content: "hi"}},
		Diagnostics: contextassembler.Diagnostics{FreeOutCap: -50},
	}}
	comp := &fakeCompactor{}
	stream := &fakeStreamer{chunks: []upstream.StreamChunk{{Done: true}}}
	cfg := testConfig()

	o := New(store, asm, comp, fakeCounter{}, stream, cfg)
	res, err := o.Handle(context.Background(), Request{ThreadID: "t1", ModelID: "m", UserText: "hi"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Diagnostics.EffectiveMaxOutTokens != cfg.ROutFloor {
		t.Errorf("effective max out = %d, want floor %d", res.Diagnostics.EffectiveMaxOutTokens, cfg.ROutFloor)
	}
}
