package compactor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/modelinfo"
	"github.com/zergont/local-responses/pkg/persistence"
	"github.com/zergont/local-responses/pkg/tokencount"
	"github.com/zergont/local-responses/pkg/upstream"
)

type fakeStore struct {
	profile   persistence.Profile
	messages  []persistence.Message
	l2        []persistence.L2Summary
	l3        []persistence.L3MicroSummary
	memState  persistence.MemoryState
	nextL2ID  int64
	nextL3ID  int64
}

func (f *fakeStore) GetProfile() (persistence.Profile, error) { return f.profile, nil }

func (f *fakeStore) GetMessagesAsc(threadID, excludeMessageID string, maxItems int) ([]persistence.Message, error) {
	var out []persistence.Message
	for _, m := range f.messages {
		if m.ID == excludeMessageID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) GetL2Asc(threadID string, limit int) ([]persistence.L2Summary, error) { return f.l2, nil }
func (f *fakeStore) GetL3Asc(threadID string, limit int) ([]persistence.L3MicroSummary, error) {
	return f.l3, nil
}

func (f *fakeStore) PickOldestL2Block(threadID string, maxItems int) ([]persistence.L2Summary, error) {
	if maxItems > len(f.l2) {
		maxItems = len(f.l2)
	}
	out := make([]persistence.L2Summary, maxItems)
	copy(out, f.l2[:maxItems])
	return out, nil
}

func (f *fakeStore) InsertL2(threadID, startMsgID, endMsgID, text string, tokens int) error {
	f.nextL2ID++
	f.l2 = append(f.l2, persistence.L2Summary{
		ID: f.nextL2ID, ThreadID: threadID, StartMessageID: startMsgID, EndMessageID: endMsgID,
		Text: text, Tokens: tokens,
	})
	return nil
}

func (f *fakeStore) InsertL3(threadID string, l2IDs []int64, text string, tokens int) error {
	f.nextL3ID++
	f.l3 = append(f.l3, persistence.L3MicroSummary{ID: f.nextL3ID, ThreadID: threadID, Text: text, Tokens: tokens})
	consumed := make(map[int64]bool, len(l2IDs))
	for _, id := range l2IDs {
		consumed[id] = true
	}
	var remaining []persistence.L2Summary
	for _, r := range f.l2 {
		if !consumed[r.ID] {
			remaining = append(remaining, r)
		}
	}
	f.l2 = remaining
	return nil
}

func (f *fakeStore) EvictL3Oldest(threadID string, count int) (int, error) {
	if count > len(f.l3) {
		count = len(f.l3)
	}
	f.l3 = f.l3[count:]
	return count, nil
}

func (f *fakeStore) MemoryStateRead(threadID string) (persistence.MemoryState, error) { return f.memState, nil }

func (f *fakeStore) MemoryStateUpdate(threadID, lastCompactedMessageID string, l1, l2, l3 int) error {
	if lastCompactedMessageID != "" {
		f.memState.LastCompactedMessageID = lastCompactedMessageID
	}
	f.memState.L1Tokens, f.memState.L2Tokens, f.memState.L3Tokens = l1, l2, l3
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

type fakeSummarizer struct {
	l2Calls int
	l3Results []struct {
		text       string
		meaningful bool
	}
	l3Call int
}

func (f *fakeSummarizer) SummarizePairsGroupToL2(ctx context.Context, pairTexts []string, lang string, maxTokens int) string {
	f.l2Calls++
	return "grouped summary"
}

func (f *fakeSummarizer) SummarizeL2BlockToL3(ctx context.Context, l2Texts []string, lang string, maxTokens int) (string, bool) {
	if f.l3Call >= len(f.l3Results) {
		return "", false
	}
	r := f.l3Results[f.l3Call]
	f.l3Call++
	return r.text, r.meaningful
}

func newModelInfoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"loaded_context_length": 2048,
			"max_context_length":    32768,
			"state":                 "loaded",
		})
	}))
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.TokenCountMode = "approx"
	return cfg
}

func makeL2Rows(n int, tokensEach int) []persistence.L2Summary {
	var out []persistence.L2Summary
	for i := 0; i < n; i++ {
		out = append(out, persistence.L2Summary{ID: int64(i + 1), Text: "l2 summary text", Tokens: tokensEach})
	}
	return out
}

// TestRunExitsWhenBelowWatermark verifies property 3: with nothing above
// HIGH and free output satisfied, the cascade performs no steps.
func TestRunExitsWhenBelowWatermark(t *testing.T) {
	srv := newModelInfoServer(t)
	defer srv.Close()
	cfg := testConfig()
	cache := modelinfo.New(upstream.New(srv.URL, "k"), cfg)
	store := &fakeStore{}
	c := New(store, fakeCounter{}, &fakeSummarizer{}, cache, cfg)

	res, err := c.Run(context.Background(), RunInput{ThreadID: "t1", ModelID: "m"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Steps) != 0 {
		t.Errorf("expected no steps, got %v", res.Steps)
	}
	if res.Stalled {
		t.Error("expected not stalled")
	}
}

// TestRunL2OverflowTriggersL2ToL3 verifies the L2->L3 priority step fires
// when L2 is above HIGH, consuming the source rows and producing one L3.
func TestRunL2OverflowTriggersL2ToL3(t *testing.T) {
	srv := newModelInfoServer(t)
	defer srv.Close()
	cfg := testConfig()
	cache := modelinfo.New(upstream.New(srv.URL, "k"), cfg)

	store := &fakeStore{l2: makeL2Rows(10, 200)}
	summ := &fakeSummarizer{l3Results: []struct {
		text       string
		meaningful bool
	}{{"meaningful recap of the block", true}}}
	c := New(store, fakeCounter{}, summ, cache, cfg)

	res, err := c.Run(context.Background(), RunInput{ThreadID: "t1", ModelID: "m"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Steps) == 0 {
		t.Fatal("expected at least one step")
	}
	if res.Steps[0] != "l2_to_l3_group:3->1" {
		t.Errorf("first step = %q, want l2_to_l3_group:3->1", res.Steps[0])
	}
	if len(store.l3) != 1 {
		t.Errorf("expected exactly one l3 row, got %d", len(store.l3))
	}
}

// TestRunL2ToL3MeaningfulnessFailureLeavesRowsIntact verifies property 9
// (fallback tagging): a non-meaningful result leaves the source L2 rows
// untouched and creates no L3.
func TestRunL2ToL3MeaningfulnessFailureLeavesRowsIntact(t *testing.T) {
	srv := newModelInfoServer(t)
	defer srv.Close()
	cfg := testConfig()
	cache := modelinfo.New(upstream.New(srv.URL, "k"), cfg)

	store := &fakeStore{l2: makeL2Rows(10, 200)}
	summ := &fakeSummarizer{} // always returns ("", false)
	c := New(store, fakeCounter{}, summ, cache, cfg)

	res, err := c.Run(context.Background(), RunInput{ThreadID: "t1", ModelID: "m"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Stalled {
		t.Error("expected stalled when L2->L3 fails and nothing else applies")
	}
	if len(store.l2) != 10 {
		t.Errorf("expected l2 rows left intact, got %d", len(store.l2))
	}
	if len(store.l3) != 0 {
		t.Errorf("expected no l3 rows created, got %d", len(store.l3))
	}
}

// TestRunTerminatesWithinIterationCap is a coarse guard against an infinite
// loop: even a pathological store converges within maxIterations.
func TestRunTerminatesWithinIterationCap(t *testing.T) {
	srv := newModelInfoServer(t)
	defer srv.Close()
	cfg := testConfig()
	cache := modelinfo.New(upstream.New(srv.URL, "k"), cfg)

	store := &fakeStore{l3: func() []persistence.L3MicroSummary {
		var out []persistence.L3MicroSummary
		for i := 0; i < 50; i++ {
			out = append(out, persistence.L3MicroSummary{ID: int64(i + 1), Text: "x", Tokens: 100})
		}
		return out
	}()}
	c := New(store, fakeCounter{}, &fakeSummarizer{}, cache, cfg)

	res, err := c.Run(context.Background(), RunInput{ThreadID: "t1", ModelID: "m"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Steps) > maxIterations {
		t.Errorf("expected at most %d steps, got %d", maxIterations, len(res.Steps))
	}
}
