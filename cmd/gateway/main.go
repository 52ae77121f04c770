// Command gateway wires C1-C9 together and drives one request end to end.
// HTTP transport, CORS, and static serving are out of scope for this core
// (see SPEC_FULL.md §1 Non-goals); this entrypoint exercises the pipeline
// directly against a thread id and a prompt, the way the orchestrator's
// caller eventually will.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zergont/local-responses/pkg/compactor"
	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/contextassembler"
	"github.com/zergont/local-responses/pkg/logx"
	"github.com/zergont/local-responses/pkg/metrics"
	"github.com/zergont/local-responses/pkg/modelinfo"
	"github.com/zergont/local-responses/pkg/orchestrator"
	"github.com/zergont/local-responses/pkg/persistence"
	"github.com/zergont/local-responses/pkg/summarizer"
	"github.com/zergont/local-responses/pkg/tokencount"
	"github.com/zergont/local-responses/pkg/upstream"
)

var log = logx.NewLogger("gateway") //nolint:gochecknoglobals

func main() {
	var (
		dbPath   = flag.String("db", "gateway.db", "path to the SQLite database file")
		model    = flag.String("model", "local-model", "upstream model id")
		threadID = flag.String("thread", "", "thread id, empty creates a new thread")
		prompt   = flag.String("prompt", "", "user prompt text (required)")
		maxOut   = flag.Int("max-output-tokens", 0, "requested max output tokens, 0 lets the budget solver choose")
	)
	flag.Parse()

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "error: -prompt is required")
		os.Exit(1)
	}

	cfg := config.Load()
	metrics.Install(metrics.NewRecorder())

	if err := persistence.Initialize(*dbPath); err != nil {
		log.Error("database initialization failed: %v", err)
		os.Exit(1)
	}
	defer func() { _ = persistence.Close() }()

	store := persistence.Store()

	client := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey)
	cache := modelinfo.New(client, cfg)
	counter := tokencount.New(client, cfg)
	summ := summarizer.New(client, *model, cfg)

	comp := compactor.New(store, counter, summ, cache, cfg)
	assembler := contextassembler.New(store, counter, cache, cfg, comp)
	orch := orchestrator.New(store, assembler, comp, counter, client, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var requested *int
	if *maxOut > 0 {
		requested = maxOut
	}

	result, err := orch.Handle(ctx, orchestrator.Request{
		ThreadID:        *threadID,
		ModelID:         *model,
		UserText:        *prompt,
		RequestedMaxOut: requested,
	})
	if err != nil {
		log.Error("request failed: %v", err)
		os.Exit(1)
	}

	fmt.Println(result.AssistantText)

	diag, _ := json.MarshalIndent(result.Diagnostics, "", "  ")
	fmt.Fprintln(os.Stderr, string(diag))
}
