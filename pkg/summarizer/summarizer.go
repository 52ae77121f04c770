// Package summarizer implements C5: synthesizing L2 pair/group summaries
// and L3 block micro-summaries from structured text, with the
// meaningfulness-check retry/fallback discipline §4.5 mandates.
package summarizer

import (
	"context"
	"regexp"
	"strings"

	"github.com/zergont/local-responses/pkg/config"
	"github.com/zergont/local-responses/pkg/logx"
	"github.com/zergont/local-responses/pkg/metrics"
	"github.com/zergont/local-responses/pkg/upstream"
)

var log = logx.NewLogger("summarizer") //nolint:gochecknoglobals

// Summarizer is the capability interface named in §9's design notes: the
// default implementation talks to the upstream backend; tests substitute a
// deterministic fake.
type Summarizer interface {
	SummarizePairToL2(ctx context.Context, userText, assistantText, lang string) string
	SummarizePairsGroupToL2(ctx context.Context, pairTexts []string, lang string, maxTokens int) string
	SummarizeL2BlockToL3(ctx context.Context, l2Texts []string, lang string, maxTokens int) (text string, meaningful bool)
}

// Upstream is the default Summarizer, talking to the configured chat
// backend at low temperature with a bounded token budget.
type Upstream struct {
	client *upstream.Client
	model  string
	cfg    *config.Config
}

// New builds an Upstream summarizer bound to model.
func New(client *upstream.Client, model string, cfg *config.Config) *Upstream {
	return &Upstream{client: client, model: model, cfg: cfg}
}

const temperature = 0.18

func systemPrompt(lang string) string {
	if lang == "ru" {
		return "Суммируй диалог кратко, по фактам, без рассуждений. Сохраняй язык пользователя."
	}
	return "Summarize the exchange briefly and factually, with no reasoning. Keep the user's language."
}

// SummarizePairToL2 produces a short, fact-oriented 1-3 line summary of one
// (user, assistant) pair.
func (u *Upstream) SummarizePairToL2(ctx context.Context, userText, assistantText, lang string) string {
	prompt := "User: " + userText + "\nAssistant: " + assistantText +
		"\n\nWrite a 1-3 line factual summary of this exchange. No reasoning, no preamble."
	out, err := u.client.Generate(ctx, u.model, []upstream.Message{
		{Role: "system", Content: systemPrompt(lang)},
		{Role: "user", Content: prompt},
	}, clampMaxTokens(u.cfg.SummaryGenMaxTokens), temperature)
	if err != nil {
		log.Warn("pair summary generation failed: %v", err)
		return heuristicSummary(userText + " " + assistantText)
	}
	return strings.TrimSpace(out)
}

// SummarizePairsGroupToL2 covers K contiguous pairs in 3-6 bullets or 2-4
// sentences.
func (u *Upstream) SummarizePairsGroupToL2(ctx context.Context, pairTexts []string, lang string, maxTokens int) string {
	if maxTokens <= 0 {
		maxTokens = u.cfg.L2GroupMaxTokens
	}
	prompt := "Exchanges:\n" + strings.Join(pairTexts, "\n---\n") +
		"\n\nSummarize the whole block in 3-6 bullets or 2-4 sentences, fact-oriented, no reasoning."
	out, err := u.client.Generate(ctx, u.model, []upstream.Message{
		{Role: "system", Content: systemPrompt(lang)},
		{Role: "user", Content: prompt},
	}, clampMaxTokens(maxTokens), temperature)
	if err != nil {
		log.Warn("group summary generation failed: %v", err)
		return heuristicSummary(strings.Join(pairTexts, " "))
	}
	return strings.TrimSpace(out)
}

// SummarizeL2BlockToL3 condenses 4-5 L2 blocks into 1-2 sentences, applying
// the meaningfulness check with one retry and a heuristic fallback.
func (u *Upstream) SummarizeL2BlockToL3(ctx context.Context, l2Texts []string, lang string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		maxTokens = u.cfg.L3GroupMaxTokens
	}
	combined := strings.Join(l2Texts, "\n")

	text := u.generateL3(ctx, combined, lang, maxTokens, false)
	if IsMeaningful(text, u.cfg.L3MinNonEmptyChars) {
		metrics.Default().RecordSummaryMeaningful(true)
		return text, true
	}

	for attempt := 0; attempt < u.cfg.L3RetryAttempts; attempt++ {
		text = u.generateL3(ctx, combined, lang, maxTokens, true)
		if IsMeaningful(text, u.cfg.L3MinNonEmptyChars) {
			metrics.Default().RecordSummaryMeaningful(true)
			return text, true
		}
	}

	fallback := heuristicSummary(combined)
	if IsMeaningful(fallback, u.cfg.L3MinNonEmptyChars) {
		metrics.Default().RecordSummaryMeaningful(true)
		return fallback, true
	}

	log.Warn("l3 summary failed meaningfulness check after retries and heuristic fallback")
	metrics.Default().RecordSummaryMeaningful(false)
	return "", false
}

func (u *Upstream) generateL3(ctx context.Context, combined, lang string, maxTokens int, strict bool) string {
	instruction := "Condense this into 1-2 sentences, fact-oriented, no reasoning."
	if strict {
		instruction = "One line only. No bullets, no punctuation-only output. Fact-oriented."
	}
	out, err := u.client.Generate(ctx, u.model, []upstream.Message{
		{Role: "system", Content: systemPrompt(lang)},
		{Role: "user", Content: combined + "\n\n" + instruction},
	}, clampMaxTokens(maxTokens), temperature)
	if err != nil {
		log.Warn("l3 summary generation failed: %v", err)
		return ""
	}
	return strings.TrimSpace(out)
}

func clampMaxTokens(n int) int {
	if n <= 0 {
		return 256
	}
	return n
}

var bulletPunct = regexp.MustCompile(`^[\s\-\*•.,;:!?]+|[\s\-\*•.,;:!?]+$`)

var alnumRe = regexp.MustCompile(`[\p{L}\p{N}]`)

// IsMeaningful is the pure meaningfulness check §9 calls out as a standalone
// function: non-empty after stripping bullet punctuation, contains at
// least one alphanumeric rune, and is at least minChars long.
func IsMeaningful(text string, minChars int) bool {
	stripped := bulletPunct.ReplaceAllString(strings.TrimSpace(text), "")
	if stripped == "" {
		return false
	}
	if !alnumRe.MatchString(stripped) {
		return false
	}
	return len(stripped) >= minChars
}

// heuristicSummary builds a fallback from the first two sentences of text.
func heuristicSummary(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	n := 2
	if n > len(sentences) {
		n = len(sentences)
	}
	return strings.TrimSpace(strings.Join(sentences[:n], " "))
}

var sentenceSplitRe = regexp.MustCompile(`(?s)[^.!?]+[.!?]*`)

func splitSentences(text string) []string {
	if len(text) > 400 {
		text = text[:400]
	}
	matches := sentenceSplitRe.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimSpace(m)
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}
