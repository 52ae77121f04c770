// Package coreprofile renders the stable core-profile text block and its
// token sizing. Both the Context Assembler (C6) and the Compactor (C7/C8)
// need the same rendering and the same `core_cap = ceil(1.10 * core_tokens)`
// sizing rule, so it lives here rather than duplicated in either.
package coreprofile

import (
	"math"
	"strings"

	"github.com/zergont/local-responses/pkg/persistence"
	"github.com/zergont/local-responses/pkg/tokencount"
)

// Render builds the stable, field-ordered core profile text per §4.6 step 2.
func Render(p persistence.Profile) string {
	fields := []struct{ label, value string }{
		{"Name", p.DisplayName},
		{"Language", p.PreferredLanguage},
		{"Tone", p.Tone},
		{"Timezone", p.Timezone},
		{"Region", p.RegionCoarse},
		{"WorkHours", p.WorkHours},
		{"UI", p.UIFormatPrefs},
		{"Goals/Mood", p.GoalsMood},
		{"Decisions/Tasks", p.DecisionsTasks},
		{"Brevity", p.Brevity},
		{"FormatDefaults", p.FormatDefaults},
		{"Interests", p.InterestsTopics},
		{"WorkflowTools", p.WorkflowTools},
		{"OS", p.OS},
		{"Runtime", p.Runtime},
		{"HW", p.HardwareHint},
	}
	var sb strings.Builder
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		sb.WriteString(f.label)
		sb.WriteString(": ")
		sb.WriteString(f.value)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// Estimate returns core_tokens and core_cap = ceil(1.10 * core_tokens).
func Estimate(coreText string) (tokens int, cap int) {
	tokens = tokencount.EstimateTokens(coreText)
	cap = int(math.Ceil(1.10 * float64(tokens)))
	return tokens, cap
}
