package insight

import (
	"fmt"
	"strings"

	"github.com/kalambet/debugpartner/internal/plan"
	"github.com/kalambet/debugpartner/internal/storage"
)

const priorSnippetLen = 100

// PriorSummary condenses earlier insights into the anti-repetition
// context injected into the system instruction. Returns "None" when the
// problem has no insights yet.
func PriorSummary(insights []storage.Insight) string {
	if len(insights) == 0 {
		return "None"
	}
	lines := make([]string, len(insights))
	for i, ins := range insights {
		lines[i] = fmt.Sprintf("[%s] %s...", ins.InsightType, snippet(ins.Content, priorSnippetLen))
	}
	return strings.Join(lines, "\n")
}

// BuildSystemPrompt assembles the depth-tiered system instruction.
func BuildSystemPrompt(layerName string, layerOrder int, priorSummary string) string {
	return fmt.Sprintf(`You are an expert debugging AI that generates increasingly sophisticated solutions over time.

Layer: %s (Level %d)
Expected depth: %s

Previous insights to avoid repeating:
%s

CRITICAL RULES:
- Do NOT repeat previous suggestions
- Go DEEPER than before
- Provide CONCRETE, actionable code
- Be SPECIFIC with file names, line numbers, patterns
- Include working code examples
- Explain WHY, not just what`,
		layerName, layerOrder, plan.DepthInstruction(layerOrder), priorSummary)
}

// BuildUserPrompt assembles the problem-specific user instruction.
// Attached file contents are appended so deeper layers can reference logs
// and sources the user uploaded.
func BuildUserPrompt(p storage.Problem, layerOrder int, files []storage.ProblemFile) string {
	solutions := "2-3"
	if layerOrder == 0 {
		solutions = "3"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Problem: %s\n\nDescription:\n%s\n\nEnvironment: %s\n", p.Title, p.Description, p.EnvironmentInfo)

	for _, f := range files {
		if f.Content == "" {
			continue
		}
		fmt.Fprintf(&sb, "\nAttached file %q:\n%s\n", f.Name, snippet(f.Content, 4000))
	}

	fmt.Fprintf(&sb, "\nGenerate %s distinct, non-repetitive solutions at the %s level.",
		solutions, plan.LayerName(layerOrder))
	return sb.String()
}

func snippet(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
