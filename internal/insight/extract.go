package insight

import (
	"regexp"
	"strings"
)

// fenceRE matches a whole fenced code block, including the delimiters.
var fenceRE = regexp.MustCompile("(?s)```.*?```")

// fenceMarkerRE matches an opening fence with optional language tag, or a
// closing fence.
var fenceMarkerRE = regexp.MustCompile("```\\w*\n?")

// ExtractCodeSamples collects the inner text of every fenced code block,
// in order, with fence markers and language tags removed.
func ExtractCodeSamples(content string) []string {
	blocks := fenceRE.FindAllString(content, -1)
	samples := make([]string, 0, len(blocks))
	for _, block := range blocks {
		samples = append(samples, strings.TrimSpace(fenceMarkerRE.ReplaceAllString(block, "")))
	}
	return samples
}

// StripCodeBlocks removes every fenced code block from content and trims
// surrounding whitespace, leaving the narrative text.
func StripCodeBlocks(content string) string {
	return strings.TrimSpace(fenceRE.ReplaceAllString(content, ""))
}
