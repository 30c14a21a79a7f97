package orchestrator

import (
	"fmt"

	"github.com/martinemde/conductor/llmbridge"
)

// DefaultResultCharLimit bounds how much of a tool result segment is
// folded back into the transcript. The full output still reaches the
// progress sink untruncated.
const DefaultResultCharLimit = 30000

// TruncateText applies head/tail character truncation with an
// explanatory marker in the middle.
func TruncateText(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	half := maxChars / 2
	removed := len(text) - maxChars
	return text[:half] +
		fmt.Sprintf("\n\n[Tool output truncated: %d characters removed from the middle. "+
			"Re-run the tool with more targeted parameters if you need the omitted part.]\n\n", removed) +
		text[len(text)-half:]
}

// TruncateResult bounds every segment of a tool result. Error results
// pass through untouched so failure context is never lost.
func TruncateResult(result llmbridge.ToolResult, maxChars int) llmbridge.ToolResult {
	if result.IsError {
		return result
	}
	out := result
	out.Segments = make([]string, len(result.Segments))
	for i, seg := range result.Segments {
		out.Segments[i] = TruncateText(seg, maxChars)
	}
	return out
}
