package orchestrator

import (
	"strings"

	"github.com/martinemde/conductor/llmbridge"
)

// unrecoverableMarkers flag tool errors that retrying cannot fix. These
// produce a wrap-up note instead of another attempt.
var unrecoverableMarkers = []string{
	"permission denied",
	"not permitted",
	"unauthorized",
	"forbidden",
	"authentication",
	"access denied",
}

// ToolHealthTracker tracks per-tool failure counts for one session and
// computes the active tool subset. It is mutated by the dispatcher and
// read by the controller within the session's single control flow, so it
// needs no locking.
type ToolHealthTracker struct {
	ceiling     int
	consecutive map[string]int
	lifetime    map[string]int
}

// NewToolHealthTracker creates a tracker with the given exclusion
// ceiling (<=0 uses the default of 3).
func NewToolHealthTracker(ceiling int) *ToolHealthTracker {
	if ceiling <= 0 {
		ceiling = DefaultToolFailureCeiling
	}
	return &ToolHealthTracker{
		ceiling:     ceiling,
		consecutive: make(map[string]int),
		lifetime:    make(map[string]int),
	}
}

// RecordFailure increments the failure counters for a tool.
func (t *ToolHealthTracker) RecordFailure(toolName string) {
	t.consecutive[toolName]++
	t.lifetime[toolName]++
}

// RecordSuccess resets the consecutive failure count for a tool.
func (t *ToolHealthTracker) RecordSuccess(toolName string) {
	t.consecutive[toolName] = 0
}

// Failures returns the consecutive failure count for a tool.
func (t *ToolHealthTracker) Failures(toolName string) int {
	return t.consecutive[toolName]
}

// Excluded reports whether a tool has reached the failure ceiling.
func (t *ToolHealthTracker) Excluded(toolName string) bool {
	return t.consecutive[toolName] >= t.ceiling
}

// AnyExcluded reports whether any tool has hit the ceiling. The
// controller uses this to annotate the termination reason.
func (t *ToolHealthTracker) AnyExcluded() bool {
	for _, n := range t.consecutive {
		if n >= t.ceiling {
			return true
		}
	}
	return false
}

// ActiveTools returns the subset of all configured tools whose failure
// count has not reached the ceiling, preserving input order.
func (t *ToolHealthTracker) ActiveTools(all []llmbridge.ToolDescriptor) []llmbridge.ToolDescriptor {
	active := make([]llmbridge.ToolDescriptor, 0, len(all))
	for _, td := range all {
		if !t.Excluded(td.Name) {
			active = append(active, td)
		}
	}
	return active
}

// IsUnrecoverableError reports whether an error result describes a
// permission or authentication failure that no retry can fix.
func IsUnrecoverableError(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range unrecoverableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
