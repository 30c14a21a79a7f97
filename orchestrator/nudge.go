package orchestrator

// Nudge texts injected as user-role corrective messages.
const (
	nudgeUseTools = "You have tools available but have not used them. " +
		"Use the available tools directly to make progress on the request, " +
		"or state that the task is complete."
	nudgeAnswerFully = "Please provide a complete answer to the request. " +
		"If the task is finished, say so explicitly; otherwise continue working."
	genericFallbackAnswer = "I was unable to produce a complete answer for this request. " +
		"Please rephrase or break the task into smaller steps."
)

// NudgeManager tracks no-progress and nudge counters for one progress
// segment. Both counters reset whenever a tool succeeds or the model
// explicitly signals it will continue.
type NudgeManager struct {
	ceiling            int
	thresholdWithTools int
	thresholdNoTools   int
	noOpCount          int
	totalNudgeCount    int
}

// NewNudgeManager creates a manager; non-positive arguments fall back to
// the tuned defaults.
func NewNudgeManager(ceiling, thresholdWithTools, thresholdNoTools int) *NudgeManager {
	if ceiling <= 0 {
		ceiling = DefaultNudgeCeiling
	}
	if thresholdWithTools <= 0 {
		thresholdWithTools = DefaultNoOpThresholdWithTools
	}
	if thresholdNoTools <= 0 {
		thresholdNoTools = DefaultNoOpThresholdNoTools
	}
	return &NudgeManager{
		ceiling:            ceiling,
		thresholdWithTools: thresholdWithTools,
		thresholdNoTools:   thresholdNoTools,
	}
}

// RecordNoOp counts a turn that produced neither tool calls nor an
// explicit completion signal, and reports whether the no-op threshold
// for the current tool availability has been crossed.
func (n *NudgeManager) RecordNoOp(toolsAvailable bool) bool {
	n.noOpCount++
	threshold := n.thresholdNoTools
	if toolsAvailable {
		threshold = n.thresholdWithTools
	}
	return n.noOpCount >= threshold
}

// NudgeIssued counts an injected nudge message.
func (n *NudgeManager) NudgeIssued() {
	n.totalNudgeCount++
}

// CeilingReached reports whether the nudge ceiling for this progress
// segment has been hit. Past the ceiling the controller stops nudging
// and accepts the current response as final.
func (n *NudgeManager) CeilingReached() bool {
	return n.totalNudgeCount >= n.ceiling
}

// ResetProgress clears both counters. Called when a tool succeeds or the
// model explicitly signals Continue.
func (n *NudgeManager) ResetProgress() {
	n.noOpCount = 0
	n.totalNudgeCount = 0
}

// ResetNudges clears only the nudge counter. Called whenever a tool is
// actually invoked, whatever the outcome: an invocation is forward
// motion even when it fails, so the ceiling restarts.
func (n *NudgeManager) ResetNudges() {
	n.totalNudgeCount = 0
}

// NoOps returns the current no-op count.
func (n *NudgeManager) NoOps() int { return n.noOpCount }

// Nudges returns the nudges issued in the current progress segment.
func (n *NudgeManager) Nudges() int { return n.totalNudgeCount }

// Message returns the corrective text for the current tool availability.
func (n *NudgeManager) Message(toolsActive bool) string {
	if toolsActive {
		return nudgeUseTools
	}
	return nudgeAnswerFully
}
