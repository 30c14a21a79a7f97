package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/martinemde/conductor/llmbridge"
)

// verifyInstruction is the fixed system instruction for the secondary
// verification call.
const verifyInstruction = "You are a strict reviewer. Given the conversation and a candidate " +
	"final answer, judge whether the user's original request is fully satisfied. " +
	"Be concrete about anything still missing."

// verifyHistoryWindow is how many recent history entries are included in
// the compact verification transcript.
const verifyHistoryWindow = 12

// placeholderPhrases are responses with no substantive content. They
// never count as a real final answer.
var placeholderPhrases = []string{
	"ok", "okay", "done", "sure", "on it", "working on it", "one moment", "...",
}

// isPlaceholder reports whether content carries no substantive answer.
func isPlaceholder(content string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(content))
	if trimmed == "" {
		return true
	}
	for _, p := range placeholderPhrases {
		if trimmed == p || trimmed == p+"." || trimmed == p+"!" {
			return true
		}
	}
	return false
}

// VerifyOutcome is the verification gate's ruling on a candidate answer.
type VerifyOutcome struct {
	Complete    bool   // the loop may finalize
	Forced      bool   // completion was forced by the failure ceiling
	SkipSummary bool   // skip the post-verify summarization pass
	Nudge       string // corrective message to inject when not complete
}

// CompletionVerifier decides whether a claimed-complete answer really
// finishes the task. It combines a repetition short-circuit with a
// secondary model judgment, and forces completion after too many
// consecutive verification failures so the loop always moves forward.
type CompletionVerifier struct {
	verifier Verifier
	retries  int
	ceiling  int
	logger   *slog.Logger

	consecutiveFailures int
}

// NewCompletionVerifier creates a verifier gate. retries is the number
// of additional verification attempts per check (default 1); ceiling is
// the consecutive-failure count that forces completion (default 5).
func NewCompletionVerifier(verifier Verifier, retries, ceiling int, logger *slog.Logger) *CompletionVerifier {
	if retries <= 0 {
		retries = DefaultVerifierRetries
	}
	if ceiling <= 0 {
		ceiling = DefaultVerifierFailureCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionVerifier{verifier: verifier, retries: retries, ceiling: ceiling, logger: logger}
}

// ConsecutiveFailures returns the session-scoped failure count.
func (v *CompletionVerifier) ConsecutiveFailures() int {
	return v.consecutiveFailures
}

// Check rules on a candidate final answer. history is the full
// conversation including the candidate's entry; priors are the assistant
// answers that preceded this turn (up to two, most recent first);
// toolUsed reports whether any tool ran in the current turn.
func (v *CompletionVerifier) Check(ctx context.Context, history []ConversationEntry, candidate string, priors []string, toolUsed bool) VerifyOutcome {
	// Repetition short-circuit: the model is circling, stop without
	// another model call.
	if isRepeating(candidate, priors) {
		v.consecutiveFailures = 0
		return VerifyOutcome{Complete: true, SkipSummary: !isPlaceholder(candidate)}
	}

	if v.verifier == nil {
		v.consecutiveFailures = 0
		return VerifyOutcome{Complete: true}
	}

	result := v.callWithRetries(ctx, history, candidate)
	if result != nil && result.IsComplete {
		v.consecutiveFailures = 0
		return VerifyOutcome{Complete: true}
	}

	v.consecutiveFailures++
	if v.consecutiveFailures >= v.ceiling {
		v.logger.Warn("verification failure ceiling reached, forcing completion",
			"failures", v.consecutiveFailures)
		return VerifyOutcome{Complete: true, Forced: true}
	}

	return VerifyOutcome{Nudge: v.buildNudge(result, toolUsed)}
}

// callWithRetries performs the verification call, retrying for any
// positive answer. A nil return means every attempt errored.
func (v *CompletionVerifier) callWithRetries(ctx context.Context, history []ConversationEntry, candidate string) *llmbridge.VerificationResult {
	req := buildVerifyRequest(history, candidate)

	var last *llmbridge.VerificationResult
	for attempt := 0; attempt <= v.retries; attempt++ {
		result, err := v.verifier.Verify(ctx, req)
		if err != nil {
			v.logger.Warn("verification call failed", "attempt", attempt+1, "error", err)
			continue
		}
		last = result
		if result.IsComplete {
			return result
		}
	}
	return last
}

// buildVerifyRequest assembles the compact verification transcript.
func buildVerifyRequest(history []ConversationEntry, candidate string) llmbridge.VerifyRequest {
	scoped := history
	if len(scoped) > verifyHistoryWindow {
		scoped = scoped[len(scoped)-verifyHistoryWindow:]
	}
	return llmbridge.VerifyRequest{
		Instruction: verifyInstruction,
		History:     BridgeMessages(scoped),
		Candidate:   candidate,
	}
}

// buildNudge assembles the corrective message from the verifier's
// judgment. When no tool ran this turn, an explicit tool instruction is
// appended.
func (v *CompletionVerifier) buildNudge(result *llmbridge.VerificationResult, toolUsed bool) string {
	var sb strings.Builder
	sb.WriteString("The task is not complete yet.")
	if result != nil && result.Reason != "" {
		sb.WriteString(" ")
		sb.WriteString(result.Reason)
	}
	if result != nil && len(result.MissingItems) > 0 {
		sb.WriteString(" Still missing: ")
		sb.WriteString(strings.Join(result.MissingItems, "; "))
		sb.WriteString(".")
	}
	sb.WriteString(" Continue working until the request is fully satisfied.")
	if !toolUsed {
		sb.WriteString(" Use the available tools to make concrete progress instead of describing what you would do.")
	}
	return sb.String()
}
