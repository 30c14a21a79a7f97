package orchestrator

import (
	"context"

	"github.com/martinemde/conductor/llmbridge"
)

// DecisionClient requests one model decision over the transcript and the
// active tool descriptors. Implementations must honor ctx cancellation.
// At most one decision request is outstanding per session at a time.
type DecisionClient interface {
	Decide(ctx context.Context, req llmbridge.DecisionRequest) (*llmbridge.Decision, error)
}

// ToolRunner executes a single tool call. It never fails with a Go
// error: all failures are represented as results with IsError set and
// descriptive text. The progress callback may be called with partial
// output; it may be nil.
type ToolRunner interface {
	Run(ctx context.Context, call llmbridge.ToolCall, progress func(string)) llmbridge.ToolResult
}

// Verifier performs the secondary completion check.
type Verifier interface {
	Verify(ctx context.Context, req llmbridge.VerifyRequest) (*llmbridge.VerificationResult, error)
}

// Summarizer condenses history into a final user-facing answer. It is
// optional; a nil Summarizer skips the summarization pass.
type Summarizer interface {
	Summarize(ctx context.Context, history []llmbridge.Message) (string, error)
}

// HistorySink receives append-only conversation writes. Writes are
// best-effort: failures are logged by the caller and never fatal to the
// loop.
type HistorySink interface {
	Append(sessionID string, entry ConversationEntry) error
}

// KillSwitch is the sole path by which an external actor halts a
// session. Once it reports true for a session, the loop unwinds and no
// further model or tool calls are started.
type KillSwitch interface {
	ShouldStop(sessionID string) bool
}
