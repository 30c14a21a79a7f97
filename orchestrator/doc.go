// Package orchestrator implements the agent orchestration engine: a
// bounded iteration loop that alternates between requesting a model
// decision, executing requested tool calls, verifying completion, and
// deciding whether to continue, nudge, or stop.
//
// The engine does not decide what tools exist or how a tool executes.
// It decides whether and how many times to call tools, how to react to
// their outcomes, and when the overall task is done. Everything else —
// the model transport, tool execution, persistence, progress delivery —
// is consumed through small interfaces (see interfaces.go) so hosts can
// substitute their own collaborators.
//
// # Architecture
//
//   - SessionStore / AgentSession: session-keyed lifecycle state with a
//     cooperative kill switch.
//   - IterationController: the loop itself; owns conversation history
//     mutation and produces the final result.
//   - ToolDispatcher: one batch of tool calls with per-call retry,
//     backoff, and cancellation polling.
//   - ToolHealthTracker: per-tool failure counters computing the active
//     tool subset.
//   - CompletionVerifier: repetition short-circuit plus a secondary
//     verification call with a forced-completion ceiling.
//   - NudgeManager: no-progress and nudge counters producing corrective
//     messages.
//
// # Quick Start
//
//	store := orchestrator.NewSessionStore()
//	session := store.Create(orchestrator.DefaultSessionConfig())
//	ctrl := orchestrator.NewIterationController(session, store, deps)
//
//	result, err := ctrl.Run(ctx, "What is 2+2?")
package orchestrator
