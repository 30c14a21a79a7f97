package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/martinemde/conductor/llmbridge"
)

// Termination reasons annotated onto the final result.
const (
	ReasonCompleted      = "completed"
	ReasonAborted        = "aborted"
	ReasonIterationLimit = "iteration_limit"
	ReasonToolFailures   = "tool_failures"
	ReasonMalformed      = "malformed_decision"
	ReasonNudgeCeiling   = "nudge_ceiling"
)

const (
	apologeticAnswer = "I'm sorry, I was unable to produce a usable response for this request. " +
		"Please try again or rephrase."
	stoppedAnnotation = "[Stopped by user before completion.]"
)

// Deps are the external collaborators consumed by the controller. Runner
// and Decider are required; the rest are optional.
type Deps struct {
	Decider    DecisionClient
	Runner     ToolRunner
	Verifier   Verifier
	Summarizer Summarizer
	Sink       HistorySink
	Kill       KillSwitch
	Tools      []llmbridge.ToolDescriptor
	Logger     *slog.Logger
}

// Result is the final outcome of a session run. FinalContent is always
// non-empty, even under repeated failures.
type Result struct {
	SessionID    string              `json:"session_id"`
	FinalContent string              `json:"final_content"`
	Iterations   int                 `json:"iterations"`
	Status       SessionStatus       `json:"status"`
	Reason       string              `json:"reason"`
	History      []ConversationEntry `json:"history"`
}

// IterationController drives the bounded iteration loop for one session.
// It owns all conversation history mutation; one Run call is one
// sequential control flow, and iterations never overlap.
type IterationController struct {
	session    *AgentSession
	store      *SessionStore
	deps       Deps
	logger     *slog.Logger
	health     *ToolHealthTracker
	nudges     *NudgeManager
	verifier   *CompletionVerifier
	dispatcher *ToolDispatcher
	emitter    *ProgressEmitter

	history      []ConversationEntry
	toolEverUsed bool
}

// NewIterationController wires a controller for an existing session.
// When deps.Kill is nil the store's kill switch is used.
func NewIterationController(session *AgentSession, store *SessionStore, deps Deps) *IterationController {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", session.ID())

	kill := deps.Kill
	if kill == nil {
		kill = store
	}
	shouldStop := func() bool { return kill.ShouldStop(session.ID()) }

	cfg := session.Config()
	health := NewToolHealthTracker(cfg.ToolFailureCeiling)

	c := &IterationController{
		session:  session,
		store:    store,
		deps:     deps,
		logger:   logger,
		health:   health,
		nudges:   NewNudgeManager(cfg.NudgeCeiling, cfg.NoOpThresholdWithTools, cfg.NoOpThresholdNoTools),
		verifier: NewCompletionVerifier(deps.Verifier, cfg.VerifierRetries, cfg.VerifierFailureCeiling, logger),
		emitter:  NewProgressEmitter(session.ID(), 0),
	}
	c.dispatcher = NewToolDispatcher(deps.Runner, health, shouldStop, cfg.MaxToolRetries, cfg.ParallelTools, logger)
	c.dispatcher.SetProgressFunc(func(callID, delta string) {
		c.emitter.Emit(ProgressSnapshot{
			Iteration:        session.Iteration(),
			MaxIterations:    cfg.MaxIterations,
			StreamingContent: delta,
		})
	})
	return c
}

// Progress returns the progress snapshot channel for the host.
func (c *IterationController) Progress() <-chan ProgressSnapshot {
	return c.emitter.Snapshots()
}

// History returns a copy of the conversation history.
func (c *IterationController) History() []ConversationEntry {
	h := make([]ConversationEntry, len(c.history))
	copy(h, c.history)
	return h
}

func (c *IterationController) stopped() bool {
	if c.deps.Kill != nil {
		return c.deps.Kill.ShouldStop(c.session.ID())
	}
	return c.store.ShouldStop(c.session.ID())
}

// appendEntry appends to history and mirrors the write to the history
// sink. Sink failures are logged, never fatal.
func (c *IterationController) appendEntry(entry ConversationEntry) {
	c.history = append(c.history, entry)
	if c.deps.Sink != nil {
		if err := c.deps.Sink.Append(c.session.ID(), entry); err != nil {
			c.logger.Warn("history sink write failed", "error", err)
		}
	}
}

// decisionRequest builds the model request for the current iteration
// from the active tool subset.
func (c *IterationController) decisionRequest(active []llmbridge.ToolDescriptor) llmbridge.DecisionRequest {
	cfg := c.session.Config()
	system := cfg.SystemPrompt
	if cfg.Guidelines != "" {
		system += "\n\n# Guidelines\n\n" + cfg.Guidelines
	}
	if len(active) > 0 {
		names := make([]string, len(active))
		for i, t := range active {
			names[i] = t.Name
		}
		system += "\n\nAvailable tools: " + strings.Join(names, ", ")
	}
	return llmbridge.DecisionRequest{
		System:   strings.TrimSpace(system),
		Messages: BridgeMessages(c.history),
		Tools:    active,
	}
}

// Run processes one user input through the bounded iteration loop and
// always produces a result with non-empty final content, unless a truly
// unexpected failure propagates (in which case the session is marked
// errored).
func (c *IterationController) Run(ctx context.Context, userInput string) (result *Result, err error) {
	cfg := c.session.Config()

	defer func() {
		if err != nil {
			c.session.setStatus(StatusErrored)
		}
		c.store.Cleanup(c.session.ID())
		c.emitter.Close()
	}()

	c.appendEntry(NewUserEntry(userInput))

	malformedCount := 0
	lastActiveCount := len(c.deps.Tools)

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		c.session.setIteration(iter)

		active := c.health.ActiveTools(c.deps.Tools)
		if len(active) < lastActiveCount {
			// The instruction context is rebuilt from the shrunken set on
			// the next request; just note it.
			c.logger.Info("active tool set shrank", "active", len(active), "configured", len(c.deps.Tools))
			lastActiveCount = len(active)
		}

		if c.stopped() {
			return c.finishAborted(), nil
		}

		c.emitter.Step(iter, cfg.MaxIterations, "requesting decision")
		decision, derr := c.deps.Decider.Decide(ctx, c.decisionRequest(active))
		if derr != nil {
			if ctx.Err() != nil || c.stopped() {
				return c.finishAborted(), nil
			}
			return nil, fmt.Errorf("model decision failed: %w", derr)
		}
		if c.stopped() {
			return c.finishAborted(), nil
		}

		// Malformed: nothing to act on and not an intentional empty
		// completion.
		if decision.Empty() && decision.Signal != llmbridge.SignalComplete {
			malformedCount++
			c.emitter.Emit(ProgressSnapshot{
				Iteration: iter, MaxIterations: cfg.MaxIterations,
				RetryInfo: fmt.Sprintf("empty decision %d/%d", malformedCount, cfg.MaxDecisionRetries),
			})
			if malformedCount >= cfg.MaxDecisionRetries {
				c.appendEntry(NewAssistantEntry(apologeticAnswer, nil))
				return c.finish(StatusCompleted, ReasonMalformed, apologeticAnswer), nil
			}
			continue
		}
		malformedCount = 0

		if len(decision.ToolCalls) > 0 {
			if done, res := c.runToolTurn(ctx, iter, decision); done {
				return res, nil
			}
			continue
		}

		switch decision.Signal {
		case llmbridge.SignalContinue:
			// Explicit more-work-needed: progress segment resets.
			c.nudges.ResetProgress()
			if !isPlaceholder(decision.Content) {
				c.appendEntry(NewAssistantEntry(decision.Content, nil))
			}

		case llmbridge.SignalComplete:
			if res := c.claimComplete(ctx, iter, decision, active); res != nil {
				return res, nil
			}

		default: // SignalUnspecified
			if !isPlaceholder(decision.Content) {
				// Substantive content with no signal is an implicit
				// completion claim.
				if res := c.claimComplete(ctx, iter, decision, active); res != nil {
					return res, nil
				}
				continue
			}
			// No-op turn.
			if c.nudges.CeilingReached() {
				final := decision.Content
				if isPlaceholder(final) {
					final = genericFallbackAnswer
				}
				c.appendEntry(NewAssistantEntry(final, nil))
				return c.finish(StatusCompleted, ReasonNudgeCeiling, final), nil
			}
			if c.nudges.RecordNoOp(len(active) > 0) {
				c.injectNudge(iter, len(active) > 0)
			}
		}
	}

	// Iteration budget exhausted: assemble a fallback final answer.
	final := genericFallbackAnswer
	if priors := lastAssistantContents(c.history, 1); len(priors) > 0 {
		final = priors[0]
	}
	reason := ReasonIterationLimit
	if c.health.AnyExcluded() {
		reason = ReasonToolFailures
		final += "\n\n(Stopped early: one or more tools failed repeatedly.)"
	} else {
		final += "\n\n(Stopped after reaching the iteration limit.)"
	}
	c.appendEntry(NewAssistantEntry(final, nil))
	return c.finish(StatusCompleted, reason, final), nil
}

// runToolTurn executes the decision's tool calls and decides whether the
// turn terminates the loop. It returns done=true with a result when the
// loop should stop.
func (c *IterationController) runToolTurn(ctx context.Context, iter int, decision *llmbridge.Decision) (bool, *Result) {
	cfg := c.session.Config()

	// Append the assistant entry before dispatch so partial progress is
	// visible even if execution is interrupted.
	priors := lastAssistantContents(c.history, 2)
	c.appendEntry(NewAssistantEntry(decision.Content, decision.ToolCalls))

	c.emitter.Step(iter, cfg.MaxIterations, fmt.Sprintf("executing %d tool call(s)", len(decision.ToolCalls)))
	outcomes, cancelled := c.dispatcher.ExecuteBatch(ctx, decision.ToolCalls)

	results := make([]llmbridge.ToolResult, len(outcomes))
	anySuccess := false
	for i, o := range outcomes {
		results[i] = TruncateResult(o.Result, DefaultResultCharLimit)
		if !o.Result.IsError && !o.CancelledByKill {
			anySuccess = true
		}
	}
	c.appendEntry(NewToolEntry(results))
	c.toolEverUsed = true

	// Unrecoverable errors get an informational note so the model wraps
	// up instead of retrying a dead end.
	for _, o := range outcomes {
		if o.Result.IsError && !o.CancelledByKill && IsUnrecoverableError(o.Result.Text()) {
			note := fmt.Sprintf("Tool %q hit an unrecoverable error (%s). Do not call it again; wrap up with what you have.",
				o.Call.Name, firstLine(o.Result.Text()))
			c.appendEntry(NewUserEntry(note))
		}
	}

	if cancelled {
		return true, c.finishAborted()
	}

	// Invoking a tool restarts the nudge ceiling even when every call
	// failed; the no-op counter resets only on success.
	c.nudges.ResetNudges()
	if anySuccess {
		c.nudges.ResetProgress()
	}

	// Claimed done alongside tool calls: fresh results still need the
	// verification gate before the claim is accepted.
	if decision.Signal == llmbridge.SignalComplete {
		return c.verificationGate(ctx, iter, decision.Content, priors, true)
	}
	return false, nil
}

// claimComplete handles a completion claim with no tool calls. It
// returns a non-nil result when the loop should terminate.
func (c *IterationController) claimComplete(ctx context.Context, iter int, decision *llmbridge.Decision, active []llmbridge.ToolDescriptor) *Result {
	// A bare claim with un-actioned tools and no substantive content is
	// steered toward tool use instead of being accepted.
	if len(active) > 0 && !c.toolEverUsed && isPlaceholder(decision.Content) {
		if c.nudges.CeilingReached() {
			c.appendEntry(NewAssistantEntry(genericFallbackAnswer, nil))
			return c.finish(StatusCompleted, ReasonNudgeCeiling, genericFallbackAnswer)
		}
		c.injectNudge(iter, true)
		return nil
	}

	priors := lastAssistantContents(c.history, 2)
	c.appendEntry(NewAssistantEntry(decision.Content, nil))

	done, res := c.verificationGate(ctx, iter, decision.Content, priors, false)
	if done {
		return res
	}
	return nil
}

// verificationGate runs the completion verifier over the candidate
// answer. Not-complete rulings inject the corrective nudge and let the
// loop continue; complete rulings (including forced ones) finalize,
// optionally after a summarization pass.
func (c *IterationController) verificationGate(ctx context.Context, iter int, candidate string, priors []string, toolUsed bool) (bool, *Result) {
	cfg := c.session.Config()

	if !cfg.VerificationEnabled {
		final := candidate
		if isPlaceholder(final) {
			final = genericFallbackAnswer
		}
		return true, c.finish(StatusCompleted, ReasonCompleted, final)
	}

	if c.stopped() {
		return true, c.finishAborted()
	}

	c.emitter.Step(iter, cfg.MaxIterations, "verifying completion")
	outcome := c.verifier.Check(ctx, c.history, candidate, priors, toolUsed)

	if c.stopped() {
		return true, c.finishAborted()
	}

	if !outcome.Complete {
		c.appendEntry(NewUserEntry(outcome.Nudge))
		c.nudges.NudgeIssued()
		return false, nil
	}

	final := candidate
	if isPlaceholder(final) {
		final = genericFallbackAnswer
	}

	if cfg.SummarizeOnFinish && !outcome.SkipSummary && c.deps.Summarizer != nil {
		if summary := c.summarize(ctx, iter); summary != "" {
			final = summary
			c.appendEntry(NewAssistantEntry(final, nil))
		}
	}

	return true, c.finish(StatusCompleted, ReasonCompleted, final)
}

// summarize runs the optional final summarization pass. Failures are
// logged and the candidate answer stands.
func (c *IterationController) summarize(ctx context.Context, iter int) string {
	if c.stopped() {
		return ""
	}
	cfg := c.session.Config()
	c.emitter.Step(iter, cfg.MaxIterations, "summarizing")
	summary, err := c.deps.Summarizer.Summarize(ctx, BridgeMessages(c.history))
	if err != nil {
		c.logger.Warn("summarization failed, keeping candidate answer", "error", err)
		return ""
	}
	if c.stopped() {
		return ""
	}
	return strings.TrimSpace(summary)
}

// injectNudge appends a corrective user-role message.
func (c *IterationController) injectNudge(iter int, toolsActive bool) {
	cfg := c.session.Config()
	msg := c.nudges.Message(toolsActive)
	c.appendEntry(NewUserEntry(msg))
	c.nudges.NudgeIssued()
	c.emitter.Step(iter, cfg.MaxIterations, "nudging model")
}

// finishAborted finalizes a cancelled session: best-effort stopped
// annotation, frozen iteration count, stopped status.
func (c *IterationController) finishAborted() *Result {
	final := stoppedAnnotation
	if priors := lastAssistantContents(c.history, 1); len(priors) > 0 {
		final = priors[0] + "\n\n" + stoppedAnnotation
	}
	c.appendEntry(NewAssistantEntry(final, nil))
	return c.finish(StatusStopped, ReasonAborted, final)
}

// finish marks the session, emits the terminal snapshot, and assembles
// the result.
func (c *IterationController) finish(status SessionStatus, reason, final string) *Result {
	if strings.TrimSpace(final) == "" {
		final = genericFallbackAnswer
	}
	c.session.setStatus(status)
	cfg := c.session.Config()
	c.emitter.Emit(ProgressSnapshot{
		Iteration:     c.session.Iteration(),
		MaxIterations: cfg.MaxIterations,
		IsComplete:    true,
		FinalContent:  final,
	})
	return &Result{
		SessionID:    c.session.ID(),
		FinalContent: final,
		Iterations:   c.session.Iteration(),
		Status:       status,
		Reason:       reason,
		History:      c.History(),
	}
}

// firstLine returns the first line of text.
func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i != -1 {
		return text[:i]
	}
	return text
}
