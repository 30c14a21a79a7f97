package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/conductor/llmbridge"
)

// scriptedDecider replays a fixed sequence of decisions, repeating the
// last one once the script runs out, and records every request.
type scriptedDecider struct {
	mu        sync.Mutex
	decisions []*llmbridge.Decision
	requests  []llmbridge.DecisionRequest
}

func (d *scriptedDecider) Decide(_ context.Context, req llmbridge.DecisionRequest) (*llmbridge.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	idx := len(d.requests) - 1
	if idx >= len(d.decisions) {
		idx = len(d.decisions) - 1
	}
	dec := *d.decisions[idx]
	return &dec, nil
}

func (d *scriptedDecider) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// funcRunner adapts a function to the ToolRunner interface.
type funcRunner func(ctx context.Context, call llmbridge.ToolCall) llmbridge.ToolResult

func (f funcRunner) Run(ctx context.Context, call llmbridge.ToolCall, _ func(string)) llmbridge.ToolResult {
	return f(ctx, call)
}

// scriptedVerifier replays verification results, repeating the last.
type scriptedVerifier struct {
	mu      sync.Mutex
	results []*llmbridge.VerificationResult
	nCalls  int
}

func (v *scriptedVerifier) Verify(_ context.Context, _ llmbridge.VerifyRequest) (*llmbridge.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.nCalls
	v.nCalls++
	if idx >= len(v.results) {
		idx = len(v.results) - 1
	}
	r := *v.results[idx]
	return &r, nil
}

func (v *scriptedVerifier) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nCalls
}

type fakeSummarizer struct {
	text   string
	err    error
	nCalls int
}

func (s *fakeSummarizer) Summarize(_ context.Context, _ []llmbridge.Message) (string, error) {
	s.nCalls++
	return s.text, s.err
}

type failingSink struct{ nCalls int }

func (s *failingSink) Append(string, ConversationEntry) error {
	s.nCalls++
	return errors.New("disk full")
}

func notComplete(reason string) *llmbridge.VerificationResult {
	return &llmbridge.VerificationResult{IsComplete: false, Reason: reason}
}

func complete() *llmbridge.VerificationResult {
	return &llmbridge.VerificationResult{IsComplete: true, Confidence: 0.9}
}

func echoRunner() funcRunner {
	return func(_ context.Context, call llmbridge.ToolCall) llmbridge.ToolResult {
		return llmbridge.TextResult(call.ID, "ran "+call.Name)
	}
}

func newTestController(t *testing.T, cfg SessionConfig, deps Deps) (*IterationController, *AgentSession, *SessionStore) {
	t.Helper()
	if deps.Runner == nil {
		deps.Runner = echoRunner()
	}
	store := NewSessionStore()
	session := store.Create(cfg)
	ctrl := NewIterationController(session, store, deps)
	ctrl.dispatcher.pollInterval = time.Millisecond
	ctrl.dispatcher.backoffUnit = time.Millisecond
	return ctrl, session, store
}

func countEntries(history []ConversationEntry, role EntryRole) int {
	n := 0
	for _, e := range history {
		if e.Role == role {
			n++
		}
	}
	return n
}

func toolCall(name string) llmbridge.ToolCall {
	return llmbridge.ToolCall{ID: "call_" + name, Name: name, Arguments: []byte(`{}`)}
}

// Scenario: no tools configured, the model answers and signals complete
// on the first decision.
func TestRunSimpleCompletion(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.SummarizeOnFinish = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "4", Signal: llmbridge.SignalComplete},
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider})

	result, err := ctrl.Run(context.Background(), "What is 2+2?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
	if result.FinalContent != "4" {
		t.Errorf("final = %q, want %q", result.FinalContent, "4")
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %q", result.Status)
	}
	// Only the original user input; no nudges were injected.
	if got := countEntries(result.History, RoleUser); got != 1 {
		t.Errorf("user entries = %d, want 1 (no nudges)", got)
	}
}

// With verification disabled, no tool calls, a non-Continue signal, and
// substantive content, the session terminates without any verifier call.
func TestRunVerificationDisabledSkipsVerifier(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.SummarizeOnFinish = false

	verifier := &scriptedVerifier{results: []*llmbridge.VerificationResult{complete()}}
	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "The capital of France is Paris.", Signal: llmbridge.SignalUnspecified},
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Verifier: verifier})

	result, err := ctrl.Run(context.Background(), "capital of France?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %q", result.Status)
	}
	if verifier.calls() != 0 {
		t.Errorf("verifier calls = %d, want 0", verifier.calls())
	}
}

// Scenario: tool "foo" fails on three consecutive calls; from the next
// iteration it is excluded from the active tool set sent to the model.
func TestRunToolExcludedAfterRepeatedFailures(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.SummarizeOnFinish = false

	decisions := []*llmbridge.Decision{
		{Content: "trying foo", ToolCalls: []llmbridge.ToolCall{toolCall("foo")}},
		{Content: "trying foo again", ToolCalls: []llmbridge.ToolCall{toolCall("foo")}},
		{Content: "one more time", ToolCalls: []llmbridge.ToolCall{toolCall("foo")}},
		{Content: "giving up on foo, here is the answer regardless", Signal: llmbridge.SignalComplete},
	}
	decider := &scriptedDecider{decisions: decisions}
	runner := funcRunner(func(_ context.Context, call llmbridge.ToolCall) llmbridge.ToolResult {
		return llmbridge.ErrorResult(call.ID, "bad arguments for "+call.Name)
	})
	tools := []llmbridge.ToolDescriptor{{Name: "foo"}, {Name: "bar"}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Runner: runner, Tools: tools})

	result, err := ctrl.Run(context.Background(), "use foo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations != 4 {
		t.Fatalf("iterations = %d, want 4", result.Iterations)
	}

	// Iterations 1-3 offer both tools; iteration 4 offers only bar.
	for i := 0; i < 3; i++ {
		if len(decider.requests[i].Tools) != 2 {
			t.Errorf("iteration %d: %d tools offered, want 2", i+1, len(decider.requests[i].Tools))
		}
	}
	last := decider.requests[3].Tools
	if len(last) != 1 || last[0].Name != "bar" {
		t.Errorf("iteration 4 tools = %+v, want only bar", last)
	}
}

// Scenario: cancellation mid tool execution aborts the loop with a
// stopped status, an explanatory note, and a frozen iteration count.
func TestRunCancellationMidTool(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "working", ToolCalls: []llmbridge.ToolCall{toolCall("slow")}},
	}}
	runner := funcRunner(func(_ context.Context, call llmbridge.ToolCall) llmbridge.ToolResult {
		time.Sleep(2 * time.Second)
		return llmbridge.TextResult(call.ID, "too late")
	})
	tools := []llmbridge.ToolDescriptor{{Name: "slow"}}
	ctrl, session, store := newTestController(t, cfg, Deps{Decider: decider, Runner: runner, Tools: tools})

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.Cancel(session.ID())
	}()

	start := time.Now()
	result, err := ctrl.Run(context.Background(), "do the slow thing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("loop did not unwind promptly: %v", elapsed)
	}
	if result.Status != StatusStopped {
		t.Errorf("status = %q, want stopped", result.Status)
	}
	if result.Reason != ReasonAborted {
		t.Errorf("reason = %q", result.Reason)
	}
	if !strings.Contains(result.FinalContent, "Stopped by user") {
		t.Errorf("final content missing stop note: %q", result.FinalContent)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want frozen at 1", result.Iterations)
	}

	// The cancelled call surfaces as an error result in the tool entry.
	var cancelledResult *llmbridge.ToolResult
	for _, e := range result.History {
		if e.Role == RoleTool && len(e.Results) > 0 {
			cancelledResult = &e.Results[0]
		}
	}
	if cancelledResult == nil || !cancelledResult.IsError {
		t.Errorf("expected an error tool result for the cancelled call, got %+v", cancelledResult)
	}
}

// Scenario: after two similar assistant answers, the third one
// short-circuits verification via repetition detection with no further
// verifier calls.
func TestRunRepetitionShortCircuitsVerification(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.SummarizeOnFinish = true

	repeated := "the report has been generated and saved to the output directory"
	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "first draft of an entirely different answer here", Signal: llmbridge.SignalComplete},
		{Content: repeated, Signal: llmbridge.SignalComplete},
		{Content: repeated, Signal: llmbridge.SignalComplete},
	}}
	verifier := &scriptedVerifier{results: []*llmbridge.VerificationResult{notComplete("keep going")}}
	summarizer := &fakeSummarizer{text: "summary"}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Verifier: verifier, Summarizer: summarizer})

	result, err := ctrl.Run(context.Background(), "generate the report")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %q", result.Status)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	// Gates 1 and 2 each spend initial + 1 retry; gate 3 short-circuits.
	if verifier.calls() != 4 {
		t.Errorf("verifier calls = %d, want 4 (none for the repeating turn)", verifier.calls())
	}
	// Repetition-based completion skips the summarization pass.
	if summarizer.nCalls != 0 {
		t.Errorf("summarizer calls = %d, want 0", summarizer.nCalls)
	}
	if result.FinalContent != repeated {
		t.Errorf("final = %q", result.FinalContent)
	}
}

// Scenario: the verifier refuses five times in a row; the fifth failure
// forces completion and no further nudge is appended.
func TestRunVerifierFailureCeilingForcesCompletion(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.SummarizeOnFinish = false

	// Word-disjoint answers so repetition detection never trips.
	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "alpha bravo charlie delta echo foxtrot", Signal: llmbridge.SignalComplete},
		{Content: "golf hotel india juliett kilo lima", Signal: llmbridge.SignalComplete},
		{Content: "mike november oscar papa quebec romeo", Signal: llmbridge.SignalComplete},
		{Content: "sierra tango uniform victor whiskey xray", Signal: llmbridge.SignalComplete},
		{Content: "yankee zulu one two three four", Signal: llmbridge.SignalComplete},
	}}
	verifier := &scriptedVerifier{results: []*llmbridge.VerificationResult{notComplete("not yet")}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Verifier: verifier})

	result, err := ctrl.Run(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %q", result.Status)
	}
	if result.Iterations != 5 {
		t.Errorf("iterations = %d, want 5", result.Iterations)
	}
	// Four corrective nudges (gates 1-4); the fifth gate forces
	// completion without another nudge.
	nudges := countEntries(result.History, RoleUser) - 1 // minus original input
	if nudges != 4 {
		t.Errorf("nudges = %d, want 4", nudges)
	}
	if result.FinalContent != "yankee zulu one two three four" {
		t.Errorf("final = %q", result.FinalContent)
	}
}

// Malformed decisions (no content, no tool calls, no explicit
// completion) are retried a bounded number of times, then the loop ends
// with an apologetic answer.
func TestRunMalformedDecisionRetries(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{{}}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider})

	result, err := ctrl.Run(context.Background(), "hello?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonMalformed {
		t.Errorf("reason = %q", result.Reason)
	}
	if decider.calls() != DefaultMaxDecisionRetries {
		t.Errorf("decider calls = %d, want %d", decider.calls(), DefaultMaxDecisionRetries)
	}
	if !strings.Contains(result.FinalContent, "sorry") {
		t.Errorf("final = %q, want apologetic", result.FinalContent)
	}
}

// An intentional empty completion is not malformed.
func TestRunEmptyCompletionIsNotMalformed(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Signal: llmbridge.SignalComplete},
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider})

	result, err := ctrl.Run(context.Background(), "fire and forget")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason == ReasonMalformed {
		t.Error("empty completion misclassified as malformed")
	}
	if strings.TrimSpace(result.FinalContent) == "" {
		t.Error("final content must never be empty")
	}
}

// No-op turns escalate to nudges and the nudge ceiling eventually
// accepts the response with a generic fallback.
func TestRunNudgeCeilingAcceptsResponse(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "ok"}, // placeholder, unspecified signal
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider})

	result, err := ctrl.Run(context.Background(), "please help")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonNudgeCeiling {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonNudgeCeiling)
	}
	nudges := countEntries(result.History, RoleUser) - 1
	if nudges != DefaultNudgeCeiling {
		t.Errorf("nudges = %d, want %d", nudges, DefaultNudgeCeiling)
	}
	if result.FinalContent == "ok" {
		t.Error("placeholder response should be replaced by the generic fallback")
	}
}

// A failed tool invocation still restarts the nudge ceiling: the full
// nudge allowance is available again afterwards, even though the no-op
// counter only resets on success.
func TestRunFailedToolInvocationRestartsNudgeCeiling(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "ok"}, // no-op -> nudge 1
		{Content: "ok"}, // no-op -> nudge 2
		{Content: "trying the tool", ToolCalls: []llmbridge.ToolCall{toolCall("flaky")}},
		{Content: "ok"}, // nudge counter restarted; three more nudges fit
	}}
	runner := funcRunner(func(_ context.Context, call llmbridge.ToolCall) llmbridge.ToolResult {
		return llmbridge.ErrorResult(call.ID, "the flaky backend exploded")
	})
	tools := []llmbridge.ToolDescriptor{{Name: "flaky"}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Runner: runner, Tools: tools})

	result, err := ctrl.Run(context.Background(), "please use the tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonNudgeCeiling {
		t.Fatalf("reason = %q, want %q", result.Reason, ReasonNudgeCeiling)
	}
	// Two nudges before the invocation, a fresh allowance of three after
	// it, then the ceiling accepts on iteration seven.
	if result.Iterations != 7 {
		t.Errorf("iterations = %d, want 7", result.Iterations)
	}
	nudges := countEntries(result.History, RoleUser) - 1 // minus original input
	if nudges != 5 {
		t.Errorf("nudges = %d, want 5", nudges)
	}
}

// With tools available the no-op threshold is 1: the first no-op turn
// already draws a nudge steering toward tool use.
func TestRunNoOpThresholdWithTools(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.MaxIterations = 2

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "ok"},
		{Content: "final answer with plenty of substantive words", Signal: llmbridge.SignalComplete},
	}}
	tools := []llmbridge.ToolDescriptor{{Name: "lookup"}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Tools: tools})

	result, err := ctrl.Run(context.Background(), "look something up")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var nudge string
	for _, e := range result.History {
		if e.Role == RoleUser && strings.Contains(e.Content, "tools") {
			nudge = e.Content
		}
	}
	if nudge == "" {
		t.Error("expected a tool-use nudge after the first no-op turn")
	}
}

// An explicit Continue resets the no-op and nudge counters.
func TestRunContinueResetsProgressSegment(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.MaxIterations = 10

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "ok"}, // no-op 1
		{Content: "ok"}, // no-op 2 -> nudge 1
		{Content: "still thinking about the first part", Signal: llmbridge.SignalContinue}, // reset
		{Content: "ok"}, // no-op 1 again (threshold not yet crossed)
		{Content: "here is the finished answer for you today", Signal: llmbridge.SignalComplete},
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider})

	result, err := ctrl.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonCompleted {
		t.Errorf("reason = %q", result.Reason)
	}
	nudges := countEntries(result.History, RoleUser) - 1
	if nudges != 1 {
		t.Errorf("nudges = %d, want 1 (counters reset by Continue)", nudges)
	}
}

// Exhausting the iteration budget produces a fallback answer annotated
// with the termination reason.
func TestRunIterationLimitFallback(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.MaxIterations = 3

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "making steady progress on the task", Signal: llmbridge.SignalContinue},
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider})

	result, err := ctrl.Run(context.Background(), "never-ending task")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonIterationLimit {
		t.Errorf("reason = %q", result.Reason)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	if !strings.Contains(result.FinalContent, "making steady progress") {
		t.Errorf("final should derive from the last assistant entry: %q", result.FinalContent)
	}
	if !strings.Contains(result.FinalContent, "iteration limit") {
		t.Errorf("final missing termination annotation: %q", result.FinalContent)
	}
}

// When a tool hit its failure ceiling, exhaustion is annotated as a
// tool-failure pattern instead of a plain iteration limit.
func TestRunExhaustionAnnotatesToolFailures(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.MaxIterations = 4

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "calling foo", ToolCalls: []llmbridge.ToolCall{toolCall("foo")}},
	}}
	runner := funcRunner(func(_ context.Context, call llmbridge.ToolCall) llmbridge.ToolResult {
		return llmbridge.ErrorResult(call.ID, "logic failure in foo")
	})
	tools := []llmbridge.ToolDescriptor{{Name: "foo"}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Runner: runner, Tools: tools})

	result, err := ctrl.Run(context.Background(), "use foo")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason != ReasonToolFailures {
		t.Errorf("reason = %q, want %q", result.Reason, ReasonToolFailures)
	}
}

// Unrecoverable tool errors append a wrap-up note instead of retrying.
func TestRunUnrecoverableToolErrorNote(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.MaxIterations = 2

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "reading secrets", ToolCalls: []llmbridge.ToolCall{toolCall("vault")}},
		{Content: "cannot access the vault, reporting what I know", Signal: llmbridge.SignalComplete},
	}}
	runnerCalls := 0
	runner := funcRunner(func(_ context.Context, call llmbridge.ToolCall) llmbridge.ToolResult {
		runnerCalls++
		return llmbridge.ErrorResult(call.ID, "permission denied: vault is sealed")
	})
	tools := []llmbridge.ToolDescriptor{{Name: "vault"}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Runner: runner, Tools: tools})

	result, err := ctrl.Run(context.Background(), "read the vault")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runnerCalls != 1 {
		t.Errorf("runner calls = %d, want 1 (no retry on unrecoverable)", runnerCalls)
	}
	found := false
	for _, e := range result.History {
		if e.Role == RoleUser && strings.Contains(e.Content, "unrecoverable") {
			found = true
		}
	}
	if !found {
		t.Error("expected a wrap-up note about the unrecoverable error")
	}
}

// History sink failures are logged and never fatal.
func TestRunHistorySinkFailureNonFatal(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	sink := &failingSink{}
	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "the answer is forty two as expected", Signal: llmbridge.SignalComplete},
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Sink: sink})

	result, err := ctrl.Run(context.Background(), "answer?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %q", result.Status)
	}
	if sink.nCalls == 0 {
		t.Error("sink was never attempted")
	}
}

// A bare completion claim with un-actioned tools and placeholder content
// is nudged toward tool use instead of being accepted.
func TestRunBareClaimWithUnactionedTools(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false
	cfg.MaxIterations = 3

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "done", Signal: llmbridge.SignalComplete},
		{Content: "checking first", ToolCalls: []llmbridge.ToolCall{toolCall("check")}},
		{Content: "verified and finished with the real answer", Signal: llmbridge.SignalComplete},
	}}
	tools := []llmbridge.ToolDescriptor{{Name: "check"}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Tools: tools})

	result, err := ctrl.Run(context.Background(), "check and report")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
	if result.FinalContent != "verified and finished with the real answer" {
		t.Errorf("final = %q", result.FinalContent)
	}
	foundNudge := false
	for _, e := range result.History {
		if e.Role == RoleUser && strings.Contains(e.Content, "tools") {
			foundNudge = true
		}
	}
	if !foundNudge {
		t.Error("expected a tool-use nudge for the bare claim")
	}
}

// Verified completion runs the summarization pass and the summary
// becomes the final content.
func TestRunSummarizationPass(t *testing.T) {
	cfg := DefaultSessionConfig()

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "raw answer with all intermediate details included", Signal: llmbridge.SignalComplete},
	}}
	verifier := &scriptedVerifier{results: []*llmbridge.VerificationResult{complete()}}
	summarizer := &fakeSummarizer{text: "clean final answer"}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Verifier: verifier, Summarizer: summarizer})

	result, err := ctrl.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summarizer.nCalls != 1 {
		t.Errorf("summarizer calls = %d, want 1", summarizer.nCalls)
	}
	if result.FinalContent != "clean final answer" {
		t.Errorf("final = %q", result.FinalContent)
	}
}

// Summarizer failures keep the candidate answer.
func TestRunSummarizationFailureKeepsCandidate(t *testing.T) {
	cfg := DefaultSessionConfig()

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "candidate answer stands on its own merits", Signal: llmbridge.SignalComplete},
	}}
	verifier := &scriptedVerifier{results: []*llmbridge.VerificationResult{complete()}}
	summarizer := &fakeSummarizer{err: errors.New("model unavailable")}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider, Verifier: verifier, Summarizer: summarizer})

	result, err := ctrl.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalContent != "candidate answer stands on its own merits" {
		t.Errorf("final = %q", result.FinalContent)
	}
}

// Session state is released on every exit path.
func TestRunCleansUpSessionState(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "short and complete final answer here now", Signal: llmbridge.SignalComplete},
	}}
	ctrl, session, store := newTestController(t, cfg, Deps{Decider: decider})

	if _, err := ctrl.Run(context.Background(), "question"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.Get(session.ID()) != nil {
		t.Error("session not cleaned up")
	}
	if store.Len() != 0 {
		t.Errorf("store still holds %d sessions", store.Len())
	}
}

// The iteration count never exceeds the configured maximum, whatever the
// decision pattern.
func TestRunIterationCountBounded(t *testing.T) {
	patterns := [][]*llmbridge.Decision{
		{{Content: "looping forever on purpose right here", Signal: llmbridge.SignalContinue}},
		{{Content: "ok"}},
		{{}},
	}
	for i, decisions := range patterns {
		cfg := DefaultSessionConfig()
		cfg.VerificationEnabled = false
		cfg.MaxIterations = 5

		ctrl, _, _ := newTestController(t, cfg, Deps{Decider: &scriptedDecider{decisions: decisions}})
		result, err := ctrl.Run(context.Background(), "input")
		if err != nil {
			t.Fatalf("pattern %d: Run: %v", i, err)
		}
		if result.Iterations > cfg.MaxIterations {
			t.Errorf("pattern %d: iterations = %d exceeds max %d", i, result.Iterations, cfg.MaxIterations)
		}
		if strings.TrimSpace(result.FinalContent) == "" {
			t.Errorf("pattern %d: empty final content", i)
		}
	}
}

// Progress snapshots mark completion with the final content.
func TestRunEmitsTerminalSnapshot(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.VerificationEnabled = false

	decider := &scriptedDecider{decisions: []*llmbridge.Decision{
		{Content: "all finished with everything you asked", Signal: llmbridge.SignalComplete},
	}}
	ctrl, _, _ := newTestController(t, cfg, Deps{Decider: decider})

	var snaps []ProgressSnapshot
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range ctrl.Progress() {
			snaps = append(snaps, snap)
		}
	}()

	result, err := ctrl.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if len(snaps) == 0 {
		t.Fatal("no progress snapshots emitted")
	}
	last := snaps[len(snaps)-1]
	if !last.IsComplete {
		t.Error("terminal snapshot not marked complete")
	}
	if last.FinalContent != result.FinalContent {
		t.Errorf("terminal snapshot content = %q, want %q", last.FinalContent, result.FinalContent)
	}
}

// Decider failures propagate as errors and mark the session errored.
func TestRunDeciderFailurePropagates(t *testing.T) {
	cfg := DefaultSessionConfig()
	ctrl, session, _ := newTestController(t, cfg, Deps{Decider: erroringDecider{}})

	_, err := ctrl.Run(context.Background(), "question")
	if err == nil {
		t.Fatal("expected error")
	}
	if session.Status() != StatusErrored {
		t.Errorf("status = %q, want errored", session.Status())
	}
}

type erroringDecider struct{}

func (erroringDecider) Decide(context.Context, llmbridge.DecisionRequest) (*llmbridge.Decision, error) {
	return nil, fmt.Errorf("provider exploded")
}
