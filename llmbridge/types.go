package llmbridge

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the flattened transcript sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionSignal is the tri-state completion marker carried by a
// Decision. The zero value is SignalUnspecified so an omitted signal is
// never mistaken for an explicit one.
type CompletionSignal int

const (
	SignalUnspecified CompletionSignal = iota
	SignalContinue
	SignalComplete
)

// String returns the wire name of the signal.
func (s CompletionSignal) String() string {
	switch s {
	case SignalContinue:
		return "continue"
	case SignalComplete:
		return "complete"
	default:
		return "unspecified"
	}
}

// ParseCompletionSignal maps a wire status string onto the enum. Unknown
// values map to SignalUnspecified.
func ParseCompletionSignal(s string) CompletionSignal {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continue", "more_work", "in_progress":
		return SignalContinue
	case "complete", "done", "finished":
		return SignalComplete
	default:
		return SignalUnspecified
	}
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing one tool call. Segments keep
// the producing tool's output ordering; IsError marks failures, which
// are always represented as results and never as Go errors.
type ToolResult struct {
	ToolCallID string   `json:"tool_call_id"`
	Segments   []string `json:"segments"`
	IsError    bool     `json:"is_error"`
}

// Text joins the result segments into a single string.
func (r ToolResult) Text() string {
	return strings.Join(r.Segments, "\n")
}

// ErrorResult builds an error ToolResult with a single segment.
func ErrorResult(callID, message string) ToolResult {
	return ToolResult{ToolCallID: callID, Segments: []string{message}, IsError: true}
}

// TextResult builds a successful ToolResult with a single segment.
func TextResult(callID, text string) ToolResult {
	return ToolResult{ToolCallID: callID, Segments: []string{text}}
}

// ToolDescriptor describes a tool for the model (serializable metadata
// only; execution lives with the host's tool runner).
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Decision is the structured result of one model decision request.
type Decision struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []ToolCall       `json:"tool_calls,omitempty"`
	Signal    CompletionSignal `json:"signal"`
}

// Empty reports whether the decision carries neither content nor tool
// calls. An empty decision with an explicit Complete signal is an
// intentional empty completion, not a malformed response.
func (d *Decision) Empty() bool {
	return strings.TrimSpace(d.Content) == "" && len(d.ToolCalls) == 0
}

// DecisionRequest carries one decision call to the model.
type DecisionRequest struct {
	System   string           `json:"system"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDescriptor `json:"tools,omitempty"`

	// Stream, when set, receives incremental output deltas. Streaming is
	// cosmetic; the returned Decision is authoritative.
	Stream func(delta string) `json:"-"`
}

// VerificationResult is the structured judgment of the secondary
// verification call.
type VerificationResult struct {
	IsComplete   bool     `json:"is_complete"`
	Confidence   float64  `json:"confidence"`
	MissingItems []string `json:"missing_items,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// VerifyRequest carries one verification call: fixed instructions plus
// the scoped transcript plus the candidate final answer.
type VerifyRequest struct {
	Instruction string    `json:"instruction"`
	History     []Message `json:"history"`
	Candidate   string    `json:"candidate"`
}

// ProviderConfig selects and parameterizes the model provider.
type ProviderConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	APIKey      string  `json:"api_key,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}
