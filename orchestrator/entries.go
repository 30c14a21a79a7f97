package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/conductor/llmbridge"
)

// EntryRole identifies who produced a conversation entry.
type EntryRole string

const (
	RoleUser      EntryRole = "user"
	RoleAssistant EntryRole = "assistant"
	RoleTool      EntryRole = "tool"
)

// ConversationEntry is a single entry in the append-only conversation
// history. Insertion order is meaningful and never reordered.
type ConversationEntry struct {
	Role      EntryRole              `json:"role"`
	Content   string                 `json:"content"`
	ToolCalls []llmbridge.ToolCall   `json:"tool_calls,omitempty"`
	Results   []llmbridge.ToolResult `json:"results,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewUserEntry wraps user input.
func NewUserEntry(content string) ConversationEntry {
	return ConversationEntry{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewAssistantEntry wraps a model response, including any tool calls it
// requested.
func NewAssistantEntry(content string, calls []llmbridge.ToolCall) ConversationEntry {
	return ConversationEntry{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now()}
}

// NewToolEntry folds a batch of tool results back into the history.
func NewToolEntry(results []llmbridge.ToolResult) ConversationEntry {
	return ConversationEntry{Role: RoleTool, Results: results, Timestamp: time.Now()}
}

// BridgeMessages flattens history into the transcript format consumed by
// the model decision interface. Tool results become tool-role text so
// the model sees outcomes as plain context.
func BridgeMessages(history []ConversationEntry) []llmbridge.Message {
	var messages []llmbridge.Message
	for _, e := range history {
		switch e.Role {
		case RoleUser:
			messages = append(messages, llmbridge.Message{Role: llmbridge.RoleUser, Content: e.Content})
		case RoleAssistant:
			content := e.Content
			for _, tc := range e.ToolCalls {
				content += fmt.Sprintf("\n[called %s(%s)]", tc.Name, string(tc.Arguments))
			}
			messages = append(messages, llmbridge.Message{Role: llmbridge.RoleAssistant, Content: strings.TrimSpace(content)})
		case RoleTool:
			for _, r := range e.Results {
				prefix := "ok"
				if r.IsError {
					prefix = "error"
				}
				messages = append(messages, llmbridge.Message{
					Role:    llmbridge.RoleTool,
					Content: fmt.Sprintf("(%s) %s", prefix, r.Text()),
				})
			}
		}
	}
	return messages
}

// lastAssistantContents returns the content of up to n most recent
// assistant entries, most recent first.
func lastAssistantContents(history []ConversationEntry, n int) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if history[i].Role == RoleAssistant && strings.TrimSpace(history[i].Content) != "" {
			out = append(out, history[i].Content)
		}
	}
	return out
}
