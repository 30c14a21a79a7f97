package llmbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// decisionProtocol is appended to every decision system prompt. The model
// replies with prose for the user plus one trailing control object; the
// control object is authoritative for the loop, the prose is cosmetic.
const decisionProtocol = `
# Response protocol

End every reply with a single JSON control object on its own line:

{"status": "continue" | "complete", "tool_calls": [{"name": "...", "arguments": {...}}]}

Rules:
- "status": "complete" when the user's request is fully satisfied,
  "continue" when you still have work to do. Omit the field if unsure.
- "tool_calls" lists the tools to invoke next, in order. Omit when none.
- Everything before the control object is shown to the user.`

// Client talks to a model provider through gollm and produces structured
// decisions, verification judgments, and summaries.
type Client struct {
	provider string
	model    string
	llm      gollm.LLM
	retry    RetryPolicy
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = p }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a gollm-backed client for the given provider config.
// If the API key is empty, gollm reads it from environment variables.
func NewClient(cfg ProviderConfig, opts ...ClientOption) (*Client, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(temperature),
		gollm.SetMaxRetries(0), // retries are handled by RetryPolicy
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.APIKey))
	}

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Provider, err)
	}

	c := &Client{
		provider: cfg.Provider,
		model:    cfg.Model,
		llm:      llm,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Decide requests one model decision over the transcript and active tools.
func (c *Client) Decide(ctx context.Context, req DecisionRequest) (*Decision, error) {
	prompt := c.buildDecisionPrompt(req)

	text, err := Retry(ctx, c.retry, func(ctx context.Context) (string, error) {
		out, genErr := c.llm.Generate(ctx, prompt)
		if genErr != nil {
			return "", ClassifyError(c.provider, genErr)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	if req.Stream != nil {
		req.Stream(text)
	}
	return ParseDecision(text), nil
}

// Verify requests a structured completion judgment for the candidate
// answer. The response must be a bare JSON object; anything around it is
// tolerated and stripped.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerificationResult, error) {
	var sb strings.Builder
	sb.WriteString("# Conversation\n\n")
	for _, m := range req.History {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	sb.WriteString("\n# Candidate final answer\n\n")
	sb.WriteString(req.Candidate)
	sb.WriteString("\n\nReply with only a JSON object: " +
		`{"is_complete": bool, "confidence": 0.0-1.0, "missing_items": [], "reason": ""}`)

	prompt := gollm.NewPrompt(sb.String(),
		gollm.WithSystemPrompt(req.Instruction, gollm.CacheTypeEphemeral))

	text, err := Retry(ctx, c.retry, func(ctx context.Context) (string, error) {
		out, genErr := c.llm.Generate(ctx, prompt)
		if genErr != nil {
			return "", ClassifyError(c.provider, genErr)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	result, ok := parseVerification(text)
	if !ok {
		return nil, &BridgeError{Message: "verification response is not valid JSON"}
	}
	return result, nil
}

// Summarize condenses the transcript into a final user-facing answer.
func (c *Client) Summarize(ctx context.Context, history []Message) (string, error) {
	var sb strings.Builder
	for _, m := range history {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}

	prompt := gollm.NewPrompt(sb.String(),
		gollm.WithSystemPrompt(
			"Summarize the assistant's work in this conversation into a single, "+
				"complete answer for the user. Reply with the answer only.",
			gollm.CacheTypeEphemeral))

	text, err := Retry(ctx, c.retry, func(ctx context.Context) (string, error) {
		out, genErr := c.llm.Generate(ctx, prompt)
		if genErr != nil {
			return "", ClassifyError(c.provider, genErr)
		}
		return out, nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// buildDecisionPrompt flattens the request into a gollm prompt.
func (c *Client) buildDecisionPrompt(req DecisionRequest) *gollm.Prompt {
	var parts []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			parts = append(parts, m.Content)
		case RoleAssistant:
			parts = append(parts, "[Assistant]: "+m.Content)
		case RoleTool:
			parts = append(parts, "[Tool Result]: "+m.Content)
		}
	}
	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	system := req.System + "\n" + decisionProtocol

	promptOpts := []gollm.PromptOption{
		gollm.WithSystemPrompt(strings.TrimSpace(system), gollm.CacheTypeEphemeral),
	}

	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
		promptOpts = append(promptOpts, gollm.WithToolChoice("auto"))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// ParseDecision extracts the control object from raw model output. Text
// before the control object becomes the decision content. Output without
// a parseable control object is treated as plain content with an
// unspecified signal.
func ParseDecision(text string) *Decision {
	body, control := splitControlObject(text)

	d := &Decision{Content: strings.TrimSpace(body)}
	if control == nil {
		return d
	}

	var raw struct {
		Status    string `json:"status"`
		ToolCalls []struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal(control, &raw); err != nil {
		return d
	}

	d.Signal = ParseCompletionSignal(raw.Status)
	for _, tc := range raw.ToolCalls {
		args := tc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		d.ToolCalls = append(d.ToolCalls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      tc.Name,
			Arguments: args,
		})
	}
	return d
}

// splitControlObject finds the last JSON object in text whose first key
// is "status" and returns the text before it plus the object bytes.
// Fenced code blocks around the object are tolerated.
func splitControlObject(text string) (body string, control json.RawMessage) {
	idx := strings.LastIndex(text, `{"status"`)
	if idx == -1 {
		idx = strings.LastIndex(text, `{ "status"`)
	}
	if idx == -1 {
		return text, nil
	}

	candidate := extractJSONObject(text[idx:])
	if candidate == nil {
		return text, nil
	}

	body = text[:idx]
	// Strip a trailing code fence opener left behind by the cut.
	body = strings.TrimRight(body, " \t\n`")
	body = strings.TrimSuffix(body, "```json")
	body = strings.TrimSuffix(body, "```")
	return body, candidate
}

// extractJSONObject returns the first balanced JSON object at the start
// of s, or nil if braces never balance. String contents are skipped so
// embedded braces do not confuse the scan.
func extractJSONObject(s string) json.RawMessage {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return json.RawMessage(s[:i+1])
			}
		}
	}
	return nil
}

// parseVerification parses the verifier's JSON judgment, tolerating
// surrounding prose or code fences.
func parseVerification(text string) (*VerificationResult, bool) {
	start := strings.Index(text, "{")
	if start == -1 {
		return nil, false
	}
	obj := extractJSONObject(text[start:])
	if obj == nil {
		return nil, false
	}
	var result VerificationResult
	if err := json.Unmarshal(obj, &result); err != nil {
		return nil, false
	}
	return &result, true
}
