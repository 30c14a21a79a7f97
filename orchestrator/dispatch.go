package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/conductor/llmbridge"
)

// transientMarkers identify tool errors worth retrying with backoff.
var transientMarkers = []string{"timeout", "connection", "network", "temporary", "busy"}

// killPollInterval is how often an in-flight tool invocation is raced
// against the kill switch.
const killPollInterval = 100 * time.Millisecond

// ToolExecutionOutcome is the result of executing one tool call,
// including how it got there.
type ToolExecutionOutcome struct {
	Call            llmbridge.ToolCall   `json:"call"`
	Result          llmbridge.ToolResult `json:"result"`
	RetryCount      int                  `json:"retry_count"`
	CancelledByKill bool                 `json:"cancelled_by_kill"`
}

// ToolDispatcher executes batches of tool calls with per-call retry,
// exponential backoff, and cooperative cancellation. It records failures
// into the session's ToolHealthTracker.
type ToolDispatcher struct {
	runner     ToolRunner
	health     *ToolHealthTracker
	shouldStop func() bool
	logger     *slog.Logger

	maxRetries int
	parallel   bool

	// pollInterval and backoffUnit are overridable for tests.
	pollInterval time.Duration
	backoffUnit  time.Duration

	// onProgress receives incremental tool output, keyed by call ID.
	onProgress func(callID, delta string)
}

// NewToolDispatcher creates a dispatcher. shouldStop is polled while an
// invocation is in flight; a negative maxRetries uses the default of 2.
func NewToolDispatcher(runner ToolRunner, health *ToolHealthTracker, shouldStop func() bool, maxRetries int, parallel bool, logger *slog.Logger) *ToolDispatcher {
	if maxRetries < 0 {
		maxRetries = DefaultMaxToolRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	if shouldStop == nil {
		shouldStop = func() bool { return false }
	}
	return &ToolDispatcher{
		runner:       runner,
		health:       health,
		shouldStop:   shouldStop,
		logger:       logger,
		maxRetries:   maxRetries,
		parallel:     parallel,
		pollInterval: killPollInterval,
		backoffUnit:  time.Second,
	}
}

// SetProgressFunc installs the incremental-output callback.
func (d *ToolDispatcher) SetProgressFunc(fn func(callID, delta string)) {
	d.onProgress = fn
}

// isTransientToolError matches the error text against transient markers.
func isTransientToolError(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// cancelledOutcome builds the outcome for a call halted by the kill
// switch.
func cancelledOutcome(call llmbridge.ToolCall, retries int) ToolExecutionOutcome {
	return ToolExecutionOutcome{
		Call:            call,
		Result:          llmbridge.ErrorResult(call.ID, "tool execution cancelled"),
		RetryCount:      retries,
		CancelledByKill: true,
	}
}

// ExecuteWithRetries runs one tool call, retrying transient failures
// with 2^n backoff up to the retry budget. If the kill switch fires
// while the invocation is in flight, the outcome is marked cancelled and
// the invocation is left to finish silently in the background; its
// eventual result or error is discarded.
func (d *ToolDispatcher) ExecuteWithRetries(ctx context.Context, call llmbridge.ToolCall) ToolExecutionOutcome {
	if d.shouldStop() {
		return cancelledOutcome(call, 0)
	}

	var result llmbridge.ToolResult
	attempt := 0
	for ; ; attempt++ {
		res, cancelled := d.invokeOnce(ctx, call)
		if cancelled {
			return cancelledOutcome(call, attempt)
		}
		result = res

		if !result.IsError {
			d.health.RecordSuccess(call.Name)
			return ToolExecutionOutcome{Call: call, Result: result, RetryCount: attempt}
		}

		errText := result.Text()
		if IsUnrecoverableError(errText) || !isTransientToolError(errText) || attempt >= d.maxRetries {
			break
		}

		backoff := d.backoffUnit << attempt // 2^attempt units
		d.logger.Debug("retrying tool after transient error",
			"tool", call.Name, "attempt", attempt+1, "backoff", backoff)
		if d.waitOrCancel(ctx, backoff) {
			return cancelledOutcome(call, attempt)
		}
	}

	d.health.RecordFailure(call.Name)
	return ToolExecutionOutcome{Call: call, Result: result, RetryCount: attempt}
}

// invokeOnce races a single invocation against the kill switch and ctx.
// Returns cancelled=true when cancellation won; the invocation keeps
// running in the background and its result is discarded.
func (d *ToolDispatcher) invokeOnce(ctx context.Context, call llmbridge.ToolCall) (llmbridge.ToolResult, bool) {
	done := make(chan llmbridge.ToolResult, 1)
	go func() {
		var progress func(string)
		if d.onProgress != nil {
			progress = func(delta string) { d.onProgress(call.ID, delta) }
		}
		done <- d.runner.Run(ctx, call, progress)
	}()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			return res, false
		case <-ctx.Done():
			return llmbridge.ToolResult{}, true
		case <-ticker.C:
			if d.shouldStop() {
				return llmbridge.ToolResult{}, true
			}
		}
	}
}

// waitOrCancel sleeps for the backoff duration, aborting early on
// cancellation. Returns true when cancelled.
func (d *ToolDispatcher) waitOrCancel(ctx context.Context, dur time.Duration) bool {
	deadline := time.NewTimer(dur)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return true
		case <-ticker.C:
			if d.shouldStop() {
				return true
			}
		}
	}
}

// ExecuteBatch runs all tool calls from one decision. Output order
// matches input order. When parallel execution is enabled and more than
// one call is present, calls fan out concurrently; otherwise they run
// strictly one at a time with a kill check between each. Any observed
// cancellation aborts the rest of the batch and is surfaced as
// cancelled=true.
func (d *ToolDispatcher) ExecuteBatch(ctx context.Context, calls []llmbridge.ToolCall) ([]ToolExecutionOutcome, bool) {
	outcomes := make([]ToolExecutionOutcome, len(calls))

	if d.parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(idx int, c llmbridge.ToolCall) {
				defer wg.Done()
				outcomes[idx] = d.ExecuteWithRetries(ctx, c)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			if d.shouldStop() {
				for j := i; j < len(calls); j++ {
					outcomes[j] = cancelledOutcome(calls[j], 0)
				}
				return outcomes, true
			}
			outcomes[i] = d.ExecuteWithRetries(ctx, call)
			if outcomes[i].CancelledByKill {
				for j := i + 1; j < len(calls); j++ {
					outcomes[j] = cancelledOutcome(calls[j], 0)
				}
				return outcomes, true
			}
		}
	}

	cancelled := false
	for _, o := range outcomes {
		if o.CancelledByKill {
			cancelled = true
			break
		}
	}
	return outcomes, cancelled
}
