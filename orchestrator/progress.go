package orchestrator

import (
	"sync"
	"time"
)

// ProgressSnapshot is a structured progress update emitted at each
// meaningful state change. Consumers must tolerate duplicate and
// out-of-order delivery.
type ProgressSnapshot struct {
	SessionID        string    `json:"session_id"`
	Iteration        int       `json:"iteration"`
	MaxIterations    int       `json:"max_iterations"`
	Steps            []string  `json:"steps,omitempty"`
	IsComplete       bool      `json:"is_complete"`
	FinalContent     string    `json:"final_content,omitempty"`
	RetryInfo        string    `json:"retry_info,omitempty"`
	StreamingContent string    `json:"streaming_content,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ProgressEmitter delivers snapshots to the host over a buffered
// channel. Sends never block the loop: when the buffer is full the
// snapshot is dropped.
type ProgressEmitter struct {
	sessionID string
	maxSteps  int

	mu     sync.Mutex
	ch     chan ProgressSnapshot
	steps  []string
	closed bool
}

// NewProgressEmitter creates an emitter with the given channel buffer.
func NewProgressEmitter(sessionID string, bufferSize int) *ProgressEmitter {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &ProgressEmitter{
		sessionID: sessionID,
		maxSteps:  8,
		ch:        make(chan ProgressSnapshot, bufferSize),
	}
}

// Snapshots returns the read-only snapshot channel.
func (p *ProgressEmitter) Snapshots() <-chan ProgressSnapshot {
	return p.ch
}

// Step records a human-readable step and emits a snapshot.
func (p *ProgressEmitter) Step(iteration, maxIterations int, step string) {
	p.mu.Lock()
	p.steps = append(p.steps, step)
	if len(p.steps) > p.maxSteps {
		p.steps = p.steps[len(p.steps)-p.maxSteps:]
	}
	p.mu.Unlock()
	p.Emit(ProgressSnapshot{Iteration: iteration, MaxIterations: maxIterations})
}

// Emit fills in session metadata and sends the snapshot without
// blocking. Emitting on a closed emitter is a no-op.
func (p *ProgressEmitter) Emit(snap ProgressSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	snap.SessionID = p.sessionID
	snap.Timestamp = time.Now()
	if snap.Steps == nil {
		snap.Steps = append([]string(nil), p.steps...)
	}
	select {
	case p.ch <- snap:
	default:
		// Buffer full; drop rather than stall the loop.
	}
}

// Close closes the snapshot channel. Safe to call multiple times.
func (p *ProgressEmitter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
