package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusStopped   SessionStatus = "stopped"
	StatusCompleted SessionStatus = "completed"
	StatusErrored   SessionStatus = "errored"
)

// Tuning constants. These thresholds were tuned empirically; they are
// not derivable from first principles. SessionConfig fields override
// them per session.
const (
	DefaultMaxIterations          = 25
	DefaultMaxDecisionRetries     = 3
	DefaultMaxToolRetries         = 2
	DefaultToolFailureCeiling     = 3
	DefaultNudgeCeiling           = 3
	DefaultNoOpThresholdWithTools = 1
	DefaultNoOpThresholdNoTools   = 2
	DefaultVerifierRetries        = 1
	DefaultVerifierFailureCeiling = 5
)

// SessionConfig is the immutable configuration snapshot captured at
// session start. Changing global settings after a session begins does
// not affect sessions already running.
type SessionConfig struct {
	MaxIterations       int    `json:"max_iterations"`
	VerificationEnabled bool   `json:"verification_enabled"`
	ParallelTools       bool   `json:"parallel_tools"`
	SummarizeOnFinish   bool   `json:"summarize_on_finish"`
	SystemPrompt        string `json:"system_prompt,omitempty"`
	Guidelines          string `json:"guidelines,omitempty"`

	MaxDecisionRetries     int `json:"max_decision_retries"`
	MaxToolRetries         int `json:"max_tool_retries"`
	ToolFailureCeiling     int `json:"tool_failure_ceiling"`
	NudgeCeiling           int `json:"nudge_ceiling"`
	NoOpThresholdWithTools int `json:"noop_threshold_with_tools"`
	NoOpThresholdNoTools   int `json:"noop_threshold_no_tools"`
	VerifierRetries        int `json:"verifier_retries"`
	VerifierFailureCeiling int `json:"verifier_failure_ceiling"`
}

// DefaultSessionConfig returns the default snapshot.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIterations:          DefaultMaxIterations,
		VerificationEnabled:    true,
		ParallelTools:          true,
		SummarizeOnFinish:      true,
		MaxDecisionRetries:     DefaultMaxDecisionRetries,
		MaxToolRetries:         DefaultMaxToolRetries,
		ToolFailureCeiling:     DefaultToolFailureCeiling,
		NudgeCeiling:           DefaultNudgeCeiling,
		NoOpThresholdWithTools: DefaultNoOpThresholdWithTools,
		NoOpThresholdNoTools:   DefaultNoOpThresholdNoTools,
		VerifierRetries:        DefaultVerifierRetries,
		VerifierFailureCeiling: DefaultVerifierFailureCeiling,
	}
}

// AgentSession holds per-session lifecycle state. It is mutated only by
// the IterationController owning it and by the cancellation source.
type AgentSession struct {
	id        string
	config    SessionConfig
	createdAt time.Time

	mu        sync.Mutex
	status    SessionStatus
	iteration int
	cancelled bool
}

// ID returns the session identifier.
func (s *AgentSession) ID() string { return s.id }

// Config returns the immutable configuration snapshot.
func (s *AgentSession) Config() SessionConfig { return s.config }

// CreatedAt returns the session creation time.
func (s *AgentSession) CreatedAt() time.Time { return s.createdAt }

// Status returns the current lifecycle status.
func (s *AgentSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Iteration returns the current iteration count.
func (s *AgentSession) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// Cancelled reports whether the kill switch has been thrown.
func (s *AgentSession) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *AgentSession) setStatus(status SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *AgentSession) setIteration(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.iteration {
		s.iteration = n
	}
}

func (s *AgentSession) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

// SessionStore owns per-session mutable state with an explicit
// create/lookup/cleanup lifecycle. It is safe for concurrent use across
// sessions and implements KillSwitch.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*AgentSession)}
}

// Create registers a new active session with the given config snapshot.
func (st *SessionStore) Create(config SessionConfig) *AgentSession {
	s := &AgentSession{
		id:        uuid.New().String(),
		config:    config,
		createdAt: time.Now(),
		status:    StatusActive,
	}
	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s
}

// Get returns the session with the given id, or nil.
func (st *SessionStore) Get(id string) *AgentSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

// Cancel throws the kill switch for a session. Unknown ids are ignored.
func (st *SessionStore) Cancel(id string) {
	if s := st.Get(id); s != nil {
		s.cancel()
	}
}

// ShouldStop implements KillSwitch. Sessions no longer in the store are
// reported as stopped so late pollers never resume work.
func (st *SessionStore) ShouldStop(id string) bool {
	s := st.Get(id)
	if s == nil {
		return true
	}
	return s.Cancelled()
}

// Cleanup releases a session's state. It must run on every exit path.
func (st *SessionStore) Cleanup(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of live sessions.
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
