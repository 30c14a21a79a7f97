// Package llmbridge provides the model-facing machinery for the
// orchestration engine: a gollm-backed client that turns a conversation
// transcript into a structured Decision, secondary verification and
// summarization calls, retry with exponential backoff, and a provider
// error taxonomy that drives retryability.
//
// The orchestrator package consumes this package only through small
// interfaces, so hosts may substitute any other implementation.
package llmbridge
