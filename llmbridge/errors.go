package llmbridge

import (
	"fmt"
	"strings"
)

// BridgeError is the base error type for all llmbridge errors.
type BridgeError struct {
	Message string
	Cause   error
}

func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error surfaced by the model provider.
type ProviderError struct {
	BridgeError
	Provider   string
	StatusCode int
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ BridgeError }
type NetworkError struct{ BridgeError }
type AbortError struct{ BridgeError }

// ClassifyError converts a raw transport error into the llmbridge error
// hierarchy by matching its message. Unknown errors default to a
// retryable ProviderError.
func ClassifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := ProviderError{
		BridgeError: BridgeError{Message: msg, Cause: err},
		Provider:    provider,
	}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		pe.StatusCode = 403
		return &AccessDeniedError{ProviderError: pe}
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid request"):
		pe.StatusCode = 400
		return &InvalidRequestError{ProviderError: pe}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		pe.StatusCode = 429
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "internal server"):
		pe.StatusCode = 500
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return &RequestTimeoutError{BridgeError: BridgeError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection") || strings.Contains(lower, "network"):
		return &NetworkError{BridgeError: BridgeError{Message: msg, Cause: err}}
	default:
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch e := err.(type) {
	case *AuthenticationError, *AccessDeniedError, *InvalidRequestError, *ContextLengthError, *AbortError:
		return false
	case *RateLimitError, *ServerError, *RequestTimeoutError, *NetworkError:
		return true
	case *ProviderError:
		return e.Retryable
	default:
		// Unknown errors default to retryable.
		return true
	}
}
