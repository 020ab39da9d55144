package mcp

import "fmt"

// ErrorKind classifies an inference failure. Timeout, RateLimited and
// Transport are transient and retried with backoff; Unauthorized,
// BadRequest and InvalidDirective are surfaced immediately and the
// cycle degrades to hold.
type ErrorKind string

const (
	ErrTimeout          ErrorKind = "timeout"
	ErrRateLimited      ErrorKind = "rate_limited"
	ErrInvalidDirective ErrorKind = "invalid_directive"
	ErrUnauthorized     ErrorKind = "unauthorized"
	ErrBadRequest       ErrorKind = "bad_request"
	ErrTransport        ErrorKind = "transport"
)

// InferenceError a typed failure from the inference provider or from
// directive validation downstream of it.
type InferenceError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *InferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("inference %s: %s", e.Kind, e.Msg)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt.
func (e *InferenceError) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrRateLimited, ErrTransport:
		return true
	}
	return false
}

// NewInvalidDirective builds the error used when a provider response does
// not satisfy the directive schema. Never retried: the same prompt would
// likely fail the same way, and the caller must treat it as hold.
func NewInvalidDirective(msg string, err error) *InferenceError {
	return &InferenceError{Kind: ErrInvalidDirective, Msg: msg, Err: err}
}
