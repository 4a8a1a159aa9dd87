package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when the backend answers without any candidate text.
var ErrEmptyResponse = errors.New("llmclient: empty response from model")

// LLMClient is the minimal surface the pipeline needs from a generative backend.
// Implementations are bound to a single model; cross-cutting concerns
// (retries, schema validation, caching) live in the call package.
type LLMClient interface {
	Name() string
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
	Close() error
}

// PermanentError marks a failure that will not resolve with retries:
// bad credentials, unknown model, permanently invalid request.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// RateLimitError marks a transient failure: the backend signaled overload,
// throttling, or temporary unavailability.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// Classify wraps a raw backend error into PermanentError or RateLimitError.
// Unrecognized errors are left as-is; callers treat them as transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pErr *PermanentError
	var rErr *RateLimitError
	if errors.As(err, &pErr) || errors.As(err, &rErr) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "429", "resource exhausted", "resource_exhausted", "rate limit", "quota", "503", "unavailable", "overloaded"):
		return &RateLimitError{Err: err}
	case containsAny(msg, "401", "403", "api key", "unauthenticated", "permission denied", "permission_denied", "404", "not found", "invalid argument", "invalid_argument"):
		return &PermanentError{Err: err}
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
