// Package completion abstracts the text-completion provider behind a
// small interface so workers, the decomposer, and synthesis can share one
// resilient client, and tests can substitute a fake.
package completion

import (
	"context"
	"errors"
	"fmt"
)

// Request is a single completion call.
type Request struct {
	// System is the system prompt (role instructions, crew header).
	System string
	// Prompt is the user-turn content.
	Prompt string
	// Model overrides the client's default model when non-empty.
	Model string
	// MaxTokens caps the response length. Zero uses the client default.
	MaxTokens int64
}

// Response is the provider's answer plus accounting data.
type Response struct {
	// Text is the assistant's full text output.
	Text string
	// TokensUsed is input plus output tokens for budget accounting.
	TokensUsed int64
}

// Service is the completion provider interface.
type Service interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ServiceError classifies a failed completion call.
type ServiceError struct {
	// Code is a stable machine-readable classification
	// (e.g. "rate_limited", "server_error", "circuit_open").
	Code string
	// Transient marks errors worth retrying.
	Transient bool
	// Err is the underlying cause.
	Err error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("completion %s: %v", e.Code, e.Err)
	}
	return "completion " + e.Code
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable completion failure.
func IsTransient(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
