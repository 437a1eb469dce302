package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/mattjoyce/dispatchd/internal/llm"
)

// Kind classifies a model-call failure.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindRateLimited      Kind = "rate_limited"
	KindAuthOrConfig     Kind = "auth_or_config"
	KindMalformed        Kind = "malformed"
	KindCircuitOpen      Kind = "circuit_open"
	KindExhausted        Kind = "exhausted"
	KindCanceled         Kind = "canceled"
)

// Retryable reports whether another attempt can help.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork || k == KindRateLimited
}

// ErrCircuitOpen is returned without invoking the backend while a breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// Error is a classified model-call failure.
type Error struct {
	Kind     Kind
	Model    string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Model != "" {
		fmt.Fprintf(&b, " [%s]", e.Model)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StageFailure records why one fallback stage failed.
type StageFailure struct {
	Stage string
	Model string
	Err   error
}

// ChainError is returned when every stage of the fallback chain failed.
type ChainError struct {
	Failures []StageFailure
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s(%s): %v", f.Stage, f.Model, f.Err))
	}
	return "all models failed: " + strings.Join(parts, "; ")
}

func (e *ChainError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Models lists every model identifier the chain attempted, in order.
func (e *ChainError) Models() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Model)
	}
	return out
}

// Classify maps an arbitrary error onto a Kind. Unknown errors are treated as
// transient so they get retried.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}

	var statusErr *llm.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}

	return classifyMessage(err.Error())
}

func classifyStatus(code int) Kind {
	switch {
	case code == 429:
		return KindRateLimited
	case code == 401 || code == 403 || code == 404:
		return KindAuthOrConfig
	case code == 408 || code == 409 || code >= 500:
		return KindTransientNetwork
	default:
		return KindMalformed
	}
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429"):
		return KindRateLimited
	case containsAny(lower, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "permission denied", "401", "403"):
		return KindAuthOrConfig
	case containsAny(lower, "invalid request", "invalid_request", "malformed", "400 bad request"):
		return KindMalformed
	default:
		return KindTransientNetwork
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
