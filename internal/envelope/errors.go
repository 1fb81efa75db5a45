package envelope

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// SourceError is the only error kind Execute returns.
type SourceError struct {
	Agent    string
	Source   string
	Attempts int
	Cause    error
}

func (e *SourceError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("[%s] error calling %s after %d attempt(s): %v", e.Agent, e.Source, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("error calling %s after %d attempt(s): %v", e.Source, e.Attempts, e.Cause)
}

func (e *SourceError) Unwrap() error { return e.Cause }

// TimeoutError reports an attempt that exceeded its deadline.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout after %s", e.After) }

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

func (e *TimeoutError) Timeout() bool { return true }

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

var transientTokens = []string{
	"timeout",
	"timed out",
	"temporarily unavailable",
	"temporary failure",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"servfail",
	"too many requests",
}

// IsTransient reports whether err belongs to the retryable class: deadlines, network
// timeouts, 5xx/429 responses and a small set of transport failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var status interface{ StatusCode() int }
	if errors.As(err, &status) {
		code := status.StatusCode()
		return code >= 500 || code == 429
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, tok := range transientTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
