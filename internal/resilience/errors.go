package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for explicit TransientError in chain.
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Rate limits clear on their own once the cooldown passes.
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}

	// Check for network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// RateLimitedError reports an explicit rate-limit signal from a provider.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s (retry after %s)", e.Provider, e.RetryAfter)
}

// EngineTimeoutError reports a single evaluation attempt that ran out of time.
type EngineTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *EngineTimeoutError) Error() string {
	return fmt.Sprintf("engine timed out after %s", e.Timeout)
}

func (e *EngineTimeoutError) Unwrap() error { return e.Err }

// EngineCrashedError reports an engine that failed its liveness probe or
// whose process died. Pools recover on it.
type EngineCrashedError struct {
	Err error
}

func (e *EngineCrashedError) Error() string {
	return "engine crashed: " + e.Err.Error()
}

func (e *EngineCrashedError) Unwrap() error { return e.Err }

// PermanentFailure marks a sample that exhausted its retries.
type PermanentFailure struct {
	Attempts int
	Err      error
}

func (e *PermanentFailure) Error() string {
	return fmt.Sprintf("permanent failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PermanentFailure) Unwrap() error { return e.Err }

// MalformedRecordError marks upstream data that cannot be used.
type MalformedRecordError struct {
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return "malformed record: " + e.Reason
}

// PersistenceError marks a store write that stayed failed after retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsEngineTimeout reports whether err carries an EngineTimeoutError.
func IsEngineTimeout(err error) bool {
	var te *EngineTimeoutError
	return errors.As(err, &te)
}

// IsEngineCrashed reports whether err carries an EngineCrashedError.
func IsEngineCrashed(err error) bool {
	var ce *EngineCrashedError
	return errors.As(err, &ce)
}

// IsPermanent reports whether err carries a PermanentFailure.
func IsPermanent(err error) bool {
	var pf *PermanentFailure
	return errors.As(err, &pf)
}

// IsMalformed reports whether err carries a MalformedRecordError.
func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}

// IsFatal reports whether err should halt a pool: an engine that could not be
// recovered or a persistence failure that outlived its retries.
func IsFatal(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) || errors.Is(err, ErrRecoveryFailed)
}

// ErrRecoveryFailed is returned when restarting an engine did not succeed.
var ErrRecoveryFailed = errors.New("engine recovery failed")

// ClassifyError categorizes an error for logs and batch records.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case IsFatal(err):
		return "fatal"
	case IsEngineCrashed(err):
		return "engine_crashed"
	case IsPermanent(err):
		return "permanent"
	case IsEngineTimeout(err):
		return "engine_timeout"
	case IsMalformed(err):
		return "malformed"
	case IsTransient(err):
		return "transient"
	}
	return "permanent"
}
