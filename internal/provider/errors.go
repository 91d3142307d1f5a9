// Package provider defines the contracts of the external collaborators the
// pipeline calls, and the error taxonomy every adapter reports failures with.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
)

// Kind names an error class in the taxonomy. It doubles as the error code
// surfaced in error notifications and the run error log.
type Kind string

// Kind constants
const (
	KindValidation Kind = "validation_error"
	KindTransient  Kind = "transient_provider_error"
	KindPermanent  Kind = "permanent_provider_error"
	KindCircuit    Kind = "circuit_open"
	KindFatal      Kind = "fatal_system_error"
	KindUnknown    Kind = "internal_error"
)

// ValidationError is bad input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// Retryable is always false for validation errors.
func (e *ValidationError) Retryable() bool { return false }

// FromValidator converts a validator error into a ValidationError naming
// the first failing field. Other errors become a field-less ValidationError.
func FromValidator(err error) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		ve := ves[0]
		msg := ve.Tag()
		if ve.Param() != "" {
			msg = fmt.Sprintf("%s=%s", ve.Tag(), ve.Param())
		}
		return &ValidationError{Field: ve.Namespace(), Message: msg}
	}
	return &ValidationError{Message: err.Error()}
}

// TransientProviderError is a timeout, rate limit or network failure.
type TransientProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Cause      error
}

func (e *TransientProviderError) Error() string {
	msg := fmt.Sprintf("transient error from %s", e.Provider)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *TransientProviderError) Unwrap() error { return e.Cause }

// Retryable is always true for transient errors.
func (e *TransientProviderError) Retryable() bool { return true }

// PermanentProviderError is a deterministic rejection by the provider.
type PermanentProviderError struct {
	Provider   string
	StatusCode int
	Cause      error
}

func (e *PermanentProviderError) Error() string {
	msg := fmt.Sprintf("permanent error from %s", e.Provider)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *PermanentProviderError) Unwrap() error { return e.Cause }

// Retryable is always false for permanent errors.
func (e *PermanentProviderError) Retryable() bool { return false }

// CircuitOpenError is raised without calling the provider while its breaker is open.
type CircuitOpenError struct {
	PolicyKey string
	RetryIn   time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", e.PolicyKey, e.RetryIn.Round(time.Millisecond))
}

// Retryable is true: the breaker will eventually admit a probe.
func (e *CircuitOpenError) Retryable() bool { return true }

// FatalSystemError marks a dependency unusable beyond breaker recovery. It fails the run.
type FatalSystemError struct {
	PolicyKey string
	Message   string
	Cause     error
}

func (e *FatalSystemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %s: %v", e.PolicyKey, e.Message, e.Cause)
	}
	return fmt.Sprintf("fatal: %s: %s", e.PolicyKey, e.Message)
}

func (e *FatalSystemError) Unwrap() error { return e.Cause }

// Retryable is always false for fatal errors.
func (e *FatalSystemError) Retryable() bool { return false }

// retryable is implemented by every taxonomy error.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err may succeed if the call is repeated.
// Errors outside the taxonomy are classified: context cancellation is not
// retryable, network timeouts are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// KindOf returns the taxonomy kind of err.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		te *TransientProviderError
		pe *PermanentProviderError
		ce *CircuitOpenError
		fe *FatalSystemError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return KindFatal
	case errors.As(err, &ce):
		return KindCircuit
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &pe):
		return KindPermanent
	case errors.As(err, &te):
		return KindTransient
	case IsRetryable(err):
		return KindTransient
	}
	return KindUnknown
}

// IsFatal reports whether err is (or wraps) a FatalSystemError.
func IsFatal(err error) bool {
	var fe *FatalSystemError
	return errors.As(err, &fe)
}

// RetryHint returns the suggested wait before retrying, if the error carries one.
func RetryHint(err error) time.Duration {
	var te *TransientProviderError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	var ce *CircuitOpenError
	if errors.As(err, &ce) {
		return ce.RetryIn
	}
	return 0
}

// ClassifyHTTPStatus maps a provider HTTP status to the taxonomy.
// 429 and 5xx are transient, other 4xx are permanent.
func ClassifyHTTPStatus(providerName string, status int, retryAfter time.Duration, cause error) error {
	switch {
	case status == 429 || status == 408 || status >= 500:
		return &TransientProviderError{Provider: providerName, StatusCode: status, RetryAfter: retryAfter, Cause: cause}
	case status >= 400:
		return &PermanentProviderError{Provider: providerName, StatusCode: status, Cause: cause}
	}
	return nil
}
