package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest marks a malformed OperationRequest. It is a programming
// error, surfaced immediately and never retried.
var ErrInvalidRequest = errors.New("invalid operation request")

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: RBAC propagation delay, network timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: permission denied, quota exceeded, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled indicates the caller cancelled the operation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation ID being processed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassCancelled,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operationID string) *EngineError {
	e.Operation = operationID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsCancelled returns true if the error is a cancellation.
func IsCancelled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassCancelled
	}
	return false
}

// Error codes, one per failure class plus engine-level codes.
const (
	ErrCodeTransientAuth    = "TRANSIENT_AUTH"
	ErrCodeTransientNetwork = "TRANSIENT_NETWORK"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeQuotaExceeded    = "QUOTA_EXCEEDED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeUnknown          = "UNKNOWN"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCancelled        = "CANCELLED"
)

// CodeForClass maps a failure class to its error code.
func CodeForClass(c FailureClass) string {
	switch c {
	case ClassTransientAuth:
		return ErrCodeTransientAuth
	case ClassTransientNetwork:
		return ErrCodeTransientNetwork
	case ClassPermissionDenied:
		return ErrCodePermissionDenied
	case ClassQuotaExceeded:
		return ErrCodeQuotaExceeded
	case ClassResourceNotFound:
		return ErrCodeNotFound
	default:
		return ErrCodeUnknown
	}
}

// ExhaustedError is returned when a request reaches the Exhausted state.
// It carries the last classification, the attempt count, the diagnostic
// report and a one-line recommendation.
type ExhaustedError struct {
	RequestID      string
	Target         string
	Class          FailureClass
	Attempts       int
	Report         *DiagnosticReport
	Recommendation string
	Err            error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "operation %s on %s exhausted after %d attempt(s): last failure %s",
		e.RequestID, e.Target, e.Attempts, e.Class)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Report != nil {
		fmt.Fprintf(&b, "; diagnostics: %s", summarizeReport(e.Report))
	}
	if e.Recommendation != "" {
		fmt.Fprintf(&b, "; recommendation: %s", e.Recommendation)
	}
	return b.String()
}

// Unwrap returns the last raw error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// AsEngineError converts the exhaustion into a classified EngineError.
func (e *ExhaustedError) AsEngineError() *EngineError {
	class := ErrorClassPermanent
	if e.Class.Retryable() {
		class = ErrorClassTransient
	}
	return (&EngineError{
		Class:   class,
		Message: "operation exhausted",
		Err:     e,
	}).WithOperation(e.RequestID).
		WithResource(e.Target).
		WithCode(CodeForClass(e.Class)).
		WithDetail("attempts", e.Attempts)
}

func summarizeReport(r *DiagnosticReport) string {
	parts := make([]string, 0, len(r.Checks)+1)
	for _, c := range r.Checks {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Name, c.Verdict))
	}
	parts = append(parts, fmt.Sprintf("overall=%s", r.Overall.Kind))
	if len(r.Overall.Checks) > 0 {
		parts[len(parts)-1] += "(" + strings.Join(r.Overall.Checks, ",") + ")"
	}
	return strings.Join(parts, " ")
}

// Recommendation returns the one-line actionable recommendation for a
// request exhausted with the given class.
func Recommendation(c FailureClass) string {
	switch c {
	case ClassTransientAuth:
		return "Role assignments can take time to propagate: wait 10-15 minutes and retry."
	case ClassTransientNetwork:
		return "Check network connectivity and Azure service health, then retry."
	case ClassPermissionDenied:
		return "Grant the identity one of the required roles on the target scope, then retry."
	case ClassQuotaExceeded:
		return "Free capacity or request a quota increase for the subscription, then retry."
	case ClassResourceNotFound:
		return "Verify the hub is deployed and the resource group and storage account names are correct."
	default:
		return "Inspect the raw error and the diagnostic report; unrecognized failures are not retried."
	}
}
