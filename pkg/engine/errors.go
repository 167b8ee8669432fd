package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: pool exhaustion, connector call timeouts, unreachable resources.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion on a resource.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict that a human has to resolve,
	// such as several identities matching one remote object.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid mapping, missing mandatory value, resource rejection.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind is the provisioning failure taxonomy. Every recorded
// PropagationStatus or ProvisioningReport failure carries one of these.
type ErrorKind string

const (
	// KindConfiguration is a broken resource setup: missing connObjectKey,
	// unresolvable transformer, invalid pool bounds. Fatal for the whole setup.
	KindConfiguration ErrorKind = "ConfigurationError"

	// KindTranslation means a transformer or mandatory condition failed on one
	// object's data. Reported per object like KindRequiredValueMissing.
	KindTranslation ErrorKind = "TranslationFailure"

	// KindRequiredValueMissing means a mandatory mapping condition held but the
	// internal value was absent. Reported per object, never thrown further up.
	KindRequiredValueMissing ErrorKind = "RequiredValueMissing"

	// KindConnectorUnavailable means the pool could not create or hand out a handle.
	KindConnectorUnavailable ErrorKind = "ConnectorUnavailable"

	// KindNativeOperation means the resource rejected the operation.
	KindNativeOperation ErrorKind = "NativeOperationFailure"

	// KindTimeout means a pool acquire or connector call exceeded its budget.
	KindTimeout ErrorKind = "TimeoutError"

	// KindMatchAmbiguous means more than one identity matched a remote object.
	KindMatchAmbiguous ErrorKind = "MatchAmbiguous"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Kind is the provisioning taxonomy entry.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the external resource key involved, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if inner := e.unwrapMessage(); inner != "" {
		msg = msg + ": " + inner
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("%s (resource=%s, operation=%s): %s", e.Kind, e.Resource, e.Operation, msg)
	}
	if e.Resource != "" {
		return fmt.Sprintf("%s (resource=%s): %s", e.Kind, e.Resource, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
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
// Two engine errors match when their kind and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(class ErrorClass, kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindConfiguration, message, err).WithCode(ErrCodeValidation)
}

// NewTranslationError creates the error raised when a compiled mapping
// expression fails while translating one object.
func NewTranslationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindTranslation, message, err).WithCode(ErrCodeTranslation)
}

// NewRequiredValueMissingError creates the error raised when a mandatory
// mapping item has no value.
func NewRequiredValueMissingError(attribute string) *EngineError {
	return newError(ErrorClassPermanent, KindRequiredValueMissing,
		fmt.Sprintf("required value missing for %s", attribute), nil).
		WithCode(ErrCodeRequiredValue).
		WithDetail("attribute", attribute)
}

// NewConnectorUnavailableError creates a new connector unavailable error.
func NewConnectorUnavailableError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, KindConnectorUnavailable, message, err).WithCode(ErrCodeUnavailable)
}

// NewNativeOperationError creates a new native operation failure.
func NewNativeOperationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, KindNativeOperation, message, err).WithCode(ErrCodeRejected)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, KindTimeout, message, err).WithCode(ErrCodeTimeout)
}

// NewMatchAmbiguousError creates the error raised when a correlation lookup
// returns more than one identity.
func NewMatchAmbiguousError(uid string, keys []string) *EngineError {
	return newError(ErrorClassConflict, KindMatchAmbiguous,
		fmt.Sprintf("%d identities match %s", len(keys), uid), nil).
		WithCode(ErrCodeConflict).
		WithDetail("matches", keys)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, KindNativeOperation, message, err).WithCode(ErrCodeRateLimited)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
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

// KindOf returns the taxonomy kind of err, or "" when err is not an EngineError.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return IsKind(err, KindConfiguration)
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return IsKind(err, KindTimeout)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
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

// IsRetryable returns true if the error can be retried by the re-attempt path.
// Transient and throttled errors are retryable; conflicts need a human.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Sentinel errors returned by connectors and stores.
var (
	// ErrUnsupported is returned by connectors for operations they do not implement.
	ErrUnsupported = errors.New("operation not supported by connector")

	// ErrObjectNotFound is returned when an addressed remote object or identity does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrAlreadyExists is returned by connectors when a create collides with an existing object.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrConnectionBroken is returned by connectors whose underlying connection
	// can no longer be used. The pooled handle is invalidated.
	ErrConnectionBroken = errors.New("connector connection is broken")
)

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeRequiredValue = "REQUIRED_VALUE_MISSING"
	ErrCodeTranslation   = "TRANSLATION_FAILED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeUnavailable   = "CONNECTOR_UNAVAILABLE"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRejected      = "REJECTED"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeUnsupported   = "UNSUPPORTED"
)
