package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides whether a failed provider call is retried and how a
// failure is reported.
type ErrorClass string

const (
	// ErrorClassTransient failures may pass on retry: a mirror timeout, a
	// busy dpkg lock, an unreachable git remote.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled is an upstream rate limit; retries back off harder.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict is a host state conflict, such as another package
	// manager holding its lock.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent failures are never retried.
	ErrorClassPermanent ErrorClass = "permanent"
	// ErrorClassStructural rejects the declaration set before any provider
	// call.
	ErrorClassStructural ErrorClass = "structural"
)

// Retryable reports whether a failure of this class is worth retrying.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	}
	return false
}

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeGuardEvaluation     = "GUARD_EVALUATION_ERROR"
	ErrCodePolicyViolation     = "POLICY_VIOLATION"
	ErrCodeDuplicateIdentity   = "DUPLICATE_IDENTITY"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeDanglingReference   = "DANGLING_REFERENCE"
	ErrCodeUnknownResourceType = "UNKNOWN_RESOURCE_TYPE"
	ErrCodeInvalidAction       = "INVALID_ACTION"
)

// EngineError is a classified error carrying the resource and provider
// operation it happened in.
//
//nolint:revive // engine.EngineError reads better than engine.Error at call sites
type EngineError struct {
	Class     ErrorClass     `json:"class"`
	Message   string         `json:"message"`
	Code      string         `json:"code,omitempty"`
	Resource  string         `json:"resource,omitempty"`  // type[name]
	Operation string         `json:"operation,omitempty"` // observe, diff, apply or guard
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

// Error renders "[class] message: cause (resource=..., operation=...)".
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s", e.Resource)
		if e.Operation != "" {
			fmt.Fprintf(&b, ", operation=%s", e.Operation)
		}
		b.WriteByte(')')
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// WithResource sets the type[name] of the failing resource.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation sets the provider operation.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a key/value to Details.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewStructuralError reports a problem with the declaration set itself.
func NewStructuralError(message string, err error) *EngineError {
	return newError(ErrorClassStructural, message, err)
}

// ErrDuplicateIdentity reports a second declaration of the same type[name].
func ErrDuplicateIdentity(id Identity, first, second int) *EngineError {
	return NewStructuralError("duplicate declaration of "+id.String(), nil).
		WithCode(ErrCodeDuplicateIdentity).
		WithResource(id.String()).
		WithDetail("first_index", first).
		WithDetail("second_index", second)
}

// ErrCycleDetected reports a dependency cycle given as a closed path.
func ErrCycleDetected(path []Identity) *EngineError {
	ids := make([]string, len(path))
	for i := range path {
		ids[i] = path[i].String()
	}
	e := NewStructuralError("dependency cycle detected: "+strings.Join(ids, " -> "), nil).
		WithCode(ErrCodeCycleDetected).
		WithDetail("cycle", ids)
	if len(ids) > 0 {
		e.Resource = ids[0]
	}
	return e
}

// ErrDanglingReference reports a notification target that is not declared.
func ErrDanglingReference(from, to Identity) *EngineError {
	return NewStructuralError(fmt.Sprintf("%s references undeclared resource %s", from, to), nil).
		WithCode(ErrCodeDanglingReference).
		WithResource(from.String()).
		WithDetail("target", to.String())
}

// ErrUnknownResourceType reports a type with no registered provider.
func ErrUnknownResourceType(typeName string) *EngineError {
	return NewStructuralError(fmt.Sprintf("unknown resource type %q", typeName), nil).
		WithCode(ErrCodeUnknownResourceType).
		WithDetail("type", typeName)
}

// ErrInvalidAction reports an action the provider does not support.
func ErrInvalidAction(id Identity, action string, allowed []string) *EngineError {
	msg := fmt.Sprintf("action %q is not supported by %s (allowed: %s)", action, id.Type, strings.Join(allowed, ", "))
	return NewStructuralError(msg, nil).
		WithCode(ErrCodeInvalidAction).
		WithResource(id.String()).
		WithDetail("action", action)
}

// NewProviderError wraps a failed observe or apply. The class of a
// classified cause is kept; anything else is permanent.
func NewProviderError(id Identity, operation string, err error) *EngineError {
	class, ok := ClassOf(err)
	if !ok {
		class = ErrorClassPermanent
	}
	return &EngineError{
		Class:     class,
		Message:   operation + " failed",
		Code:      ErrCodeProviderFailed,
		Resource:  id.String(),
		Operation: operation,
		Err:       err,
	}
}

// NewProviderApplyError is NewProviderError for apply.
func NewProviderApplyError(id Identity, err error) *EngineError {
	return NewProviderError(id, "apply", err)
}

// NewTimeoutError reports a provider call that exceeded its timeout.
func NewTimeoutError(id Identity, operation string, err error) *EngineError {
	return NewPermanentError("provider call timed out", err).
		WithCode(ErrCodeTimeout).
		WithResource(id.String()).
		WithOperation(operation)
}

// NewGuardEvaluationError reports a guard fact that could not be observed.
func NewGuardEvaluationError(id Identity, fact string, err error) *EngineError {
	return NewPermanentError("guard fact "+fact+" could not be evaluated", err).
		WithCode(ErrCodeGuardEvaluation).
		WithResource(id.String()).
		WithOperation("guard")
}

// ClassOf returns the class of the outermost EngineError in err's chain.
func ClassOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if !errors.As(err, &e) || e.Class == "" {
		return "", false
	}
	return e.Class, true
}

func isClass(err error, class ErrorClass) bool {
	c, ok := ClassOf(err)
	return ok && c == class
}

func IsTransient(err error) bool  { return isClass(err, ErrorClassTransient) }
func IsThrottled(err error) bool  { return isClass(err, ErrorClassThrottled) }
func IsConflict(err error) bool   { return isClass(err, ErrorClassConflict) }
func IsPermanent(err error) bool  { return isClass(err, ErrorClassPermanent) }
func IsStructural(err error) bool { return isClass(err, ErrorClassStructural) }

// IsTimeout reports whether err carries ErrCodeTimeout.
func IsTimeout(err error) bool { return HasCode(err, ErrCodeTimeout) }

// IsRetryable reports whether err is transient, throttled or a conflict.
func IsRetryable(err error) bool {
	c, ok := ClassOf(err)
	return ok && c.Retryable()
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	var e *EngineError
	for errors.As(err, &e) {
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}
