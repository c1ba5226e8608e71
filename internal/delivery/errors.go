// Package delivery provides the error taxonomy shared by every delivery component.
package delivery

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// Kind classifies a delivery failure.
type Kind string

// Error kinds.
const (
	KindPermissionDenied        Kind = "permission-denied"
	KindTokenRegistrationFailed Kind = "token-registration-failed"
	KindTokenSaveFailed         Kind = "token-save-failed"
	KindSendFailed              Kind = "send-failed"
	KindInvalidToken            Kind = "invalid-token"
	KindNetworkError            Kind = "network-error"
	KindStorageError            Kind = "storage-error"
	KindDeviceUnsupported       Kind = "device-unsupported"
	KindConfigMissing           Kind = "config-missing"
	KindChannelSetupFailed      Kind = "channel-setup-failed"
	KindRateLimitExceeded       Kind = "rate-limit-exceeded"
)

// Kinds lists every error kind.
var Kinds = []Kind{
	KindPermissionDenied,
	KindTokenRegistrationFailed,
	KindTokenSaveFailed,
	KindSendFailed,
	KindInvalidToken,
	KindNetworkError,
	KindStorageError,
	KindDeviceUnsupported,
	KindConfigMissing,
	KindChannelSetupFailed,
	KindRateLimitExceeded,
}

// DefaultRetryable reports whether failures of this kind are retryable
// unless the error says otherwise.
func (k Kind) DefaultRetryable() bool {
	switch k {
	case KindPermissionDenied, KindInvalidToken, KindDeviceUnsupported, KindConfigMissing:
		return false
	default:
		return true
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Error is a classified delivery failure. It is immutable once built.
type Error struct {
	kind      Kind
	message   string
	retryable bool
	context   map[string]any
	timestamp time.Time
	cause     error
}

// Option customizes an Error at construction time.
type Option func(*Error)

// WithCause sets the underlying failure.
func WithCause(err error) Option {
	return func(e *Error) { e.cause = err }
}

// WithRetryable overrides the kind's default retryability.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = retryable }
}

// WithContext merges fields into the error context.
func WithContext(fields map[string]any) Option {
	return func(e *Error) {
		for k, v := range fields {
			e.context[k] = v
		}
	}
}

// WithField adds a single context field.
func WithField(key string, value any) Option {
	return func(e *Error) { e.context[key] = value }
}

// WithTimestamp sets the creation time. Used when rebuilding errors.
func WithTimestamp(ts time.Time) Option {
	return func(e *Error) { e.timestamp = ts }
}

// New creates a delivery error. It never fails and performs no I/O.
func New(kind Kind, message string, opts ...Option) *Error {
	e := &Error{
		kind:      kind,
		message:   message,
		retryable: kind.DefaultRetryable(),
		context:   make(map[string]any),
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap classifies err under kind. If err already is a delivery error it is
// returned unchanged.
func Wrap(err error, kind Kind, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return New(kind, message, append([]Option{WithCause(err)}, opts...)...)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

// Unwrap returns the underlying failure.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the failure kind.
func (e *Error) Kind() Kind { return e.kind }

// Message returns the failure description without the cause.
func (e *Error) Message() string { return e.message }

// IsRetryable reports whether the operation may be retried.
func (e *Error) IsRetryable() bool { return e.retryable }

// Timestamp returns the creation time.
func (e *Error) Timestamp() time.Time { return e.timestamp }

// Context returns a copy of the error context.
func (e *Error) Context() map[string]any { return maps.Clone(e.context) }

// Field returns a single context value.
func (e *Error) Field(key string) (any, bool) {
	v, ok := e.context[key]
	return v, ok
}

// As extracts a delivery error from an error chain.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsKind reports whether err carries a delivery error of the given kind.
func IsKind(err error, kind Kind) bool {
	de, ok := As(err)
	return ok && de.kind == kind
}

// IsRetryable checks whether err may be retried. Errors exposing
// IsRetryable() decide for themselves; unknown errors default to retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
