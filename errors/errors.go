// Package errors provides the error classification and wrapping conventions
// shared by the device and broker sides of microtime.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a caller what to do with an error: retry it, drop the
// input that caused it, or stop.
type ErrorClass int

const (
	ErrorTransient ErrorClass = iota
	ErrorInvalid
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

var (
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")

	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrUplinkUnavailable  = errors.New("uplink unavailable")
	ErrPublishFailed      = errors.New("publish failed")

	ErrInvalidData   = errors.New("invalid data format")
	ErrUnknownRoute  = errors.New("unknown route")
	ErrUnknownDriver = errors.New("unknown driver")
	ErrDecodeFailed  = errors.New("payload decode failed")

	ErrSensorRead   = errors.New("sensor read failed")
	ErrSensorReinit = errors.New("sensor reinitialization failed")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrCircuitOpen        = errors.New("circuit breaker open")

	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// sentinelClass classifies bare sentinels that reach a caller unwrapped.
var sentinelClass = []struct {
	err   error
	class ErrorClass
}{
	{ErrConnectionTimeout, ErrorTransient},
	{ErrConnectionLost, ErrorTransient},
	{ErrNoConnection, ErrorTransient},
	{ErrUplinkUnavailable, ErrorTransient},
	{ErrPublishFailed, ErrorTransient},
	{ErrSensorRead, ErrorTransient},
	{ErrStorageUnavailable, ErrorTransient},
	{ErrCircuitOpen, ErrorTransient},
	{context.DeadlineExceeded, ErrorTransient},
	{context.Canceled, ErrorTransient},

	{ErrInvalidData, ErrorInvalid},
	{ErrUnknownRoute, ErrorInvalid},
	{ErrUnknownDriver, ErrorInvalid},
	{ErrDecodeFailed, ErrorInvalid},

	{ErrInvalidConfig, ErrorFatal},
	{ErrMissingConfig, ErrorFatal},
	{ErrMaxRetriesExceeded, ErrorFatal},
}

// Last resort for driver and library errors that carry no sentinel.
var (
	transientHints = []string{"timeout", "connection", "network", "temporary", "unavailable", "busy"}
	fatalHints     = []string{"fatal", "panic", "invalid config", "missing config"}
)

// ClassifiedError carries a class and the component.method that produced it.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classOf reports the class of err and whether anything decided it.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	for _, s := range sentinelClass {
		if errors.Is(err, s.err) {
			return s.class, true
		}
	}
	return ErrorTransient, false
}

func hinted(err error, hints []string) bool {
	msg := strings.ToLower(err.Error())
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// IsTransient reports whether retrying may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	return hinted(err, transientHints)
}

// IsFatal reports whether processing should stop.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return hinted(err, fatalHints)
}

// IsInvalid reports whether the input itself was bad. Only classified
// errors and known sentinels count.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	class, ok := classOf(err)
	return ok && class == ErrorInvalid
}

// Classify picks a class for err. Unrecognised errors are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if class, ok := classOf(err); ok {
		return class
	}
	if hinted(err, fatalHints) && !hinted(err, transientHints) {
		return ErrorFatal
	}
	return ErrorTransient
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as retryable.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps err as caused by bad input or configuration.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err as unrecoverable.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// Is, As, Join and New re-export the standard library helpers so callers
// import a single errors package.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
	New  = errors.New
)
