package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfigurationAbsent means the scope has no configuration. Intents for
	// it are dropped silently.
	ErrConfigurationAbsent = errors.New("chat configuration absent")

	// ErrQueueSaturated means the intent queue was full at enqueue time.
	ErrQueueSaturated = errors.New("intent queue saturated")

	// ErrStorageUnavailable wraps persistence failures that survived the
	// bounded storage retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ErrorClass is recorded on outcomes to say why a dispatch did not succeed.
type ErrorClass string

const (
	ClassNone               ErrorClass = ""
	ClassThrottled          ErrorClass = "throttled"
	ClassRateLimited        ErrorClass = "rate_limited"
	ClassTransient          ErrorClass = "transient"
	ClassPermanent          ErrorClass = "permanent"
	ClassQueueSaturated     ErrorClass = "queue_saturated"
	ClassStorageUnavailable ErrorClass = "storage_unavailable"
	ClassCanceled           ErrorClass = "canceled"
	ClassConfigAbsent       ErrorClass = "configuration_absent"
	ClassInternal           ErrorClass = "internal"
)

// ThrottleError is a platform-imposed wait before the next call is accepted.
type ThrottleError struct {
	Wait time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled by platform: retry after %s", e.Wait)
}

// PlatformError is a classified failure returned by a platform adapter.
type PlatformError struct {
	Class ErrorClass
	Code  int
	Err   error
}

func (e *PlatformError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s platform error (code %d): %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s platform error: %v", e.Class, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable platform error.
func Permanent(code int, err error) error {
	return &PlatformError{Class: ClassPermanent, Code: code, Err: err}
}

// Transient wraps err as a retryable platform error.
func Transient(code int, err error) error {
	return &PlatformError{Class: ClassTransient, Code: code, Err: err}
}

// Classify maps an error returned by a ReactionSender to its class.
// Unknown errors are transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var te *ThrottleError
	if errors.As(err, &te) {
		return ClassThrottled
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return ClassStorageUnavailable
	}
	if errors.Is(err, ErrConfigurationAbsent) {
		return ClassConfigAbsent
	}
	return ClassTransient
}
