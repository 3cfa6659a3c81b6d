package domain

import (
	"errors"
	"fmt"
	"time"
)

// TransferError a source fetch or output upload failed. Retryable.
type TransferError struct {
	Op  string // "fetch" or "store"
	Key string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s [%s] failed: %v", e.Op, e.Key, e.Err)
}

// Unwrap return the underlying error
func (e *TransferError) Unwrap() error { return e.Err }

// InvalidOptionError a single option's parameters are unsatisfiable for the
// source. Scoped to that option, never retried, never fails siblings.
type InvalidOptionError struct {
	OptionID string
	Reason   string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("option [%s] invalid: %s", e.OptionID, e.Reason)
}

// PipelineCrashError the media transformation failed unexpectedly. Retryable
// up to the attempt bound.
type PipelineCrashError struct {
	Output string // tail of ffmpeg stderr, if any
	Err    error
}

func (e *PipelineCrashError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("pipeline crashed: %v: %s", e.Err, e.Output)
	}
	return fmt.Sprintf("pipeline crashed: %v", e.Err)
}

// Unwrap return the underlying error
func (e *PipelineCrashError) Unwrap() error { return e.Err }

// TimeoutError the job exceeded its wall-clock budget. Retryable.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job exceeded time budget of %s", e.Budget)
}

// PersistenceError a database write failed after processing. The consumer
// retries the write itself before leaving the delivery for redelivery.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed: %v", e.Err)
}

// Unwrap return the underlying error
func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether an error should drive the failed -> queued retry
// loop. Option-level semantic errors are recorded but never retried.
func Retryable(err error) bool {
	var invalid *InvalidOptionError
	if errors.As(err, &invalid) {
		return false
	}
	var transfer *TransferError
	var crash *PipelineCrashError
	var timeout *TimeoutError
	var persist *PersistenceError
	return errors.As(err, &transfer) ||
		errors.As(err, &crash) ||
		errors.As(err, &timeout) ||
		errors.As(err, &persist)
}
