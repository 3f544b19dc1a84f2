// Package errors provides structured error types for the design vault.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrVerificationFailed = errors.New("persisted state could not be verified")
	ErrIO                 = errors.New("filesystem operation failed")
	ErrUpstream           = errors.New("upstream collaborator failed")
	ErrTimeout            = errors.New("operation timed out")
)

// OpError records a failed record-store operation against a path.
// It matches both its Kind sentinel and the underlying cause with errors.Is.
type OpError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Wrap builds an OpError. A nil err yields a bare Kind failure.
func Wrap(kind error, op, path string, err error) error {
	return &OpError{Op: op, Path: path, Kind: kind, Err: err}
}

// UpstreamError represents a failure of an external tool or service,
// e.g. the thumbnail renderer.
type UpstreamError struct {
	Service  string
	ExitCode int
	Message  string
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (exit %d): %s: %v", e.Service, e.ExitCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed (exit %d): %s", e.Service, e.ExitCode, e.Message)
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstream}
	}
	return []error{ErrUpstream, e.Err}
}

// NewUpstreamError creates a new upstream error.
func NewUpstreamError(service string, exitCode int, message string) *UpstreamError {
	return &UpstreamError{Service: service, ExitCode: exitCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Verification failures come from slow storage and are retryable by callers.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVerificationFailed) || errors.Is(err, ErrTimeout)
}
