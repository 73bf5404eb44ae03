// Package engine defines the processing engine contract used by the worker pool
// and the error types that drive its retry decisions.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/media-jobs/internal/domain"
)

// Engine turns an artifact into a result. Implementations must honor ctx
// cancellation; the soft deadline arrives as the ctx deadline.
type Engine interface {
	Process(ctx context.Context, artifactRef string, params domain.Parameters) (string, error)
}

// Func adapts a plain function to Engine
type Func func(ctx context.Context, artifactRef string, params domain.Parameters) (string, error)

func (f Func) Process(ctx context.Context, artifactRef string, params domain.Parameters) (string, error) {
	return f(ctx, artifactRef, params)
}

// TransientError is a failure worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient engine error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure no retry can fix (corrupt input, unsupported format)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent engine error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
// Untyped errors are treated as transient.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Message returns the innermost message of a typed engine error, for recording on the job
func Message(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err.Error()
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Err.Error()
	}
	return err.Error()
}
