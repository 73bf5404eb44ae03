package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when another live worker owns the job
	ErrJobAlreadyClaimed = errors.New("job already claimed by a live worker")

	// ErrJobTerminal is returned when a claim targets a completed or failed job
	ErrJobTerminal = errors.New("job already in a terminal state")

	// ErrClaimLost is returned when a write is attempted by a worker that no longer owns the job
	ErrClaimLost = errors.New("claim lost: job is not running under this owner")

	// ErrJobNotTerminal is returned when deleting a job that is still queued or running
	ErrJobNotTerminal = errors.New("job is not in a terminal state")

	// ErrStoreUnavailable wraps connectivity failures of the job store backend
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrInvalidParameters is returned when submission parameters are rejected
	ErrInvalidParameters = errors.New("invalid job parameters")
)
