package domain

import (
	"time"
)

// Status is the lifecycle state of a job
type Status string

// Job status constants
const (
	JobStatusQueued    Status = "queued"
	JobStatusRunning   Status = "running"
	JobStatusCompleted Status = "completed"
	JobStatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is absorbing
func (s Status) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// transitions lists the allowed forward edges of the state machine.
// running -> queued is a release by the claim owner (retry or hard deadline).
var transitions = map[Status][]Status{
	JobStatusQueued:  {JobStatusRunning},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusQueued, JobStatusRunning},
}

// CanTransition reports whether a job may move from one status to another.
// running -> running is a stale-claim reclaim by a new owner.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Parameters is the configuration snapshot taken at submission.
// It is never mutated after the job is created.
type Parameters struct {
	Engine   string            `json:"engine"`
	Language string            `json:"language,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
}

// ErrorKind classifies a terminal failure
type ErrorKind string

const (
	ErrorKindPermanentEngine  ErrorKind = "PermanentEngineError"
	ErrorKindRetriesExhausted ErrorKind = "RetriesExhausted"
)

// JobError is the structured error recorded on a failed job
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the persisted unit of submitted work.
type Job struct {
	ID           string
	ArtifactRef  string
	Status       Status
	Parameters   Parameters
	Result       *string
	Error        *JobError
	AttemptCount int
	MaxAttempts  int

	// ClaimOwner identifies the current claim while running.
	ClaimOwner string
	// LastError is the most recent transient failure. Never surfaced to consumers.
	LastError string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClaimedAt   *time.Time
	HeartbeatAt *time.Time
	FinishedAt  *time.Time
}

// Clone returns a deep copy so callers never share mutable state with a store
func (j *Job) Clone() *Job {
	cp := *j
	if j.Parameters.Options != nil {
		cp.Parameters.Options = make(map[string]string, len(j.Parameters.Options))
		for k, v := range j.Parameters.Options {
			cp.Parameters.Options[k] = v
		}
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	cp.ClaimedAt = cloneTime(j.ClaimedAt)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	return &cp
}

// LastSeenAt is the latest liveness signal of the current claim
func (j *Job) LastSeenAt() time.Time {
	var t time.Time
	if j.ClaimedAt != nil {
		t = *j.ClaimedAt
	}
	if j.HeartbeatAt != nil && j.HeartbeatAt.After(t) {
		t = *j.HeartbeatAt
	}
	return t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
