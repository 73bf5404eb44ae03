package dto

import (
	"time"

	"github.com/cuongbtq/media-jobs/internal/domain"
)

type CreateJobRequest struct {
	Engine   string `form:"engine"`
	Language string `form:"language"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ErrorDTO struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type JobDTO struct {
	JobID        string            `json:"job_id"`
	Status       string            `json:"status"`
	ArtifactRef  string            `json:"artifact_ref"`
	Parameters   domain.Parameters `json:"parameters"`
	Result       *string           `json:"result,omitempty"`
	Error        *ErrorDTO         `json:"error,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	FinishedAt   string            `json:"finished_at,omitempty"`
}

// NewJobDTO maps a job to its API shape. The result is only exposed once
// completed and the error only once failed.
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:        job.ID,
		Status:       string(job.Status),
		ArtifactRef:  job.ArtifactRef,
		Parameters:   job.Parameters,
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}

	if job.Status == domain.JobStatusCompleted && job.Result != nil {
		result := *job.Result
		out.Result = &result
	}
	if job.Status == domain.JobStatusFailed && job.Error != nil {
		out.Error = &ErrorDTO{
			Kind:    string(job.Error.Kind),
			Message: job.Error.Message,
		}
	}
	if job.FinishedAt != nil {
		out.FinishedAt = job.FinishedAt.Format(time.RFC3339)
	}

	return out
}
