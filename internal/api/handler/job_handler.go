package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/media-jobs/internal/api/dto"
	"github.com/cuongbtq/media-jobs/internal/domain"
	"github.com/cuongbtq/media-jobs/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Stores the uploaded media file, creates a queued job and enqueues its task
func (h *JobHandler) CreateJob(c *gin.Context) {
	ctx := c.Request.Context()

	// parses the multipart body, so the size limit surfaces here first
	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("file exceeds the %d MB limit", h.maxUploadBytes>>20),
			})
			return
		}
		h.badRequest(c, "file is required", err)
		return
	}

	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds the %d MB limit", h.maxUploadBytes>>20),
		})
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBind(&req); err != nil {
		h.badRequest(c, "Invalid form fields", err)
		return
	}

	params, err := h.parameters(req)
	if err != nil {
		h.badRequest(c, err.Error(), err)
		return
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	if _, ok := h.extensions[ext]; !ok {
		h.badRequest(c, fmt.Sprintf("unsupported file type %q", ext), nil)
		return
	}

	ref := artifactRef(file.Filename, time.Now())

	src, err := file.Open()
	if err != nil {
		h.internalError(c, "Failed to read upload", err)
		return
	}
	defer src.Close()

	size, err := h.artifacts.Save(ctx, ref, src)
	if err != nil {
		h.internalError(c, "Failed to store upload", err)
		return
	}

	h.logger.Info("Upload stored",
		slog.String("artifact_ref", ref),
		slog.Int64("size", size),
	)

	job := &domain.Job{
		ID:          uuid.NewString(),
		ArtifactRef: ref,
		Status:      domain.JobStatusQueued,
		Parameters:  params,
		MaxAttempts: h.maxAttempts,
	}

	// create before enqueue: a task must never point at a missing job
	if err := h.store.CreateJob(ctx, job); err != nil {
		if delErr := h.artifacts.Delete(context.WithoutCancel(ctx), ref); delErr != nil {
			h.logger.Warn("Failed to remove orphaned upload",
				slog.String("artifact_ref", ref),
				slog.String("error", delErr.Error()),
			)
		}
		h.storeError(c, "Failed to create job", err)
		return
	}

	if err := h.queue.Enqueue(ctx, job.ID); err != nil {
		// the job is durable; the reconciler enqueues it later
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("engine", params.Engine),
		slog.String("language", params.Language),
	)

	c.JSON(http.StatusAccepted, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.badRequest(c, "job_id must be a valid UUID", err)
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.storeError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional status filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, "Invalid query parameters", err)
		return
	}

	status := domain.Status(req.Status)
	if status != "" && !status.Valid() {
		h.badRequest(c, fmt.Sprintf("unknown status %q", req.Status), nil)
		return
	}

	if req.PageSize == 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize < 1 || req.PageSize > maxPageSize {
		h.badRequest(c, fmt.Sprintf("page_size must be between 1 and %d", maxPageSize), nil)
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.badRequest(c, "Invalid cursor", err)
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.storeError(c, "Failed to list jobs", err)
		return
	}

	// the store returns one extra row when another page exists
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobDTO, len(jobs)),
	}
	for i, job := range jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// parameters resolves the engine profile and language, applying defaults
func (h *JobHandler) parameters(req dto.CreateJobRequest) (domain.Parameters, error) {
	engine := strings.TrimSpace(req.Engine)
	if engine == "" {
		engine = h.defaultProfile
	}
	if _, ok := h.profiles[engine]; !ok {
		return domain.Parameters{}, fmt.Errorf("unknown engine %q", engine)
	}

	language := strings.ToLower(strings.TrimSpace(req.Language))
	if language == "" {
		language = h.defaultLanguage
	}
	if !validLanguage(language) {
		return domain.Parameters{}, fmt.Errorf("invalid language %q", req.Language)
	}

	return domain.Parameters{Engine: engine, Language: language}, nil
}

// validLanguage accepts short codes like "en", "pt" or "yue"
func validLanguage(s string) bool {
	if len(s) < 2 || len(s) > 8 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// artifactRef builds a unique, timestamp-prefixed flat file name
func artifactRef(filename string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	return fmt.Sprintf("%d_%s", now.UnixNano(), clean)
}

func (h *JobHandler) badRequest(c *gin.Context, msg string, err error) {
	attrs := []any{slog.String("path", c.Request.URL.Path), slog.String("reason", msg)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	h.logger.Warn("Rejected request", attrs...)

	c.JSON(http.StatusBadRequest, gin.H{
		"error": msg,
	})
}

func (h *JobHandler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": msg,
	})
}

// storeError maps an unreachable store to 503 and anything else to 500
func (h *JobHandler) storeError(c *gin.Context, msg string, err error) {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "job store unavailable",
		})
		return
	}
	h.internalError(c, msg, err)
}
