package handler

import (
	"log/slog"

	"github.com/cuongbtq/media-jobs/internal/artifact"
	"github.com/cuongbtq/media-jobs/internal/config"
	"github.com/cuongbtq/media-jobs/internal/queue"
	"github.com/cuongbtq/media-jobs/internal/storage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Store       storage.Store
	Queue       queue.Queue
	Artifacts   artifact.Store
	Upload      config.UploadConfig
	Engine      config.EngineConfig
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     storage.Store
	queue     queue.Queue
	artifacts artifact.Store

	maxUploadBytes  int64
	extensions      map[string]struct{}
	maxAttempts     int
	profiles        map[string]string
	defaultProfile  string
	defaultLanguage string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	extensions := make(map[string]struct{}, len(deps.Upload.AllowedExtensions))
	for _, ext := range deps.Upload.AllowedExtensions {
		extensions[ext] = struct{}{}
	}

	return &JobHandler{
		logger:          deps.Logger,
		store:           deps.Store,
		queue:           deps.Queue,
		artifacts:       deps.Artifacts,
		maxUploadBytes:  deps.Upload.MaxSizeBytes(),
		extensions:      extensions,
		maxAttempts:     deps.Upload.MaxAttempts,
		profiles:        deps.Engine.Profiles,
		defaultProfile:  deps.Engine.DefaultProfile,
		defaultLanguage: deps.Engine.DefaultLanguage,
	}
}
