package router

import (
	"github.com/cuongbtq/media-jobs/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// multipartOverhead is headroom for form fields and boundaries around the file
const multipartOverhead = 1 << 20

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Upload a media file and submit a job
			jobs.POST("", BodyLimitMiddleware(deps.Upload.MaxSizeBytes()+multipartOverhead), jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with status filter and cursor pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	return r
}
