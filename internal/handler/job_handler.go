package handler

import (
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"sar-jobs/internal/apierr"
	"sar-jobs/internal/logger"
	"sar-jobs/internal/metrics"
	"sar-jobs/internal/models"
	"sar-jobs/internal/service"
)

// cleanupTokenHeader is the platform-provided header checked on the cleanup
// endpoint.
const cleanupTokenHeader = "X-Cleanup-Token"

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	orch       *service.Orchestrator
	dispatcher service.Dispatcher
	aggregator *service.Aggregator
	sweeper    *service.Sweeper
	metrics    *metrics.Metrics
	log        *logger.Logger

	cleanupToken string
}

// NewJobHandler creates a new job handler
func NewJobHandler(orch *service.Orchestrator, dispatcher service.Dispatcher, aggregator *service.Aggregator, sweeper *service.Sweeper, m *metrics.Metrics, log *logger.Logger, cleanupToken string) *JobHandler {
	return &JobHandler{
		orch:         orch,
		dispatcher:   dispatcher,
		aggregator:   aggregator,
		sweeper:      sweeper,
		metrics:      m,
		log:          log.With("component", "handler"),
		cleanupToken: cleanupToken,
	}
}

// Router builds the gin engine with all routes registered.
func (h *JobHandler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", cleanupTokenHeader},
	}))

	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/internal/cleanup", h.Cleanup)
	r.GET("/metrics", h.GetMetrics)
	r.GET("/healthz", h.Health)
	return r
}

type submitJSONRequest struct {
	SourceURL string `json:"source_url"`
	Filename  string `json:"filename"`
	JobID     string `json:"job_id"`
}

type submitResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// SubmitJob handles POST /jobs: a multipart file upload or a JSON body with
// a source URL. The job is created and handed to the configured dispatcher;
// the response carries the status as of dispatch returning, so inline
// deployments see the terminal status directly.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	req, err := h.parseSubmit(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	job, err := h.orch.Submit(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), job.ID); err != nil {
		// The job exists and carries its own terminal state; report the
		// submission with whatever status it reached.
		h.log.Warn("dispatch returned error", "job_id", job.ID, "error", err)
	}

	status := job.Status
	if view, err := h.aggregator.Fetch(c.Request.Context(), job.ID); err == nil {
		status = view.Status
	}
	c.JSON(http.StatusCreated, submitResponse{JobID: job.ID, Status: status})
}

func (h *JobHandler) parseSubmit(c *gin.Context) (*models.SubmitRequest, error) {
	contentType := c.ContentType()
	if contentType == "multipart/form-data" {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			return nil, apierr.New(apierr.KindValidation, "multipart field %q is required", "file")
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, "failed to read uploaded file", err)
		}
		if len(data) == 0 {
			return nil, apierr.New(apierr.KindValidation, "uploaded file is empty")
		}
		return &models.SubmitRequest{
			FileBytes: data,
			Filename:  header.Filename,
			JobID:     c.PostForm("job_id"),
		}, nil
	}

	var body submitJSONRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "invalid request body", err)
	}
	if body.SourceURL == "" {
		return nil, apierr.New(apierr.KindValidation, "source_url is required")
	}
	return &models.SubmitRequest{
		SourceURL: body.SourceURL,
		Filename:  body.Filename,
		JobID:     body.JobID,
	}, nil
}

// GetJob handles GET /jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		h.respondError(c, apierr.New(apierr.KindValidation, "job id is required"))
		return
	}
	view, err := h.aggregator.Fetch(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type cleanupResponse struct {
	DeletedCount int `json:"deleted_count"`
}

// Cleanup handles POST /internal/cleanup, guarded by the trusted-caller
// token header.
func (h *JobHandler) Cleanup(c *gin.Context) {
	if h.cleanupToken == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "cleanup endpoint is disabled"})
		return
	}
	got := c.GetHeader(cleanupTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.cleanupToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid cleanup token"})
		return
	}

	deleted, err := h.sweeper.Sweep(c.Request.Context(), time.Now())
	if err != nil {
		h.log.Error("cleanup sweep failed", "error", err, "deleted_before_failure", deleted)
		h.respondError(c, apierr.Wrap(apierr.KindStorage, "sweep failed", err))
		return
	}
	c.JSON(http.StatusOK, cleanupResponse{DeletedCount: deleted})
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.GetSnapshot())
}

// Health handles GET /healthz
func (h *JobHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *JobHandler) respondError(c *gin.Context, err error) {
	status := apierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
