package handler

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/docflow-api/internal/dto"
	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/service"
	appErrors "github.com/noah-isme/docflow-api/pkg/errors"
	"github.com/noah-isme/docflow-api/pkg/response"
	"github.com/noah-isme/docflow-api/pkg/storage"
)

// JobHandler exposes job admission, inspection, and batch operations.
type JobHandler struct {
	jobs   *service.JobService
	files  *service.FileService
	store  storage.Gateway
	logger *zap.Logger
}

// NewJobHandler constructs the job surface.
func NewJobHandler(jobs *service.JobService, files *service.FileService, store storage.Gateway, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{jobs: jobs, files: files, store: store, logger: logger}
}

// Create handles POST /jobs.
func (h *JobHandler) Create(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid job payload"))
		return
	}

	job, err := h.jobs.CreateJob(c.Request.Context(), service.CreateJobRequest{
		FileID:     req.FileID,
		ToolType:   req.ToolType,
		Parameters: req.Parameters,
		User:       currentUser(c),
		ClientIP:   c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.JobFromModel(job))
}

// Get handles GET /jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.JobFromModel(job), nil)
}

// CreateBatch handles POST /jobs/batch.
func (h *JobHandler) CreateBatch(c *gin.Context) {
	var req dto.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid batch payload"))
		return
	}

	result, err := h.jobs.CreateBatch(c.Request.Context(), service.CreateBatchRequest{
		FileIDs:    req.FileIDs,
		ToolType:   req.ToolType,
		Parameters: req.Parameters,
		User:       currentUser(c),
		ClientIP:   c.ClientIP(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.BatchFromModel(result.Batch, result.Jobs))
}

// GetBatch handles GET /jobs/batch/:id.
func (h *JobHandler) GetBatch(c *gin.Context) {
	result, err := h.jobs.GetBatch(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.BatchFromModel(result.Batch, result.Jobs), nil)
}

// CancelBatch handles POST /jobs/batch/:id/cancel. Members already processing run
// to completion.
func (h *JobHandler) CancelBatch(c *gin.Context) {
	cancelled, err := h.jobs.CancelBatch(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"cancelled": cancelled}, nil)
}

// DownloadBatch handles GET /jobs/batch/:id/download, streaming the outputs
// of completed members as one ZIP archive.
func (h *JobHandler) DownloadBatch(c *gin.Context) {
	result, err := h.jobs.GetBatch(c.Request.Context(), currentUser(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	var completed []models.Job
	for _, job := range result.Jobs {
		if job.Status == models.JobStatusCompleted {
			completed = append(completed, job)
		}
	}
	if len(completed) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrConflict, "batch has no completed outputs yet"))
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "batch-"+result.Batch.ID+".zip"))
	c.Status(http.StatusOK)

	archive := zip.NewWriter(c.Writer)
	defer archive.Close()

	for i := range completed {
		if err := h.appendOutput(c, archive, &completed[i], i); err != nil {
			// Headers are already out; log and stop writing entries.
			h.logger.Warn("batch zip entry failed",
				zap.String("batch_id", result.Batch.ID), zap.String("job_id", completed[i].ID), zap.Error(err))
			return
		}
	}
}

func (h *JobHandler) appendOutput(c *gin.Context, archive *zip.Writer, job *models.Job, index int) error {
	file, err := h.files.Get(c.Request.Context(), job.FileID)
	if err != nil {
		return err
	}
	reader, err := h.store.Get(c.Request.Context(), file.StorageKey)
	if err != nil {
		return err
	}
	defer reader.Close()

	entry, err := archive.Create(fmt.Sprintf("%02d-%s", index+1, file.OriginalName))
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, reader)
	return err
}
