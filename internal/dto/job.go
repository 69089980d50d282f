package dto

import (
	"time"

	"github.com/noah-isme/docflow-api/internal/models"
)

// CreateJobRequest captures POST /jobs payload.
type CreateJobRequest struct {
	FileID     string          `json:"fileId" binding:"required,uuid"`
	ToolType   string          `json:"toolType" binding:"required,tooltype"`
	Parameters models.Metadata `json:"parameters,omitempty"`
}

// JobResponse is the public view of a processing job.
type JobResponse struct {
	ID          string          `json:"id"`
	FileID      string          `json:"fileId"`
	ToolType    string          `json:"toolType"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Queue       string          `json:"queue"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      models.Metadata `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	BatchID     *string         `json:"batchId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// JobFromModel maps a job row onto the wire shape.
func JobFromModel(job *models.Job) JobResponse {
	return JobResponse{
		ID:          job.ID,
		FileID:      job.FileID,
		ToolType:    job.ToolType,
		Status:      string(job.Status),
		Priority:    job.Priority,
		Queue:       job.QueueName,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Result:      job.Result,
		Error:       job.Error,
		BatchID:     job.BatchID,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// CreateBatchRequest captures POST /jobs/batch payload.
type CreateBatchRequest struct {
	FileIDs    []string        `json:"fileIds" binding:"required,min=1,max=50,dive,uuid"`
	ToolType   string          `json:"toolType" binding:"required,tooltype"`
	Parameters models.Metadata `json:"parameters,omitempty"`
}

// BatchResponse reports batch progress with its member jobs.
type BatchResponse struct {
	ID        string        `json:"id"`
	ToolType  string        `json:"toolType"`
	Status    string        `json:"status"`
	Total     int           `json:"total"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Progress  int           `json:"progress"`
	Jobs      []JobResponse `json:"jobs,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// BatchFromModel maps the batch header and members onto the wire shape.
func BatchFromModel(batch *models.BatchJob, jobs []models.Job) BatchResponse {
	resp := BatchResponse{
		ID:        batch.ID,
		ToolType:  batch.ToolType,
		Status:    string(batch.Status),
		Total:     batch.Total,
		Completed: batch.Completed,
		Failed:    batch.Failed,
		Progress:  batch.ProgressPercent(),
		CreatedAt: batch.CreatedAt,
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, JobFromModel(&jobs[i]))
	}
	return resp
}
