package jobs

import (
	"time"

	"github.com/thecodingguy1/DomainMap/scanner"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job represents a scan job with its full lifecycle state
type Job struct {
	ID            string               `json:"id"`
	Targets       []scanner.Target     `json:"targets"`
	VisitorIP     string               `json:"-"` // Don't expose in API responses
	Status        JobStatus            `json:"status"`
	QueuePosition int                  `json:"queue_position,omitempty"`
	Progress      *Progress            `json:"progress,omitempty"`
	Results       []scanner.ScanResult `json:"results,omitempty"`
	Groups        []scanner.IPGroup    `json:"groups,omitempty"`
	Summary       *scanner.Summary     `json:"summary,omitempty"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	EndedAt       *time.Time           `json:"ended_at,omitempty"`
}

// Progress represents scan progress state
type Progress struct {
	Stage   string `json:"stage"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// CreateJobRequest is the request body for creating a new job
type CreateJobRequest struct {
	Targets []string `json:"targets"`
}

// CreateJobResponse is returned when a job is successfully created
type CreateJobResponse struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	QueuePosition int       `json:"queue_position,omitempty"`
	Message       string    `json:"message"`
}

type QueueStatsResponse struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error          string   `json:"error"`
	Code           string   `json:"code,omitempty"`
	ActiveJobID    string   `json:"active_job_id,omitempty"`
	InvalidTargets []string `json:"invalid_targets,omitempty"`
}
