package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrNoTargets      = errors.New("at least one target is required")
	ErrTooManyTargets = errors.New("too many targets")
	ErrShuttingDown   = errors.New("job manager is shutting down")
)

// ActiveJobError is returned when visitor already has an active job
type ActiveJobError struct {
	JobID string
}

func (e *ActiveJobError) Error() string {
	return fmt.Sprintf("visitor already has an active job: %s", e.JobID)
}

// JobNotFoundError is returned when a job ID doesn't exist
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}
