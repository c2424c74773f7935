package model

import "time"

// JobStatus represents the current state of an enrichment batch job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ErrorLogEntry is one structured failure note on a job's error log.
type ErrorLogEntry struct {
	Context   string    `json:"context"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// EnrichmentJob is the scheduling record for one batch run. It is distinct
// from the prospects it processes: the job's LastUpdatedAt heartbeat drives
// stuck-job detection while per-record leases drive mutual exclusion.
type EnrichmentJob struct {
	ID            string          `json:"id"`
	Status        JobStatus       `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ErrorLog      []ErrorLogEntry `json:"error_log"`
}
