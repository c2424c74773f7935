// Package store persists prospect, job, audit, and ambassador state. The
// store is the single source of truth: callers re-read current lock and
// status before acting rather than caching mutable prospect state.
package store

import (
	"context"
	"time"

	"github.com/sells-group/prospect-pipeline/internal/model"
)

// ProspectFilter specifies criteria for listing prospects.
type ProspectFilter struct {
	Status        model.ProspectStatus `json:"status,omitempty"`
	MinRetryCount int                  `json:"min_retry_count,omitempty"`
	Limit         int                  `json:"limit,omitempty"`
}

// Store defines the persistence interface for the coordination core.
//
// Every mutation that depends on prior state is a single conditional
// update: the WHERE clause carries the expected lock/status so concurrent
// workers serialize on the store's row-level atomicity, never on an
// in-process mutex. All time-dependent statements take now explicitly.
type Store interface {
	// Prospects
	CreateProspect(ctx context.Context, domain, name string, now time.Time) (*model.ProspectRecord, error)
	GetProspect(ctx context.Context, id string) (*model.ProspectRecord, error)
	ListProspects(ctx context.Context, filter ProspectFilter) ([]model.ProspectRecord, error)
	ListClaimable(ctx context.Context, limit int, leaseExpiredBefore time.Time) ([]model.ProspectRecord, error)

	// ClaimProspect atomically grants a lease if the record is claimable
	// and either unlocked or holding a lease acquired at or before
	// leaseExpiredBefore. Returns false when the conditional update
	// matched no row.
	ClaimProspect(ctx context.Context, id, workerID string, leaseExpiredBefore, now time.Time) (bool, error)

	// ReleaseSuccess clears the lease and advances status to enriched,
	// only if workerID still owns it. False means the lease was already
	// reclaimed; callers treat that as a no-op.
	ReleaseSuccess(ctx context.Context, id, workerID string, now time.Time) (bool, error)

	// ReleaseFailure clears the lease, increments the retry count, stamps
	// the attempt, appends note, and either re-queues the prospect or
	// escalates it to review once the count reaches threshold. Returns
	// the resulting status; released is false when workerID no longer
	// held the lease.
	ReleaseFailure(ctx context.Context, id, workerID string, threshold int, note string, now time.Time) (status model.ProspectStatus, released bool, err error)

	// SetStatus stores an externally driven pipeline transition. The
	// update is refused in the store when the current status is terminal.
	SetStatus(ctx context.Context, id string, status model.ProspectStatus, now time.Time) error

	// ResetReviewQueue re-queues every review prospect with at least
	// minRetries failed attempts, zeroing retry state and lease fields.
	// Safe no-op when nothing qualifies.
	ResetReviewQueue(ctx context.Context, minRetries int, now time.Time) (int64, error)

	// ReleaseAllLeases clears lease fields on every locked prospect
	// without touching pipeline status.
	ReleaseAllLeases(ctx context.Context, now time.Time) (int64, error)

	// Jobs
	CreateJob(ctx context.Context, now time.Time) (*model.EnrichmentJob, error)
	// GetJob returns nil, nil when the job does not exist: not-found is a
	// reportable outcome for the reaper, not a failure.
	GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	TouchJob(ctx context.Context, id string, now time.Time) error
	CompleteJob(ctx context.Context, id string, status model.JobStatus, now time.Time) error
	AppendJobError(ctx context.Context, id string, entry model.ErrorLogEntry, now time.Time) error
	ListProcessingJobs(ctx context.Context) ([]model.EnrichmentJob, error)

	// FailJobIfStale fails the job and appends entry only if it is still
	// processing and its heartbeat is at or before staleBefore. The
	// condition lives in the write itself so concurrent reapers cannot
	// double-append.
	FailJobIfStale(ctx context.Context, id string, staleBefore, now time.Time, entry model.ErrorLogEntry) (bool, error)

	// FailAllProcessing fails every processing job with entry appended.
	FailAllProcessing(ctx context.Context, now time.Time, entry model.ErrorLogEntry) (int64, error)

	// Audit
	InsertAudit(ctx context.Context, entry model.AuditEntry) error

	// Ambassadors
	ListAmbassadorStats(ctx context.Context) ([]model.AmbassadorStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
