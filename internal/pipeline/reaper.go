package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/store"
)

// ReapResult reports what the reaper did for one job.
type ReapResult int

const (
	// Reaped means the job was stale and has been failed.
	Reaped ReapResult = iota
	// NotStale means the job is healthy or already finished; no action taken.
	NotStale
	// JobNotFound means no job exists with that id. Reportable, not fatal.
	JobNotFound
)

func (r ReapResult) String() string {
	switch r {
	case Reaped:
		return "reaped"
	case NotStale:
		return "not_stale"
	case JobNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Reaper detects jobs whose heartbeat silently expired and fails them.
// Every check is idempotent: the transition write is conditioned on the job
// still being processing, so re-running after a job has already failed is a
// no-op and concurrent sweeps cannot double-append the timeout entry.
type Reaper struct {
	store      store.Store
	jobTimeout time.Duration

	now func() time.Time
}

// NewReaper creates a reaper with the given job timeout.
func NewReaper(st store.Store, jobTimeout time.Duration) *Reaper {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &Reaper{store: st, jobTimeout: jobTimeout, now: time.Now}
}

// ReapJob checks one job and fails it if it is processing with no heartbeat
// for longer than the job timeout.
func (r *Reaper) ReapJob(ctx context.Context, jobID string) (ReapResult, error) {
	now := r.now().UTC()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return NotStale, err
	}
	if job == nil {
		return JobNotFound, nil
	}
	if job.Status != model.JobStatusProcessing {
		return NotStale, nil
	}

	staleBefore := now.Add(-r.jobTimeout)
	if job.LastUpdatedAt.After(staleBefore) {
		return NotStale, nil
	}

	entry := model.ErrorLogEntry{
		Context:   "reaper",
		Message:   fmt.Sprintf("job timed out after %s without progress", r.jobTimeout),
		Timestamp: now,
	}
	reaped, err := r.store.FailJobIfStale(ctx, jobID, staleBefore, now, entry)
	if err != nil {
		return NotStale, err
	}
	if !reaped {
		// Lost the race: another reaper failed it, or the job progressed.
		return NotStale, nil
	}

	zap.L().Warn("stuck job failed by reaper",
		zap.String("job_id", jobID),
		zap.Duration("job_timeout", r.jobTimeout),
		zap.Time("last_updated_at", job.LastUpdatedAt),
	)
	return Reaped, nil
}

// Sweep runs the stuck-job check across every processing job and writes a
// single audit entry for the invocation when any job was reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	jobs, err := r.store.ListProcessingJobs(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range jobs {
		result, err := r.ReapJob(ctx, job.ID)
		if err != nil {
			return reaped, err
		}
		if result == Reaped {
			reaped++
		}
	}

	if reaped > 0 {
		if err := r.store.InsertAudit(ctx, model.AuditEntry{
			Table:           "enrichment_jobs",
			ActionType:      "reaper_sweep",
			BusinessContext: fmt.Sprintf("failed %d stuck jobs past %s timeout", reaped, r.jobTimeout),
			ChangedBy:       "reaper",
			CreatedAt:       r.now().UTC(),
		}); err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}
