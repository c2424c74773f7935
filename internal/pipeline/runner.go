package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/resilience"
	"github.com/sells-group/prospect-pipeline/internal/store"
)

// Enricher is the external worker capability invoked after a successful
// claim. The coordination core does not specify its internals, only that
// every attempt ends in a release with an outcome.
type Enricher interface {
	Enrich(ctx context.Context, rec model.ProspectRecord) error
}

// RunnerConfig tunes one batch run.
type RunnerConfig struct {
	BatchSize     int
	MaxConcurrent int
	ClaimsPerSec  float64
}

// RunSummary reports what one batch run did.
type RunSummary struct {
	JobID     string `json:"job_id"`
	Claimed   int    `json:"claimed"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Escalated int64  `json:"escalated"`
}

// Runner drives one enrichment batch: claim eligible records, fan the
// enricher out over them, and route every outcome back through the lease
// manager. The enricher sits behind a circuit breaker so a wedged provider
// stops consuming claims instead of burning the whole batch's retries.
type Runner struct {
	store    store.Store
	manager  *Manager
	enricher Enricher
	breaker  *resilience.CircuitBreaker
	cfg      RunnerConfig
	workerID string
}

// NewRunner creates a batch runner for workerID.
func NewRunner(st store.Store, m *Manager, e Enricher, workerID string, cfg RunnerConfig) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.ClaimsPerSec <= 0 {
		cfg.ClaimsPerSec = 10
	}
	return &Runner{
		store:    st,
		manager:  m,
		enricher: e,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("enricher circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		cfg:      cfg,
		workerID: workerID,
	}
}

// Run executes one batch. Transient store failures during the claim read
// are retried with backoff; they are never recorded against prospects.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	now := time.Now().UTC()
	job, err := r.store.CreateJob(ctx, now)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("worker_id", r.workerID))

	claimed, err := resilience.DoVal(ctx, resilience.DefaultRetryConfig(),
		func(ctx context.Context) ([]model.ProspectRecord, error) {
			return r.manager.ClaimBatch(ctx, r.workerID, r.cfg.BatchSize)
		})
	if err != nil {
		r.failJob(ctx, job.ID, "claim batch", err)
		return nil, err
	}

	log.Info("batch claimed", zap.Int("records", len(claimed)))

	summary := &RunSummary{JobID: job.ID, Claimed: len(claimed)}
	limiter := rate.NewLimiter(rate.Limit(r.cfg.ClaimsPerSec), 1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrent)

	for _, rec := range claimed {
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}

			enrichErr := r.breaker.Execute(gctx, func(ctx context.Context) error {
				return r.enricher.Enrich(ctx, rec)
			})
			if enrichErr == nil {
				if _, err := r.manager.Release(gctx, rec.ID, r.workerID, OutcomeSuccess, ""); err != nil {
					return err
				}
				atomic.AddInt64(&summary.Succeeded, 1)
			} else if errors.Is(enrichErr, resilience.ErrCircuitOpen) {
				// The provider is wedged. The record is not charged a
				// retry; its lease simply expires and the next batch
				// reclaims it.
				log.Warn("enricher circuit open, leaving record leased",
					zap.String("record_id", rec.ID))
			} else {
				status, err := r.manager.Release(gctx, rec.ID, r.workerID, OutcomeFailure, enrichErr.Error())
				if err != nil {
					return err
				}
				atomic.AddInt64(&summary.Failed, 1)
				if status == model.StatusReview {
					atomic.AddInt64(&summary.Escalated, 1)
				}
				if err := r.store.AppendJobError(gctx, job.ID, model.ErrorLogEntry{
					Context:   "enrich " + rec.Domain,
					Message:   enrichErr.Error(),
					Timestamp: time.Now().UTC(),
				}, time.Now().UTC()); err != nil {
					return err
				}
			}

			// Heartbeat so the reaper sees live progress.
			return r.store.TouchJob(gctx, job.ID, time.Now().UTC())
		})
	}

	if err := g.Wait(); err != nil {
		r.failJob(ctx, job.ID, "batch run", err)
		return summary, err
	}

	if err := r.store.CompleteJob(ctx, job.ID, model.JobStatusCompleted, time.Now().UTC()); err != nil {
		return summary, err
	}

	log.Info("batch complete",
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("failed", summary.Failed),
		zap.Int64("escalated", summary.Escalated),
	)
	return summary, nil
}

// failJob marks the job failed with a context entry. Best effort: the
// reaper will catch it if the store write fails here too.
func (r *Runner) failJob(ctx context.Context, jobID, errContext string, cause error) {
	now := time.Now().UTC()
	if err := r.store.AppendJobError(ctx, jobID, model.ErrorLogEntry{
		Context:   errContext,
		Message:   cause.Error(),
		Timestamp: now,
	}, now); err != nil {
		zap.L().Error("append job error failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := r.store.CompleteJob(ctx, jobID, model.JobStatusFailed, now); err != nil {
		zap.L().Error("fail job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}
