// Package pipeline implements the coordination core that moves prospect
// records through enrichment: lease granting, retry escalation, stuck-job
// reaping, and the emergency stop.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/store"
)

// ClaimStatus is the outcome of a claim attempt. None of these outcomes is
// an error: batch callers skip non-granted records and continue.
type ClaimStatus int

const (
	// Claimed means the lease was granted and the record is now enriching.
	Claimed ClaimStatus = iota
	// AlreadyLocked means another worker holds a live lease.
	AlreadyLocked
	// NotEligible means the record's status keeps it out of the claim
	// path (already enriched, escalated to review, terminal, or absent).
	NotEligible
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case AlreadyLocked:
		return "already_locked"
	case NotEligible:
		return "not_eligible"
	default:
		return "unknown"
	}
}

// Outcome reports how an enrichment attempt ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Manager grants and releases per-record leases. The lease, not an
// in-process mutex, is what serializes workers: a worker that crashes
// mid-enrichment leaves the record merely leased until the duration lapses.
type Manager struct {
	store          store.Store
	leaseDuration  time.Duration
	retryThreshold int

	// now is injectable so lease expiry is deterministic in tests.
	now func() time.Time
}

// NewManager creates a lease manager.
//
// The lease duration deliberately differs from the reaper's job timeout:
// leases bound one worker's hold on one record, the job timeout bounds a
// whole batch run's heartbeat.
func NewManager(st store.Store, leaseDuration time.Duration, retryThreshold int) *Manager {
	if leaseDuration <= 0 {
		leaseDuration = 5 * time.Minute
	}
	if retryThreshold <= 0 {
		retryThreshold = 2
	}
	return &Manager{
		store:          st,
		leaseDuration:  leaseDuration,
		retryThreshold: retryThreshold,
		now:            time.Now,
	}
}

// LeaseDuration returns the configured lease duration.
func (m *Manager) LeaseDuration() time.Duration {
	return m.leaseDuration
}

// TryClaim attempts to grant workerID an exclusive lease on the record.
// The grant is a single conditional update keyed on the previous lock
// state; an expired lease is treated as abandoned and stolen. A failed
// conditional is disambiguated by a follow-up read: records in a
// non-claimable status report NotEligible, records with a live lease
// report AlreadyLocked.
func (m *Manager) TryClaim(ctx context.Context, recordID, workerID string) (ClaimStatus, error) {
	now := m.now().UTC()
	expiredBefore := now.Add(-m.leaseDuration)

	claimed, err := m.store.ClaimProspect(ctx, recordID, workerID, expiredBefore, now)
	if err != nil {
		return NotEligible, err
	}
	if claimed {
		return Claimed, nil
	}

	rec, err := m.store.GetProspect(ctx, recordID)
	if err != nil {
		return NotEligible, err
	}
	if rec == nil {
		return NotEligible, nil
	}
	switch rec.Status {
	case model.StatusNew, model.StatusEnriching:
		return AlreadyLocked, nil
	default:
		return NotEligible, nil
	}
}

// ClaimBatch claims up to limit eligible records for workerID, skipping
// records lost to racing workers.
func (m *Manager) ClaimBatch(ctx context.Context, workerID string, limit int) ([]model.ProspectRecord, error) {
	now := m.now().UTC()
	candidates, err := m.store.ListClaimable(ctx, limit, now.Add(-m.leaseDuration))
	if err != nil {
		return nil, err
	}

	var claimed []model.ProspectRecord
	for _, rec := range candidates {
		status, err := m.TryClaim(ctx, rec.ID, workerID)
		if err != nil {
			return claimed, err
		}
		if status != Claimed {
			zap.L().Debug("skipping record",
				zap.String("record_id", rec.ID),
				zap.String("claim_status", status.String()),
			)
			continue
		}
		rec.Status = model.StatusEnriching
		rec.LockOwner = &workerID
		rec.LockAcquiredAt = &now
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

// Release ends workerID's hold on the record. On success the record
// advances to enriched. On failure the retry policy applies: below the
// threshold the record re-queues for the next batch, at or past it the
// record escalates to review and leaves the automatic claim path until
// reset. Releasing a lease the worker no longer owns is a no-op — the
// lease already expired and was reclaimed.
func (m *Manager) Release(ctx context.Context, recordID, workerID string, outcome Outcome, failureReason string) (model.ProspectStatus, error) {
	now := m.now().UTC()

	if outcome == OutcomeSuccess {
		released, err := m.store.ReleaseSuccess(ctx, recordID, workerID, now)
		if err != nil {
			return "", err
		}
		if !released {
			zap.L().Warn("release of lost lease ignored",
				zap.String("record_id", recordID),
				zap.String("worker_id", workerID),
			)
			return "", nil
		}
		return model.StatusEnriched, nil
	}

	note := fmt.Sprintf("\n[%s] enrichment failed (worker %s): %s",
		now.Format(time.RFC3339), workerID, failureReason)
	status, released, err := m.store.ReleaseFailure(ctx, recordID, workerID, m.retryThreshold, note, now)
	if err != nil {
		return "", err
	}
	if !released {
		zap.L().Warn("release of lost lease ignored",
			zap.String("record_id", recordID),
			zap.String("worker_id", workerID),
		)
		return "", nil
	}
	if status == model.StatusReview {
		zap.L().Info("prospect escalated to review",
			zap.String("record_id", recordID),
			zap.Int("retry_threshold", m.retryThreshold),
		)
	}
	return status, nil
}

// Transition stores an externally driven pipeline move after checking the
// state machine. Same-status writes are idempotent no-ops at the store.
func (m *Manager) Transition(ctx context.Context, recordID string, to model.ProspectStatus) error {
	rec, err := m.store.GetProspect(ctx, recordID)
	if err != nil {
		return err
	}
	if rec == nil {
		return eris.Errorf("prospect not found: %s", recordID)
	}
	if !model.CanTransition(rec.Status, to) {
		return eris.Errorf("illegal transition %s -> %s for %s", rec.Status, to, recordID)
	}
	return m.store.SetStatus(ctx, recordID, model.NormalizeStatus(to), m.now().UTC())
}

// ResetReviewQueue re-queues every escalated prospect whose retry count
// reached the threshold, zeroing retry state and lease fields, and writes
// one audit entry for the whole invocation. Invoking it when nothing
// qualifies is a safe no-op returning zero.
func (m *Manager) ResetReviewQueue(ctx context.Context, requestedBy string) (int64, error) {
	now := m.now().UTC()
	count, err := m.store.ResetReviewQueue(ctx, m.retryThreshold, now)
	if err != nil {
		return 0, err
	}

	if err := m.store.InsertAudit(ctx, model.AuditEntry{
		Table:           "prospects",
		ActionType:      "reset_review_queue",
		BusinessContext: fmt.Sprintf("re-queued %d prospects from review", count),
		ChangedBy:       requestedBy,
		CreatedAt:       now,
	}); err != nil {
		return count, err
	}

	zap.L().Info("review queue reset",
		zap.Int64("affected", count),
		zap.String("requested_by", requestedBy),
	)
	return count, nil
}
