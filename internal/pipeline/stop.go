package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/store"
)

// StopResult summarizes the effect of an emergency stop.
type StopResult struct {
	JobsFailed    int64 `json:"jobs_failed"`
	LeasesCleared int64 `json:"leases_cleared"`
}

// EmergencyStop is the break-glass recovery path for a wedged worker
// fleet: it fails every in-flight job and strips every lease, whoever the
// owner. Pipeline status is deliberately untouched so no business-
// meaningful progress is lost. Safe to invoke with nothing in flight.
type EmergencyStop struct {
	store store.Store

	now func() time.Time
}

// NewEmergencyStop creates the emergency stop action.
func NewEmergencyStop(st store.Store) *EmergencyStop {
	return &EmergencyStop{store: st, now: time.Now}
}

// Execute performs the stop and writes exactly one audit entry summarizing
// the counts affected.
func (e *EmergencyStop) Execute(ctx context.Context, triggeredBy string) (StopResult, error) {
	now := e.now().UTC()

	entry := model.ErrorLogEntry{
		Context:   "emergency_stop",
		Message:   fmt.Sprintf("forcibly failed by emergency stop (triggered by %s)", triggeredBy),
		Timestamp: now,
	}
	jobsFailed, err := e.store.FailAllProcessing(ctx, now, entry)
	if err != nil {
		return StopResult{}, err
	}

	leasesCleared, err := e.store.ReleaseAllLeases(ctx, now)
	if err != nil {
		return StopResult{JobsFailed: jobsFailed}, err
	}

	result := StopResult{JobsFailed: jobsFailed, LeasesCleared: leasesCleared}

	if err := e.store.InsertAudit(ctx, model.AuditEntry{
		Table:           "enrichment_jobs",
		ActionType:      "emergency_stop",
		BusinessContext: fmt.Sprintf("failed %d jobs, cleared %d leases", jobsFailed, leasesCleared),
		ChangedBy:       triggeredBy,
		CreatedAt:       now,
	}); err != nil {
		return result, err
	}

	zap.L().Warn("emergency stop executed",
		zap.Int64("jobs_failed", jobsFailed),
		zap.Int64("leases_cleared", leasesCleared),
		zap.String("triggered_by", triggeredBy),
	)
	return result, nil
}
