package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-pipeline/internal/model"
)

func newTestReaper(st *memStore) (*Reaper, *time.Time) {
	now := t0
	r := NewReaper(st, 10*time.Minute)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestReapJob_FailsStaleJob(t *testing.T) {
	st := newMemStore()
	job := st.addJob(model.EnrichmentJob{
		Status:        model.JobStatusProcessing,
		StartedAt:     t0.Add(-time.Hour),
		LastUpdatedAt: t0.Add(-15 * time.Minute),
	})
	r, _ := newTestReaper(st)

	result, err := r.ReapJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, Reaped, result)

	got, _ := st.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.Len(t, got.ErrorLog, 1)
	assert.Equal(t, "reaper", got.ErrorLog[0].Context)
	assert.Contains(t, got.ErrorLog[0].Message, "timed out")
	require.NotNil(t, got.CompletedAt)
}

func TestReapJob_FreshHeartbeatLeftAlone(t *testing.T) {
	st := newMemStore()
	job := st.addJob(model.EnrichmentJob{
		Status:        model.JobStatusProcessing,
		StartedAt:     t0.Add(-time.Hour),
		LastUpdatedAt: t0.Add(-3 * time.Minute),
	})
	r, _ := newTestReaper(st)

	result, err := r.ReapJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, NotStale, result)

	got, _ := st.GetJob(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	assert.Empty(t, got.ErrorLog)
}

func TestReapJob_BoundaryExactlyAtTimeout(t *testing.T) {
	st := newMemStore()
	job := st.addJob(model.EnrichmentJob{
		Status:        model.JobStatusProcessing,
		StartedAt:     t0.Add(-time.Hour),
		LastUpdatedAt: t0.Add(-10 * time.Minute),
	})
	r, _ := newTestReaper(st)

	// A heartbeat exactly jobTimeout old counts as stale.
	result, err := r.ReapJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, Reaped, result)
}

func TestReapJob_FinishedJobsIgnored(t *testing.T) {
	st := newMemStore()
	r, _ := newTestReaper(st)

	for _, s := range []model.JobStatus{
		model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
	} {
		job := st.addJob(model.EnrichmentJob{
			Status:        s,
			StartedAt:     t0.Add(-time.Hour),
			LastUpdatedAt: t0.Add(-time.Hour),
		})
		result, err := r.ReapJob(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, NotStale, result, "status %s must not be reaped", s)
	}
}

func TestReapJob_NotFound(t *testing.T) {
	st := newMemStore()
	r, _ := newTestReaper(st)

	result, err := r.ReapJob(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, JobNotFound, result)
}

func TestReapJob_Idempotent(t *testing.T) {
	st := newMemStore()
	job := st.addJob(model.EnrichmentJob{
		Status:        model.JobStatusProcessing,
		StartedAt:     t0.Add(-time.Hour),
		LastUpdatedAt: t0.Add(-15 * time.Minute),
	})
	r, _ := newTestReaper(st)

	first, err := r.ReapJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, Reaped, first)

	// A second pass finds nothing to do and appends nothing.
	second, err := r.ReapJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, NotStale, second)

	got, _ := st.GetJob(context.Background(), job.ID)
	assert.Len(t, got.ErrorLog, 1)
}

func TestSweep_ReapsOnlyStale(t *testing.T) {
	st := newMemStore()
	stale := st.addJob(model.EnrichmentJob{
		Status: model.JobStatusProcessing, StartedAt: t0.Add(-time.Hour), LastUpdatedAt: t0.Add(-30 * time.Minute),
	})
	fresh := st.addJob(model.EnrichmentJob{
		Status: model.JobStatusProcessing, StartedAt: t0.Add(-time.Hour), LastUpdatedAt: t0.Add(-time.Minute),
	})
	done := st.addJob(model.EnrichmentJob{
		Status: model.JobStatusCompleted, StartedAt: t0.Add(-time.Hour), LastUpdatedAt: t0.Add(-time.Hour),
	})
	r, _ := newTestReaper(st)

	reaped, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, _ := st.GetJob(context.Background(), stale.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	got, _ = st.GetJob(context.Background(), fresh.ID)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	got, _ = st.GetJob(context.Background(), done.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)

	// One audit entry covering the whole sweep.
	require.Len(t, st.audits, 1)
	assert.Equal(t, "reaper_sweep", st.audits[0].ActionType)
}

func TestSweep_NothingStale_NoAudit(t *testing.T) {
	st := newMemStore()
	st.addJob(model.EnrichmentJob{
		Status: model.JobStatusProcessing, StartedAt: t0, LastUpdatedAt: t0.Add(-time.Minute),
	})
	r, _ := newTestReaper(st)

	reaped, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, reaped)
	assert.Empty(t, st.audits)
}
