package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/store"
)

// memStore is an in-memory store.Store mirroring the conditional-update
// semantics of the SQL stores, so the coordination logic is tested against
// the same atomicity it sees in production.
type memStore struct {
	mu        sync.Mutex
	prospects map[string]*model.ProspectRecord
	jobs      map[string]*model.EnrichmentJob
	audits    []model.AuditEntry
	stats     []model.AmbassadorStats

	nextID int

	// err, when set, is returned by every subsequent call.
	err error
}

func newMemStore() *memStore {
	return &memStore{
		prospects: make(map[string]*model.ProspectRecord),
		jobs:      make(map[string]*model.EnrichmentJob),
	}
}

func (m *memStore) addProspect(p model.ProspectRecord) *model.ProspectRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		m.nextID++
		p.ID = fmt.Sprintf("p-%d", m.nextID)
	}
	if p.Status == "" {
		p.Status = model.StatusNew
	}
	cp := p
	m.prospects[cp.ID] = &cp
	return &cp
}

func (m *memStore) addJob(j model.EnrichmentJob) *model.EnrichmentJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		m.nextID++
		j.ID = fmt.Sprintf("j-%d", m.nextID)
	}
	cp := j
	m.jobs[cp.ID] = &cp
	return &cp
}

func (m *memStore) CreateProspect(_ context.Context, domain, name string, now time.Time) (*model.ProspectRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.addProspect(model.ProspectRecord{
		Domain: domain, Name: name, Status: model.StatusNew,
		CreatedAt: now, UpdatedAt: now,
	}), nil
}

func (m *memStore) GetProspect(_ context.Context, id string) (*model.ProspectRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.Status = model.NormalizeStatus(cp.Status)
	return &cp, nil
}

func (m *memStore) ListProspects(_ context.Context, filter store.ProspectFilter) ([]model.ProspectRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ProspectRecord
	for _, p := range m.prospects {
		if filter.Status != "" && model.NormalizeStatus(p.Status) != model.NormalizeStatus(filter.Status) {
			continue
		}
		if p.EnrichmentRetryCount < filter.MinRetryCount {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *memStore) ListClaimable(_ context.Context, limit int, leaseExpiredBefore time.Time) ([]model.ProspectRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ProspectRecord
	for _, p := range m.prospects {
		if len(out) >= limit && limit > 0 {
			break
		}
		unlockedNew := p.Status == model.StatusNew && p.LockOwner == nil
		// Enriching is claimable when the lease expired or was stripped
		// (emergency stop leaves the status but clears the lock).
		unheldEnriching := p.Status == model.StatusEnriching &&
			(p.LockOwner == nil ||
				(p.LockAcquiredAt != nil && !p.LockAcquiredAt.After(leaseExpiredBefore)))
		if unlockedNew || unheldEnriching {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ClaimProspect(_ context.Context, id, workerID string, leaseExpiredBefore, now time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return false, nil
	}
	if p.Status != model.StatusNew && p.Status != model.StatusEnriching {
		return false, nil
	}
	if p.LockOwner != nil && p.LockAcquiredAt.After(leaseExpiredBefore) {
		return false, nil
	}
	p.LockOwner = &workerID
	t := now
	p.LockAcquiredAt = &t
	p.Status = model.StatusEnriching
	p.UpdatedAt = now
	return true, nil
}

func (m *memStore) ReleaseSuccess(_ context.Context, id, workerID string, now time.Time) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok || p.LockOwner == nil || *p.LockOwner != workerID {
		return false, nil
	}
	p.LockOwner, p.LockAcquiredAt = nil, nil
	p.Status = model.StatusEnriched
	p.UpdatedAt = now
	return true, nil
}

func (m *memStore) ReleaseFailure(_ context.Context, id, workerID string, threshold int, note string, now time.Time) (model.ProspectStatus, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok || p.LockOwner == nil || *p.LockOwner != workerID {
		return "", false, nil
	}
	p.LockOwner, p.LockAcquiredAt = nil, nil
	p.EnrichmentRetryCount++
	t := now
	p.LastEnrichmentAt = &t
	p.Notes += note
	if p.EnrichmentRetryCount >= threshold {
		p.Status = model.StatusReview
	} else {
		p.Status = model.StatusNew
	}
	p.UpdatedAt = now
	return p.Status, true, nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status model.ProspectStatus, now time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return fmt.Errorf("prospect not updatable: %s", id)
	}
	if p.Status.IsTerminal() && p.Status != status {
		return fmt.Errorf("prospect not updatable: %s", id)
	}
	p.Status = status
	p.UpdatedAt = now
	return nil
}

func (m *memStore) ResetReviewQueue(_ context.Context, minRetries int, now time.Time) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.prospects {
		if p.Status == model.StatusReview && p.EnrichmentRetryCount >= minRetries {
			p.Status = model.StatusNew
			p.EnrichmentRetryCount = 0
			p.LastEnrichmentAt = nil
			p.LockOwner, p.LockAcquiredAt = nil, nil
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memStore) ReleaseAllLeases(_ context.Context, now time.Time) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.prospects {
		if p.LockOwner != nil {
			p.LockOwner, p.LockAcquiredAt = nil, nil
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateJob(_ context.Context, now time.Time) (*model.EnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.addJob(model.EnrichmentJob{
		Status:        model.JobStatusProcessing,
		StartedAt:     now,
		LastUpdatedAt: now,
		ErrorLog:      []model.ErrorLogEntry{},
	}), nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*model.EnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) TouchJob(_ context.Context, id string, now time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.LastUpdatedAt = now
	}
	return nil
}

func (m *memStore) CompleteJob(_ context.Context, id string, status model.JobStatus, now time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = status
		t := now
		j.CompletedAt = &t
		j.LastUpdatedAt = now
	}
	return nil
}

func (m *memStore) AppendJobError(_ context.Context, id string, entry model.ErrorLogEntry, now time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.ErrorLog = append(j.ErrorLog, entry)
		j.LastUpdatedAt = now
	}
	return nil
}

func (m *memStore) ListProcessingJobs(_ context.Context) ([]model.EnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EnrichmentJob
	for _, j := range m.jobs {
		if j.Status == model.JobStatusProcessing {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) FailJobIfStale(_ context.Context, id string, staleBefore, now time.Time, entry model.ErrorLogEntry) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobStatusProcessing || j.LastUpdatedAt.After(staleBefore) {
		return false, nil
	}
	j.Status = model.JobStatusFailed
	j.ErrorLog = append(j.ErrorLog, entry)
	t := now
	j.CompletedAt = &t
	j.LastUpdatedAt = now
	return true, nil
}

func (m *memStore) FailAllProcessing(_ context.Context, now time.Time, entry model.ErrorLogEntry) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == model.JobStatusProcessing {
			j.Status = model.JobStatusFailed
			j.ErrorLog = append(j.ErrorLog, entry)
			t := now
			j.CompletedAt = &t
			j.LastUpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertAudit(_ context.Context, entry model.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memStore) ListAmbassadorStats(_ context.Context) ([]model.AmbassadorStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }
