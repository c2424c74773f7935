package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. SQLite's
// single-writer serialization gives the conditional updates the same
// atomicity the Postgres driver gets from row locking.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prospects (
	id                     TEXT PRIMARY KEY,
	domain                 TEXT NOT NULL UNIQUE,
	name                   TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'new',
	enrichment_retry_count INTEGER NOT NULL DEFAULT 0,
	last_enrichment_attempt DATETIME,
	lock_owner             TEXT,
	lock_acquired_at       DATETIME,
	notes                  TEXT NOT NULL DEFAULT '',
	created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	CHECK ((lock_owner IS NULL) = (lock_acquired_at IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_prospects_status ON prospects(status);
CREATE INDEX IF NOT EXISTS idx_prospects_claimable ON prospects(status, lock_acquired_at);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'processing',
	started_at      DATETIME NOT NULL,
	last_updated_at DATETIME NOT NULL,
	completed_at    DATETIME,
	error_log       TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON enrichment_jobs(status);

CREATE TABLE IF NOT EXISTS audit_log (
	id               TEXT PRIMARY KEY,
	table_name       TEXT NOT NULL,
	record_id        TEXT,
	action_type      TEXT NOT NULL,
	business_context TEXT NOT NULL DEFAULT '',
	changed_by       TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ambassadors (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	signups           INTEGER NOT NULL DEFAULT 0,
	active_domains    INTEGER NOT NULL DEFAULT 0,
	leads_processed   INTEGER NOT NULL DEFAULT 0,
	revenue_recovered REAL NOT NULL DEFAULT 0
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProspectSQLite(row rowScanner) (*model.ProspectRecord, error) {
	var p model.ProspectRecord
	var status string
	var lastAttempt, lockAcquired sql.NullTime
	var lockOwner sql.NullString

	err := row.Scan(&p.ID, &p.Domain, &p.Name, &status, &p.EnrichmentRetryCount,
		&lastAttempt, &lockOwner, &lockAcquired, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Status = model.NormalizeStatus(model.ProspectStatus(status))
	if lastAttempt.Valid {
		t := lastAttempt.Time
		p.LastEnrichmentAt = &t
	}
	if lockOwner.Valid {
		o := lockOwner.String
		p.LockOwner = &o
	}
	if lockAcquired.Valid {
		t := lockAcquired.Time
		p.LockAcquiredAt = &t
	}
	return &p, nil
}

func (s *SQLiteStore) CreateProspect(ctx context.Context, domain, name string, now time.Time) (*model.ProspectRecord, error) {
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prospects (id, domain, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, domain, name, string(model.StatusNew), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert prospect %s", domain)
	}

	return &model.ProspectRecord{
		ID:        id,
		Domain:    domain,
		Name:      name,
		Status:    model.StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetProspect(ctx context.Context, id string) (*model.ProspectRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE id = ?`, id)
	p, err := scanProspectSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get prospect %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.ProspectRecord, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE true`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(model.NormalizeStatus(filter.Status)))
	}
	if filter.MinRetryCount > 0 {
		query += ` AND enrichment_retry_count >= ?`
		args = append(args, filter.MinRetryCount)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list prospects")
	}
	defer rows.Close()

	var prospects []model.ProspectRecord
	for rows.Next() {
		p, err := scanProspectSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "sqlite: list prospects iterate")
}

func (s *SQLiteStore) ListClaimable(ctx context.Context, limit int, leaseExpiredBefore time.Time) ([]model.ProspectRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prospectColumns+` FROM prospects
		 WHERE (status = 'new' AND lock_owner IS NULL)
		    OR (status = 'enriching' AND (lock_owner IS NULL OR lock_acquired_at <= ?))
		 ORDER BY created_at ASC LIMIT ?`,
		leaseExpiredBefore, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list claimable")
	}
	defer rows.Close()

	var prospects []model.ProspectRecord
	for rows.Next() {
		p, err := scanProspectSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan claimable prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "sqlite: list claimable iterate")
}

func (s *SQLiteStore) ClaimProspect(ctx context.Context, id, workerID string, leaseExpiredBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prospects
		 SET lock_owner = ?, lock_acquired_at = ?, status = 'enriching', updated_at = ?
		 WHERE id = ? AND status IN ('new', 'enriching')
		 AND (lock_owner IS NULL OR lock_acquired_at <= ?)`,
		workerID, now, now, id, leaseExpiredBefore,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim prospect %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseSuccess(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prospects
		 SET lock_owner = NULL, lock_acquired_at = NULL, status = 'enriched', updated_at = ?
		 WHERE id = ? AND lock_owner = ?`,
		now, id, workerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: release prospect %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: release rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseFailure(ctx context.Context, id, workerID string, threshold int, note string, now time.Time) (model.ProspectStatus, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE prospects
		 SET lock_owner = NULL, lock_acquired_at = NULL,
		     enrichment_retry_count = enrichment_retry_count + 1,
		     last_enrichment_attempt = ?,
		     status = CASE WHEN enrichment_retry_count + 1 >= ? THEN 'review' ELSE 'new' END,
		     notes = notes || ?,
		     updated_at = ?
		 WHERE id = ? AND lock_owner = ?
		 RETURNING status`,
		now, threshold, note, now, id, workerID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, eris.Wrapf(err, "sqlite: release failed prospect %s", id)
	}
	return model.NormalizeStatus(model.ProspectStatus(status)), true, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status model.ProspectStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prospects SET status = ?, updated_at = ?
		 WHERE id = ? AND (status = ? OR status NOT IN ('closed_won', 'closed_lost', 'not_viable'))`,
		string(status), now, id, string(status),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set status %s", id)
	}
	return checkRowsAffected(res, "prospect", id)
}

func (s *SQLiteStore) ResetReviewQueue(ctx context.Context, minRetries int, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prospects
		 SET status = 'new', enrichment_retry_count = 0, last_enrichment_attempt = NULL,
		     lock_owner = NULL, lock_acquired_at = NULL, updated_at = ?
		 WHERE status = 'review' AND enrichment_retry_count >= ?`,
		now, minRetries,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset review queue")
	}
	return rowsAffected(res, "sqlite: reset review queue")
}

func (s *SQLiteStore) ReleaseAllLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prospects SET lock_owner = NULL, lock_acquired_at = NULL, updated_at = ?
		 WHERE lock_owner IS NOT NULL`,
		now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release all leases")
	}
	return rowsAffected(res, "sqlite: release all leases")
}

// Job methods

func (s *SQLiteStore) CreateJob(ctx context.Context, now time.Time) (*model.EnrichmentJob, error) {
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_jobs (id, status, started_at, last_updated_at, error_log)
		 VALUES (?, ?, ?, ?, '[]')`,
		id, string(model.JobStatusProcessing), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.EnrichmentJob{
		ID:            id,
		Status:        model.JobStatusProcessing,
		StartedAt:     now,
		LastUpdatedAt: now,
		ErrorLog:      []model.ErrorLogEntry{},
	}, nil
}

func scanJobSQLite(row rowScanner) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	var status string
	var completedAt sql.NullTime
	var errorLog string

	err := row.Scan(&j.ID, &status, &j.StartedAt, &j.LastUpdatedAt, &completedAt, &errorLog)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(errorLog), &j.ErrorLog); err != nil {
		return nil, fmt.Errorf("unmarshal error log: %w", err)
	}
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, last_updated_at, completed_at, error_log
		 FROM enrichment_jobs WHERE id = ?`, id)
	j, err := scanJobSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) TouchJob(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET last_updated_at = ? WHERE id = ? AND status = 'processing'`,
		now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch job %s", id)
	}
	return checkRowsAffected(res, "processing job", id)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, status model.JobStatus, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, completed_at = ?, last_updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(status), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "processing job", id)
}

func (s *SQLiteStore) AppendJobError(ctx context.Context, id string, entry model.ErrorLogEntry, now time.Time) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal error entry")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs
		 SET error_log = json_insert(error_log, '$[#]', json(?)), last_updated_at = ?
		 WHERE id = ?`,
		string(entryJSON), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append job error %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) ListProcessingJobs(ctx context.Context) ([]model.EnrichmentJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, started_at, last_updated_at, completed_at, error_log
		 FROM enrichment_jobs WHERE status = 'processing' ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list processing jobs")
	}
	defer rows.Close()

	var jobs []model.EnrichmentJob
	for rows.Next() {
		j, err := scanJobSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list processing jobs iterate")
}

func (s *SQLiteStore) FailJobIfStale(ctx context.Context, id string, staleBefore, now time.Time, entry model.ErrorLogEntry) (bool, error) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal timeout entry")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'failed', completed_at = ?, last_updated_at = ?,
		     error_log = json_insert(error_log, '$[#]', json(?))
		 WHERE id = ? AND status = 'processing' AND last_updated_at <= ?`,
		now, now, string(entryJSON), id, staleBefore,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: fail stale job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: fail stale rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) FailAllProcessing(ctx context.Context, now time.Time, entry model.ErrorLogEntry) (int64, error) {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal stop entry")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'failed', completed_at = ?, last_updated_at = ?,
		     error_log = json_insert(error_log, '$[#]', json(?))
		 WHERE status = 'processing'`,
		now, now, string(entryJSON),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail all processing jobs")
	}
	return rowsAffected(res, "sqlite: fail all processing")
}

// Audit and ambassadors

func (s *SQLiteStore) InsertAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, table_name, record_id, action_type, business_context, changed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Table, entry.RecordID, entry.ActionType,
		entry.BusinessContext, entry.ChangedBy, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert audit entry")
}

func (s *SQLiteStore) ListAmbassadorStats(ctx context.Context) ([]model.AmbassadorStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, signups, active_domains, leads_processed, revenue_recovered
		 FROM ambassadors ORDER BY id ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ambassador stats")
	}
	defer rows.Close()

	var stats []model.AmbassadorStats
	for rows.Next() {
		var a model.AmbassadorStats
		if err := rows.Scan(&a.ID, &a.Name, &a.Signups, &a.ActiveDomains, &a.LeadsProcessed, &a.RevenueRecovered); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ambassador")
		}
		stats = append(stats, a)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: list ambassador stats iterate")
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}

func rowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	return n, eris.Wrapf(err, "%s: rows affected", op)
}
