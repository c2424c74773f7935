package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-pipeline/internal/db"
	"github.com/sells-group/prospect-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest coordination paths.
var preparedStatements = map[string]string{
	"claim_prospect": `UPDATE prospects
		SET lock_owner = $1, lock_acquired_at = $2, status = 'enriching', updated_at = $2
		WHERE id = $3 AND status IN ('new', 'enriching')
		AND (lock_owner IS NULL OR lock_acquired_at <= $4)`,
	"release_success": `UPDATE prospects
		SET lock_owner = NULL, lock_acquired_at = NULL, status = 'enriched', updated_at = $1
		WHERE id = $2 AND lock_owner = $3`,
	"get_prospect": `SELECT id, domain, name, status, enrichment_retry_count, last_enrichment_attempt,
		lock_owner, lock_acquired_at, notes, created_at, updated_at FROM prospects WHERE id = $1`,
	"touch_job": `UPDATE enrichment_jobs SET last_updated_at = $1 WHERE id = $2 AND status = 'processing'`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns, minConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	if minConns <= 0 {
		minConns = 2
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS prospects (
	id                     TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	domain                 TEXT NOT NULL UNIQUE,
	name                   TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL DEFAULT 'new',
	enrichment_retry_count INTEGER NOT NULL DEFAULT 0,
	last_enrichment_attempt TIMESTAMPTZ,
	lock_owner             TEXT,
	lock_acquired_at       TIMESTAMPTZ,
	notes                  TEXT NOT NULL DEFAULT '',
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT lock_all_or_nothing CHECK (
		(lock_owner IS NULL) = (lock_acquired_at IS NULL)
	)
);

CREATE INDEX IF NOT EXISTS idx_prospects_status ON prospects(status);
CREATE INDEX IF NOT EXISTS idx_prospects_lock_owner ON prospects(lock_owner) WHERE lock_owner IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_prospects_claimable ON prospects(status, lock_acquired_at);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'processing',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	error_log       JSONB NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON enrichment_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_last_updated ON enrichment_jobs(status, last_updated_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id               TEXT PRIMARY KEY,
	table_name       TEXT NOT NULL,
	record_id        TEXT,
	action_type      TEXT NOT NULL,
	business_context TEXT NOT NULL DEFAULT '',
	changed_by       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_table_name ON audit_log(table_name);

CREATE TABLE IF NOT EXISTS ambassadors (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	signups           INTEGER NOT NULL DEFAULT 0,
	active_domains    INTEGER NOT NULL DEFAULT 0,
	leads_processed   INTEGER NOT NULL DEFAULT 0,
	revenue_recovered DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const prospectColumns = `id, domain, name, status, enrichment_retry_count, last_enrichment_attempt,
		lock_owner, lock_acquired_at, notes, created_at, updated_at`

func scanProspect(row pgx.Row) (*model.ProspectRecord, error) {
	var p model.ProspectRecord
	err := row.Scan(&p.ID, &p.Domain, &p.Name, &p.Status, &p.EnrichmentRetryCount,
		&p.LastEnrichmentAt, &p.LockOwner, &p.LockAcquiredAt, &p.Notes,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = model.NormalizeStatus(p.Status)
	return &p, nil
}

func (s *PostgresStore) CreateProspect(ctx context.Context, domain, name string, now time.Time) (*model.ProspectRecord, error) {
	id := uuid.New().String()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO prospects (id, domain, name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)`,
		id, domain, name, string(model.StatusNew), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert prospect %s", domain)
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

func (s *PostgresStore) GetProspect(ctx context.Context, id string) (*model.ProspectRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id)
	p, err := scanProspect(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get prospect %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListProspects(ctx context.Context, filter ProspectFilter) ([]model.ProspectRecord, error) {
	query := `SELECT ` + prospectColumns + ` FROM prospects WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(model.NormalizeStatus(filter.Status)))
		argIdx++
	}
	if filter.MinRetryCount > 0 {
		query += fmt.Sprintf(` AND enrichment_retry_count >= $%d`, argIdx)
		args = append(args, filter.MinRetryCount)
		argIdx++
	}
	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list prospects")
	}
	defer rows.Close()

	var prospects []model.ProspectRecord
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "postgres: list prospects iterate")
}

func (s *PostgresStore) ListClaimable(ctx context.Context, limit int, leaseExpiredBefore time.Time) ([]model.ProspectRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+prospectColumns+` FROM prospects
		 WHERE (status = 'new' AND lock_owner IS NULL)
		    OR (status = 'enriching' AND (lock_owner IS NULL OR lock_acquired_at <= $1))
		 ORDER BY created_at ASC LIMIT $2`,
		leaseExpiredBefore, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list claimable")
	}
	defer rows.Close()

	var prospects []model.ProspectRecord
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan claimable prospect")
		}
		prospects = append(prospects, *p)
	}
	return prospects, eris.Wrap(rows.Err(), "postgres: list claimable iterate")
}

// ClaimProspect is the single point where racing workers are serialized:
// one conditional UPDATE keyed on the previous lock state. An expired
// lease is treated as abandoned and stolen.
func (s *PostgresStore) ClaimProspect(ctx context.Context, id, workerID string, leaseExpiredBefore, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospects
		 SET lock_owner = $1, lock_acquired_at = $2, status = 'enriching', updated_at = $2
		 WHERE id = $3 AND status IN ('new', 'enriching')
		 AND (lock_owner IS NULL OR lock_acquired_at <= $4)`,
		workerID, now, id, leaseExpiredBefore,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim prospect %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseSuccess(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospects
		 SET lock_owner = NULL, lock_acquired_at = NULL, status = 'enriched', updated_at = $1
		 WHERE id = $2 AND lock_owner = $3`,
		now, id, workerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: release prospect %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseFailure(ctx context.Context, id, workerID string, threshold int, note string, now time.Time) (model.ProspectStatus, bool, error) {
	var status model.ProspectStatus
	err := s.pool.QueryRow(ctx,
		`UPDATE prospects
		 SET lock_owner = NULL, lock_acquired_at = NULL,
		     enrichment_retry_count = enrichment_retry_count + 1,
		     last_enrichment_attempt = $1,
		     status = CASE WHEN enrichment_retry_count + 1 >= $2 THEN 'review' ELSE 'new' END,
		     notes = notes || $3,
		     updated_at = $1
		 WHERE id = $4 AND lock_owner = $5
		 RETURNING status`,
		now, threshold, note, id, workerID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, eris.Wrapf(err, "postgres: release failed prospect %s", id)
	}
	return model.NormalizeStatus(status), true, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, status model.ProspectStatus, now time.Time) error {
	// Terminal rows accept only an idempotent rewrite of the same status.
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospects SET status = $1, updated_at = $2
		 WHERE id = $3 AND (status = $1 OR status NOT IN ('closed_won', 'closed_lost', 'not_viable'))`,
		string(status), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("prospect not updatable: %s", id)
	}
	return nil
}

func (s *PostgresStore) ResetReviewQueue(ctx context.Context, minRetries int, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospects
		 SET status = 'new', enrichment_retry_count = 0, last_enrichment_attempt = NULL,
		     lock_owner = NULL, lock_acquired_at = NULL, updated_at = $1
		 WHERE status = 'review' AND enrichment_retry_count >= $2`,
		now, minRetries,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset review queue")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ReleaseAllLeases(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prospects SET lock_owner = NULL, lock_acquired_at = NULL, updated_at = $1
		 WHERE lock_owner IS NOT NULL`,
		now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: release all leases")
	}
	return tag.RowsAffected(), nil
}

// Job methods

func (s *PostgresStore) CreateJob(ctx context.Context, now time.Time) (*model.EnrichmentJob, error) {
	id := uuid.New().String()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_jobs (id, status, started_at, last_updated_at, error_log)
		 VALUES ($1, $2, $3, $3, '[]')`,
		id, string(model.JobStatusProcessing), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.EnrichmentJob{
		ID:            id,
		Status:        model.JobStatusProcessing,
		StartedAt:     now,
		LastUpdatedAt: now,
		ErrorLog:      []model.ErrorLogEntry{},
	}, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	var errorLog []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, status, started_at, last_updated_at, completed_at, error_log
		 FROM enrichment_jobs WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.Status, &j.StartedAt, &j.LastUpdatedAt, &j.CompletedAt, &errorLog)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	if err := json.Unmarshal(errorLog, &j.ErrorLog); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job error log")
	}
	return &j, nil
}

func (s *PostgresStore) TouchJob(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET last_updated_at = $1 WHERE id = $2 AND status = 'processing'`,
		now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not processing: %s", id)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, status model.JobStatus, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET status = $1, completed_at = $2, last_updated_at = $2
		 WHERE id = $3 AND status = 'processing'`,
		string(status), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not processing: %s", id)
	}
	return nil
}

func (s *PostgresStore) AppendJobError(ctx context.Context, id string, entry model.ErrorLogEntry, now time.Time) error {
	entryJSON, err := json.Marshal([]model.ErrorLogEntry{entry})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal error entry")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET error_log = error_log || $1::jsonb, last_updated_at = $2 WHERE id = $3`,
		entryJSON, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append job error %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListProcessingJobs(ctx context.Context) ([]model.EnrichmentJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, started_at, last_updated_at, completed_at, error_log
		 FROM enrichment_jobs WHERE status = 'processing' ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list processing jobs")
	}
	defer rows.Close()

	var jobs []model.EnrichmentJob
	for rows.Next() {
		var j model.EnrichmentJob
		var errorLog []byte
		if err := rows.Scan(&j.ID, &j.Status, &j.StartedAt, &j.LastUpdatedAt, &j.CompletedAt, &errorLog); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if err := json.Unmarshal(errorLog, &j.ErrorLog); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job error log")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list processing jobs iterate")
}

// FailJobIfStale conditions the transition on the job still being
// processing at write time, so repeated or concurrent reaper invocations
// cannot double-append the timeout entry.
func (s *PostgresStore) FailJobIfStale(ctx context.Context, id string, staleBefore, now time.Time, entry model.ErrorLogEntry) (bool, error) {
	entryJSON, err := json.Marshal([]model.ErrorLogEntry{entry})
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal timeout entry")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'failed', completed_at = $1, last_updated_at = $1, error_log = error_log || $2::jsonb
		 WHERE id = $3 AND status = 'processing' AND last_updated_at <= $4`,
		now, entryJSON, id, staleBefore,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: fail stale job %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FailAllProcessing(ctx context.Context, now time.Time, entry model.ErrorLogEntry) (int64, error) {
	entryJSON, err := json.Marshal([]model.ErrorLogEntry{entry})
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal stop entry")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs
		 SET status = 'failed', completed_at = $1, last_updated_at = $1, error_log = error_log || $2::jsonb
		 WHERE status = 'processing'`,
		now, entryJSON,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail all processing jobs")
	}
	return tag.RowsAffected(), nil
}

// Audit and ambassadors

func (s *PostgresStore) InsertAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, table_name, record_id, action_type, business_context, changed_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Table, entry.RecordID, entry.ActionType,
		entry.BusinessContext, entry.ChangedBy, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert audit entry")
}

func (s *PostgresStore) ListAmbassadorStats(ctx context.Context) ([]model.AmbassadorStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, signups, active_domains, leads_processed, revenue_recovered
		 FROM ambassadors ORDER BY id ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ambassador stats")
	}
	defer rows.Close()

	var stats []model.AmbassadorStats
	for rows.Next() {
		var a model.AmbassadorStats
		if err := rows.Scan(&a.ID, &a.Name, &a.Signups, &a.ActiveDomains, &a.LeadsProcessed, &a.RevenueRecovered); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ambassador")
		}
		stats = append(stats, a)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: list ambassador stats iterate")
}
