package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
)

const jobColumns = `id, tenant_id, tenant_name, database_name, subdomain, admin_email, admin_password_hash,
       requested_plan, status, pipeline_state, attempt, run_at, last_error, created_at, updated_at, completed_at`

// JobRepository persists provisioning jobs and their step logs.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.ProvisioningJob, error) {
	job := &model.ProvisioningJob{}
	err := row.Scan(
		&job.ID, &job.TenantID, &job.TenantName, &job.DatabaseName, &job.Subdomain,
		&job.AdminEmail, &job.AdminPasswordHash, &job.RequestedPlan, &job.Status,
		&job.PipelineState, &job.Attempt, &job.RunAt, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Create inserts a new queued job. Duplicate subdomains or database names
// among non-failed jobs surface as a KindConstraint error.
func (r *JobRepository) Create(ctx context.Context, job *model.ProvisioningJob) error {
	query := `
		INSERT INTO provisioning_jobs (id, tenant_id, tenant_name, database_name, subdomain, admin_email,
		                               admin_password_hash, requested_plan, status, pipeline_state, attempt, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.TenantID == uuid.Nil {
		job.TenantID = uuid.New()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	job.Status = model.JobQueued
	job.PipelineState = model.StatePending

	err := r.db.QueryRowContext(ctx, query,
		job.ID, job.TenantID, job.TenantName, job.DatabaseName, job.Subdomain, job.AdminEmail,
		job.AdminPasswordHash, job.RequestedPlan, job.Status, job.PipelineState, job.Attempt, job.RunAt,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	return classify("create job", err)
}

// Get retrieves a job by ID
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*model.ProvisioningJob, error) {
	query := `SELECT ` + jobColumns + ` FROM provisioning_jobs WHERE id = $1`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("get job", err)
	}
	return job, nil
}

// NameTaken reports whether a subdomain or database name is held by a
// non-failed job or by any registry entry, case-insensitively. Entries in
// error keep their names because their database is never dropped.
func (r *JobRepository) NameTaken(ctx context.Context, subdomain, databaseName string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM provisioning_jobs
			WHERE status <> 'failed' AND (lower(subdomain) = lower($1) OR lower(database_name) = lower($2))
		) OR EXISTS (
			SELECT 1 FROM tenant_registry
			WHERE lower(subdomain) = lower($1) OR lower(database_name) = lower($2)
		)
	`
	var taken bool
	if err := r.db.QueryRowContext(ctx, query, subdomain, databaseName).Scan(&taken); err != nil {
		return false, classify("name taken", err)
	}
	return taken, nil
}

// Claim moves a queued job to running and returns it. A job that is not
// queued (already claimed, completed or failed) yields a KindNoRows error.
func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID) (*model.ProvisioningJob, error) {
	query := `
		UPDATE provisioning_jobs
		SET status = 'running', pipeline_state = 'PENDING', updated_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + jobColumns
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, classify("claim job", err)
	}
	return job, nil
}

// RecordStep appends a provisioning log row and moves the job's pipeline
// state, in one transaction.
func (r *JobRepository) RecordStep(ctx context.Context, jobID, tenantID uuid.UUID, state model.PipelineState, status string, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("record step", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO provisioning_logs (job_id, tenant_id, step, status, details, created_at)
              VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, query, jobID, tenantID, state, status, string(detailsJSON), time.Now()); err != nil {
		return classify("record step", err)
	}

	query = `UPDATE provisioning_jobs SET pipeline_state = $2, updated_at = now() WHERE id = $1 AND status = 'running'`
	if _, err := tx.ExecContext(ctx, query, jobID, state); err != nil {
		return classify("record step", err)
	}
	return classify("record step", tx.Commit())
}

// Complete marks a running job completed. Completing an already completed
// job is a no-op.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE provisioning_jobs
		SET status = 'completed', pipeline_state = 'COMPLETED', last_error = NULL,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	return r.transition(ctx, "complete job", id, model.JobCompleted, query, id)
}

// ScheduleRetry puts a running job back in the queue with its attempt
// counter incremented, the error recorded and runAt as the earliest start.
func (r *JobRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, lastErr string, runAt time.Time) error {
	query := `
		UPDATE provisioning_jobs
		SET status = 'queued', pipeline_state = 'FAILED', attempt = attempt + 1,
		    last_error = $2, run_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	return r.transition(ctx, "schedule retry", id, "", query, id, lastErr, runAt)
}

// Fail marks a running job permanently failed. The row is kept.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, lastErr string) error {
	query := `
		UPDATE provisioning_jobs
		SET status = 'failed', pipeline_state = 'FAILED', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'
	`
	return r.transition(ctx, "fail job", id, model.JobFailed, query, id, lastErr)
}

// Release returns a running job to the queue without consuming an attempt.
// It is used when the process shuts down mid-job.
func (r *JobRepository) Release(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE provisioning_jobs SET status = 'queued', updated_at = now() WHERE id = $1 AND status = 'running'`
	return r.transition(ctx, "release job", id, model.JobQueued, query, id)
}

// Touch refreshes updated_at of a running job so the reconciler does not
// take it for abandoned.
func (r *JobRepository) Touch(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE provisioning_jobs SET updated_at = now() WHERE id = $1 AND status = 'running'`
	return r.transition(ctx, "touch job", id, "", query, id)
}

// transition runs a conditional single-row update. When no row matches and
// the job is already in idempotentStatus, it succeeds.
func (r *JobRepository) transition(ctx context.Context, op string, id uuid.UUID, idempotentStatus model.JobStatus, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if rows > 0 {
		return nil
	}
	if idempotentStatus != "" {
		var status model.JobStatus
		err := r.db.QueryRowContext(ctx, `SELECT status FROM provisioning_jobs WHERE id = $1`, id).Scan(&status)
		if err != nil {
			return classify(op, err)
		}
		if status == idempotentStatus {
			return nil
		}
	}
	return NoRows(op)
}

// Resumable resets running jobs not touched since staleBefore to queued and
// returns every queued job due at now. Callers push the ids back on the queue.
func (r *JobRepository) Resumable(ctx context.Context, now, staleBefore time.Time) ([]uuid.UUID, error) {
	reset := `UPDATE provisioning_jobs SET status = 'queued', updated_at = now() WHERE status = 'running' AND updated_at < $1`
	if _, err := r.db.ExecContext(ctx, reset, staleBefore); err != nil {
		return nil, classify("reset stale jobs", err)
	}

	query := `SELECT id FROM provisioning_jobs WHERE status = 'queued' AND run_at <= $1 ORDER BY created_at LIMIT 500`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, classify("list resumable jobs", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, classify("list resumable jobs", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("list resumable jobs", rows.Err())
}

// Logs returns the provisioning log of a job in insertion order.
func (r *JobRepository) Logs(ctx context.Context, jobID uuid.UUID) ([]model.ProvisioningLog, error) {
	query := `SELECT id, job_id, tenant_id, step, status, details, created_at
              FROM provisioning_logs WHERE job_id = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, classify("list logs", err)
	}
	defer rows.Close()

	logs := []model.ProvisioningLog{}
	for rows.Next() {
		var (
			entry   model.ProvisioningLog
			details []byte
		)
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.TenantID, &entry.Step, &entry.Status, &details, &entry.CreatedAt); err != nil {
			return nil, classify("list logs", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, err
			}
		}
		logs = append(logs, entry)
	}
	return logs, classify("list logs", rows.Err())
}
