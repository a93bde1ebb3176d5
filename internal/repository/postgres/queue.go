package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ultrazend/mailroom/internal/domain"
)

// Sentinel errors surfaced by the queue, aliased from the domain
// package so callers never import this one for error checks.
var (
	ErrDuplicateMessage = domain.ErrDuplicateMessage
	ErrJobNotFound      = domain.ErrJobNotFound
)

// QueueRepo implements the durable outbound queue against PostgreSQL.
// ClaimPending provides mutual exclusion over any single job via
// FOR UPDATE SKIP LOCKED, so multiple schedulers are safe.
type QueueRepo struct{ db *sql.DB }

// NewQueueRepo creates a Postgres-backed queue repository.
func NewQueueRepo(db *sql.DB) *QueueRepo { return &QueueRepo{db: db} }

// Enqueue inserts a new pending job. Fails with ErrDuplicateMessage when
// the message-id is already taken.
func (r *QueueRepo) Enqueue(ctx context.Context, job *domain.DeliveryJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	headers, err := json.Marshal(job.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO mailroom_delivery_jobs
			(id, message_id, tenant_id, campaign_id, from_email, to_email,
			 subject, text_body, html_body, headers, state, priority, next_attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, NOW())
	`, job.ID, job.MessageID, job.TenantID, job.CampaignID, job.FromEmail,
		job.ToEmail, job.Subject, job.TextBody, job.HTMLBody, headers, job.Priority)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimPending atomically claims up to limit due jobs for one tenant:
// within a single transaction it selects pending rows with
// next_attempt <= now ordered by priority desc, created_at asc, and moves
// them to processing with last_attempt=now and attempts incremented.
func (r *QueueRepo) ClaimPending(ctx context.Context, tenantID string, limit int) ([]domain.DeliveryJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			UPDATE mailroom_delivery_jobs
			SET state = 'processing',
			    last_attempt = NOW(),
			    attempts = attempts + 1
			WHERE id IN (
				SELECT id FROM mailroom_delivery_jobs
				WHERE tenant_id = $1
				  AND state = 'pending'
				  AND next_attempt <= NOW()
				ORDER BY priority DESC, created_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, message_id, tenant_id, campaign_id, from_email, to_email,
			          subject, text_body, html_body, headers::text, priority,
			          attempts, last_attempt, created_at
		)
		SELECT * FROM claimed
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DeliveryJob
	for rows.Next() {
		var j domain.DeliveryJob
		var headersJSON string
		if err := rows.Scan(&j.ID, &j.MessageID, &j.TenantID, &j.CampaignID,
			&j.FromEmail, &j.ToEmail, &j.Subject, &j.TextBody, &j.HTMLBody,
			&headersJSON, &j.Priority, &j.Attempts, &j.LastAttempt, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		j.State = domain.JobProcessing
		if headersJSON != "" && headersJSON != "{}" {
			_ = json.Unmarshal([]byte(headersJSON), &j.Headers)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// OutcomeRecord captures the transition applied by RecordOutcome.
type OutcomeRecord struct {
	// State is the target job state: delivered, bounced, failed, or
	// pending for a rescheduled retry.
	State domain.JobState
	// NextAttempt must be set when State is pending, nil otherwise.
	NextAttempt          *time.Time
	Class                domain.OutcomeClass
	DeliveryTimeMs       int64
	MXServer             string
	LastError            string
	BounceClassification string
	RawReport            string
}

// RecordOutcome applies the attempt result in one transaction: the job
// row moves to its new state and an append-only attempt row is written.
func (r *QueueRepo) RecordOutcome(ctx context.Context, jobID string, rec OutcomeRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	switch rec.State {
	case domain.JobDelivered:
		res, err = tx.ExecContext(ctx, `
			UPDATE mailroom_delivery_jobs
			SET state = 'delivered', next_attempt = NULL, delivered_at = NOW(),
			    delivery_time_ms = $2, last_error = '', raw_delivery_report = $3
			WHERE id = $1 AND state = 'processing'
		`, jobID, rec.DeliveryTimeMs, rec.RawReport)
	case domain.JobPending:
		if rec.NextAttempt == nil {
			return fmt.Errorf("reschedule without next_attempt for job %s", jobID)
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE mailroom_delivery_jobs
			SET state = 'pending', next_attempt = $2, last_error = $3,
			    raw_delivery_report = $4
			WHERE id = $1 AND state = 'processing'
		`, jobID, *rec.NextAttempt, rec.LastError, rec.RawReport)
	default:
		res, err = tx.ExecContext(ctx, `
			UPDATE mailroom_delivery_jobs
			SET state = $2, next_attempt = NULL, last_error = $3,
			    bounce_classification = $4, raw_delivery_report = $5
			WHERE id = $1 AND state = 'processing'
		`, jobID, string(rec.State), rec.LastError, rec.BounceClassification, rec.RawReport)
	}
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mailroom_delivery_attempts
			(id, job_id, status, delivery_time_ms, mx_server, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), jobID, string(rec.Class), rec.DeliveryTimeMs,
		rec.MXServer, rec.LastError)
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}

	return tx.Commit()
}

// PendingTenants returns the distinct tenant ids with at least one due
// pending job.
func (r *QueueRepo) PendingTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id FROM mailroom_delivery_jobs
		WHERE state = 'pending' AND next_attempt <= NOW()
	`)
	if err != nil {
		return nil, fmt.Errorf("pending tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SweepInflight requeues processing jobs whose last_attempt is older than
// threshold. Workers that crashed mid-attempt leave jobs behind in
// processing; this returns them to pending so no job leaks past the
// inflight window.
func (r *QueueRepo) SweepInflight(ctx context.Context, threshold time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailroom_delivery_jobs
		SET state = 'pending', next_attempt = NOW()
		WHERE state = 'processing'
		  AND last_attempt < NOW() - $1::interval
	`, threshold.String())
	if err != nil {
		return 0, fmt.Errorf("inflight sweep: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseProcessing persists all processing jobs back to pending with a
// small scheduling jitter. Used on graceful shutdown after the drain
// timeout expires.
func (r *QueueRepo) ReleaseProcessing(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailroom_delivery_jobs
		SET state = 'pending',
		    next_attempt = NOW() + (random() * interval '10 seconds')
		WHERE state = 'processing'
	`)
	if err != nil {
		return 0, fmt.Errorf("release processing: %w", err)
	}
	return res.RowsAffected()
}

// Cancel transitions a non-terminal job owned by tenantID to
// failed(reason="cancelled"). Returns false when the job is terminal,
// processing, or not owned by the tenant. Processing jobs finish their
// in-flight attempt first; the deliverer applies the cancel afterwards.
func (r *QueueRepo) Cancel(ctx context.Context, tenantID, jobID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailroom_delivery_jobs
		SET state = 'failed', next_attempt = NULL, last_error = 'cancelled'
		WHERE id = $1 AND tenant_id = $2 AND state IN ('pending', 'deferred')
	`, jobID, tenantID)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkCancelRequested flags a processing job so the deliverer finishes the
// in-flight attempt and then fails it with reason "cancelled".
func (r *QueueRepo) MarkCancelRequested(ctx context.Context, tenantID, jobID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailroom_delivery_jobs
		SET last_error = 'cancel_requested'
		WHERE id = $1 AND tenant_id = $2 AND state = 'processing'
	`, jobID, tenantID)
	if err != nil {
		return false, fmt.Errorf("mark cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get fetches one job by id.
func (r *QueueRepo) Get(ctx context.Context, jobID string) (*domain.DeliveryJob, error) {
	var j domain.DeliveryJob
	var headersJSON string
	var state string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, message_id, tenant_id, campaign_id, from_email, to_email,
		       subject, text_body, html_body, headers::text, state, priority,
		       attempts, last_attempt, next_attempt, delivered_at,
		       delivery_time_ms, last_error, bounce_classification, created_at
		FROM mailroom_delivery_jobs WHERE id = $1
	`, jobID).Scan(&j.ID, &j.MessageID, &j.TenantID, &j.CampaignID, &j.FromEmail,
		&j.ToEmail, &j.Subject, &j.TextBody, &j.HTMLBody, &headersJSON, &state,
		&j.Priority, &j.Attempts, &j.LastAttempt, &j.NextAttempt, &j.DeliveredAt,
		&j.DeliveryTimeMs, &j.LastError, &j.BounceClassification, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.State = domain.JobState(state)
	if headersJSON != "" && headersJSON != "{}" {
		_ = json.Unmarshal([]byte(headersJSON), &j.Headers)
	}
	return &j, nil
}

// Stats returns per-state counts and the average delivery time for a
// tenant's jobs created in the last 24 hours.
func (r *QueueRepo) Stats(ctx context.Context, tenantID string) (*domain.TenantStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state, COUNT(*), COALESCE(AVG(NULLIF(delivery_time_ms, 0)), 0)
		FROM mailroom_delivery_jobs
		WHERE tenant_id = $1 AND created_at > NOW() - INTERVAL '24 hours'
		GROUP BY state
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.TenantStats{ByState: make(map[string]int64)}
	var deliveredAvg float64
	for rows.Next() {
		var state string
		var count int64
		var avg float64
		if err := rows.Scan(&state, &count, &avg); err != nil {
			return nil, err
		}
		stats.ByState[state] = count
		stats.AcceptedLast24 += count
		if state == string(domain.JobDelivered) {
			deliveredAvg = avg
		}
	}
	stats.AvgDeliveryMs = deliveredAvg
	return stats, rows.Err()
}

// CountByState returns the global number of jobs in each state. Feeds
// the queue depth gauge.
func (r *QueueRepo) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM mailroom_delivery_jobs GROUP BY state
	`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// PurgeTerminal batch-deletes terminal jobs older than the retention
// window. Returns rows removed in this batch.
func (r *QueueRepo) PurgeTerminal(ctx context.Context, olderThan time.Duration, batch int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM mailroom_delivery_jobs
		WHERE id IN (
			SELECT id FROM mailroom_delivery_jobs
			WHERE state IN ('delivered', 'failed', 'bounced')
			  AND created_at < NOW() - $1::interval
			LIMIT $2
		)
	`, olderThan.String(), batch)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// WriteInbox appends a delivered message to the local inbox table for
// recipients on locally hosted domains.
func (r *QueueRepo) WriteInbox(ctx context.Context, job *domain.DeliveryJob) error {
	body := job.HTMLBody
	if body == "" {
		body = job.TextBody
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailroom_inbox_messages (id, recipient, message_id, from_email, subject, body)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), job.ToEmail, job.MessageID, job.FromEmail, job.Subject, body)
	if err != nil {
		return fmt.Errorf("write inbox: %w", err)
	}
	return nil
}
