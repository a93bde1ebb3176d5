package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
	"github.com/ultrazend/mailroom/internal/service/reputation"
)

// ReputationRepo implements reputation.Repository against PostgreSQL.
// Row updates are read-modify-write under row locks inside one
// transaction, so concurrent outcomes commute on the counters.
type ReputationRepo struct{ db *sql.DB }

// NewReputationRepo creates a Postgres-backed reputation repository.
func NewReputationRepo(db *sql.DB) *ReputationRepo { return &ReputationRepo{db: db} }

func (r *ReputationRepo) GetDomain(ctx context.Context, name string) (*domain.DomainReputation, error) {
	var rep domain.DomainReputation
	var tier string
	err := r.db.QueryRowContext(ctx, `
		SELECT domain, score, successful, failed, bounce_rate,
		       last_success, last_failure, tier, updated_at
		FROM mailroom_domain_reputation WHERE domain = $1
	`, name).Scan(&rep.Domain, &rep.Score, &rep.Successful, &rep.Failed,
		&rep.BounceRate, &rep.LastSuccess, &rep.LastFailure, &tier, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, reputation.ErrUnknownDomain
	}
	if err != nil {
		return nil, fmt.Errorf("get domain reputation: %w", err)
	}
	rep.Tier = domain.ReputationTier(tier)
	return &rep, nil
}

// UpsertDomain applies one outcome to the domain row under a row lock and
// returns the recomputed reputation. The score/tier/bounce-rate math
// lives in the service layer; the repo executes the mutator inside the
// transaction so the read-modify-write is atomic.
func (r *ReputationRepo) UpsertDomain(ctx context.Context, name string, mutate func(*domain.DomainReputation)) (*domain.DomainReputation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reputation tx: %w", err)
	}
	defer tx.Rollback()

	// Ensure the row exists, then lock it.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mailroom_domain_reputation (domain)
		VALUES ($1) ON CONFLICT (domain) DO NOTHING
	`, name); err != nil {
		return nil, fmt.Errorf("ensure domain row: %w", err)
	}

	var rep domain.DomainReputation
	var tier string
	err = tx.QueryRowContext(ctx, `
		SELECT domain, score, successful, failed, bounce_rate,
		       last_success, last_failure, tier, updated_at
		FROM mailroom_domain_reputation WHERE domain = $1
		FOR UPDATE
	`, name).Scan(&rep.Domain, &rep.Score, &rep.Successful, &rep.Failed,
		&rep.BounceRate, &rep.LastSuccess, &rep.LastFailure, &tier, &rep.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock domain row: %w", err)
	}
	rep.Tier = domain.ReputationTier(tier)

	mutate(&rep)

	if _, err := tx.ExecContext(ctx, `
		UPDATE mailroom_domain_reputation
		SET score = $2, successful = $3, failed = $4, bounce_rate = $5,
		    last_success = $6, last_failure = $7, tier = $8, updated_at = NOW()
		WHERE domain = $1
	`, name, rep.Score, rep.Successful, rep.Failed, rep.BounceRate,
		rep.LastSuccess, rep.LastFailure, string(rep.Tier)); err != nil {
		return nil, fmt.Errorf("update domain reputation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &rep, nil
}

// UpsertMX applies one outcome to the (mx, domain) row under a row lock.
func (r *ReputationRepo) UpsertMX(ctx context.Context, mxServer, name string, mutate func(*domain.MXServerReputation)) (*domain.MXServerReputation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mx reputation tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mailroom_mx_reputation (mx_server, domain)
		VALUES ($1, $2) ON CONFLICT (mx_server, domain) DO NOTHING
	`, mxServer, name); err != nil {
		return nil, fmt.Errorf("ensure mx row: %w", err)
	}

	var rep domain.MXServerReputation
	var reasonsJSON string
	err = tx.QueryRowContext(ctx, `
		SELECT mx_server, domain, score, successful, failed, avg_response_ms,
		       last_success, last_failure, failure_reasons::text, updated_at
		FROM mailroom_mx_reputation
		WHERE mx_server = $1 AND domain = $2
		FOR UPDATE
	`, mxServer, name).Scan(&rep.MXServer, &rep.Domain, &rep.Score,
		&rep.Successful, &rep.Failed, &rep.AvgResponseMs, &rep.LastSuccess,
		&rep.LastFailure, &reasonsJSON, &rep.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("lock mx row: %w", err)
	}
	_ = json.Unmarshal([]byte(reasonsJSON), &rep.FailureReasons)

	mutate(&rep)

	reasons, err := json.Marshal(rep.FailureReasons)
	if err != nil {
		return nil, fmt.Errorf("marshal failure reasons: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE mailroom_mx_reputation
		SET score = $3, successful = $4, failed = $5, avg_response_ms = $6,
		    last_success = $7, last_failure = $8, failure_reasons = $9,
		    updated_at = NOW()
		WHERE mx_server = $1 AND domain = $2
	`, mxServer, name, rep.Score, rep.Successful, rep.Failed,
		rep.AvgResponseMs, rep.LastSuccess, rep.LastFailure, reasons); err != nil {
		return nil, fmt.Errorf("update mx reputation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &rep, nil
}

// RecomputeWindow rebuilds a domain row's counters from the last window
// of delivery attempts. The daily sweep runs this per domain to correct
// drift between incremental updates and the attempt log.
func (r *ReputationRepo) RecomputeWindow(ctx context.Context, window time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailroom_domain_reputation dr
		SET successful = agg.ok,
		    failed = agg.bad,
		    bounce_rate = CASE WHEN agg.ok + agg.bad = 0 THEN 0
		                       ELSE agg.bounced::float / (agg.ok + agg.bad) END,
		    score = CASE WHEN agg.ok + agg.bad = 0 THEN dr.score
		                 ELSE (agg.ok::float / (agg.ok + agg.bad)) * 100 END,
		    updated_at = NOW()
		FROM (
			SELECT split_part(j.to_email, '@', 2) AS domain,
			       COUNT(*) FILTER (WHERE a.status = 'delivered') AS ok,
			       COUNT(*) FILTER (WHERE a.status <> 'delivered') AS bad,
			       COUNT(*) FILTER (WHERE a.status IN ('hard_bounce', 'policy_block')) AS bounced
			FROM mailroom_delivery_attempts a
			JOIN mailroom_delivery_jobs j ON j.id = a.job_id
			WHERE a.attempted_at > NOW() - $1::interval
			GROUP BY 1
		) agg
		WHERE dr.domain = agg.domain
	`, window.String())
	if err != nil {
		return 0, fmt.Errorf("recompute reputation window: %w", err)
	}
	n, _ := res.RowsAffected()

	// Tier follows score; keep them consistent in the same sweep.
	if _, err := r.db.ExecContext(ctx, `
		UPDATE mailroom_domain_reputation
		SET tier = CASE
			WHEN score >= 95 THEN 'excellent'
			WHEN score >= 80 THEN 'good'
			WHEN score >= 60 THEN 'warning'
			WHEN score >= 40 THEN 'poor'
			ELSE 'blocked' END
	`); err != nil {
		return n, fmt.Errorf("retier reputation: %w", err)
	}
	return n, nil
}

// PurgeAttempts deletes delivery attempts older than the retention window.
func (r *ReputationRepo) PurgeAttempts(ctx context.Context, olderThan time.Duration, batch int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM mailroom_delivery_attempts
		WHERE id IN (
			SELECT id FROM mailroom_delivery_attempts
			WHERE attempted_at < NOW() - $1::interval
			LIMIT $2
		)
	`, olderThan.String(), batch)
	if err != nil {
		return 0, fmt.Errorf("purge attempts: %w", err)
	}
	return res.RowsAffected()
}
