package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ultrazend/mailroom/internal/domain"
)

// DKIMRepo implements dkim.Repository against PostgreSQL.
type DKIMRepo struct{ db *sql.DB }

// NewDKIMRepo creates a Postgres-backed DKIM key repository.
func NewDKIMRepo(db *sql.DB) *DKIMRepo { return &DKIMRepo{db: db} }

const dkimKeyColumns = `id, domain_id, domain, selector, private_key, public_key,
	algorithm, canonicalization, key_size, active, created_at`

func scanDKIMKey(row *sql.Row) (*domain.DKIMKey, error) {
	var k domain.DKIMKey
	err := row.Scan(&k.ID, &k.DomainID, &k.Domain, &k.Selector,
		&k.PrivateKeyPEM, &k.PublicKeyBase64, &k.Algorithm,
		&k.Canonicalization, &k.KeySize, &k.Active, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan dkim key: %w", err)
	}
	return &k, nil
}

func (r *DKIMRepo) ActiveKey(ctx context.Context, domainName string) (*domain.DKIMKey, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+dkimKeyColumns+`
		FROM mailroom_dkim_keys
		WHERE domain = $1 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`, domainName)
	return scanDKIMKey(row)
}

func (r *DKIMRepo) LatestKey(ctx context.Context, domainName string) (*domain.DKIMKey, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+dkimKeyColumns+`
		FROM mailroom_dkim_keys
		WHERE domain = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, domainName)
	return scanDKIMKey(row)
}

func (r *DKIMRepo) Reactivate(ctx context.Context, keyID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mailroom_dkim_keys SET active = true WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("reactivate dkim key: %w", err)
	}
	return nil
}

func (r *DKIMRepo) DeactivateAll(ctx context.Context, domainName string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mailroom_dkim_keys SET active = false WHERE domain = $1`, domainName)
	if err != nil {
		return fmt.Errorf("deactivate dkim keys: %w", err)
	}
	return nil
}

func (r *DKIMRepo) Insert(ctx context.Context, key *domain.DKIMKey) error {
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailroom_dkim_keys
			(id, domain_id, domain, selector, private_key, public_key,
			 algorithm, canonicalization, key_size, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, key.ID, key.DomainID, key.Domain, key.Selector, key.PrivateKeyPEM,
		key.PublicKeyBase64, key.Algorithm, key.Canonicalization,
		key.KeySize, key.Active)
	if err != nil {
		return fmt.Errorf("insert dkim key: %w", err)
	}
	return nil
}
