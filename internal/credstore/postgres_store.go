package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists credentials in the ledger_credentials table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a credential store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Save upserts a tenant's credentials.
func (s *PostgresStore) Save(ctx context.Context, cred *Credential) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ledger_credentials (
			tenant_id, realm_id, access_token, refresh_token,
			access_expires_at, refresh_expires_at, status, last_refresh_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			realm_id           = excluded.realm_id,
			access_token       = excluded.access_token,
			refresh_token      = excluded.refresh_token,
			access_expires_at  = excluded.access_expires_at,
			refresh_expires_at = excluded.refresh_expires_at,
			status             = excluded.status,
			last_refresh_at    = excluded.last_refresh_at,
			updated_at         = NOW()
		RETURNING created_at, updated_at
	`, cred.TenantID, cred.RealmID, cred.AccessToken, cred.RefreshToken,
		nullTime(cred.AccessExpiresAt), nullTime(cred.RefreshExpiresAt),
		string(cred.Status), nullTime(cred.LastRefreshAt)).
		Scan(&cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Get loads a tenant's credentials or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*Credential, error) {
	var (
		cred                          Credential
		accessExp, refreshExp, lastRe sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, realm_id, access_token, refresh_token,
		       access_expires_at, refresh_expires_at, status, last_refresh_at,
		       created_at, updated_at
		FROM ledger_credentials
		WHERE tenant_id = $1
	`, tenantID).Scan(
		&cred.TenantID, &cred.RealmID, &cred.AccessToken, &cred.RefreshToken,
		&accessExp, &refreshExp, &cred.Status, &lastRe,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	cred.AccessExpiresAt = accessExp.Time
	cred.RefreshExpiresAt = refreshExp.Time
	cred.LastRefreshAt = lastRe.Time
	return &cred, nil
}

// SetStatus flips a tenant's credential status without touching tokens.
func (s *PostgresStore) SetStatus(ctx context.Context, tenantID string, status Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_credentials
		SET status = $2, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID, string(status))
	if err != nil {
		return fmt.Errorf("set credential status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set credential status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
