package tenant

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, display_name, environment, status, realm_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.DisplayName, string(t.Environment), string(t.Status), t.RealmID,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrRealmBound
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT id, display_name, environment, status, realm_id, created_at, updated_at
		FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, display_name, environment, status, realm_id, created_at, updated_at
		FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tenants []*Tenant
	for rows.Next() {
		t := &Tenant{}
		var env, status string
		var realm sql.NullString
		if err := rows.Scan(&t.ID, &t.DisplayName, &env, &status, &realm,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Environment = Environment(env)
		t.Status = ConnectionStatus(status)
		if realm.Valid {
			t.RealmID = realm.String
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET display_name = $1, environment = $2, status = $3,
			realm_id = $4, updated_at = $5
		WHERE id = $6`,
		t.DisplayName, string(t.Environment), string(t.Status), t.RealmID,
		t.UpdatedAt, t.ID,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrRealmBound
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ConnectedIDs returns connected tenant ids ordered by id so scheduler
// passes walk tenants deterministically.
func (p *PostgresStore) ConnectedIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM tenants WHERE status = $1 ORDER BY id`,
		string(StatusConnected))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) scanTenant(row *sql.Row) (*Tenant, error) {
	t := &Tenant{}
	var (
		env, status string
		realm       sql.NullString
	)
	err := row.Scan(&t.ID, &t.DisplayName, &env, &status, &realm,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Environment = Environment(env)
	t.Status = ConnectionStatus(status)
	if realm.Valid {
		t.RealmID = realm.String
	}
	return t, nil
}

var _ Store = (*PostgresStore)(nil)
