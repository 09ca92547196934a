package jobs

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// PostgresStore persists jobs in PostgreSQL (table sync_jobs).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, tenant_id, idempotency_key, function, args, status, attempts,
	next_eligible_at, created_at, started_at, finished_at, last_error, result`

func (p *PostgresStore) Save(ctx context.Context, job *Job) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, tenant_id, idempotency_key, function, args, status,
			attempts, next_eligible_at, created_at, started_at, finished_at, last_error, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			next_eligible_at = EXCLUDED.next_eligible_at,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			last_error = EXCLUDED.last_error,
			result = EXCLUDED.result`,
		job.ID, nullStr(job.TenantID), nullStr(job.IdempotencyKey), job.Function,
		nullBytes(job.Args), string(job.Status), job.Attempts, job.NextEligibleAt,
		job.CreatedAt, job.StartedAt, job.FinishedAt, nullStr(job.LastError),
		nullBytes(job.Result),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Job, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = "+arg(f.TenantID))
	}
	if f.Status != "" {
		conds = append(conds, "status = "+arg(string(f.Status)))
	}
	if f.Function != "" {
		conds = append(conds, "function = "+arg(f.Function))
	}
	if !f.EligibleBefore.IsZero() {
		conds = append(conds, "next_eligible_at <= "+arg(f.EligibleBefore))
	}

	q := `SELECT ` + jobColumns + ` FROM sync_jobs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	if !f.EligibleBefore.IsZero() {
		q += " ORDER BY next_eligible_at, id"
	} else {
		q += " ORDER BY created_at DESC, id"
	}
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	return scanJob(p.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE idempotency_key = $1
		ORDER BY created_at DESC, id LIMIT 1`, key))
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Reserve claims the row with a conditional UPDATE, so concurrent
// runners racing for the same job get exactly one winner.
func (p *PostgresStore) Reserve(ctx context.Context, id string, now time.Time) (*Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET status = $1, attempts = attempts + 1, started_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+jobColumns,
		string(StatusRunning), now.UTC(), id, string(StatusPending),
	))
	if errors.Is(err, ErrNotFound) {
		// Row exists but was not pending, or does not exist at all.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotPending
	}
	return j, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		tenantID, idemKey, lastError sql.NullString
		status                       string
		args, result                 []byte
		startedAt, finishedAt        sql.NullTime
	)
	err := row.Scan(&j.ID, &tenantID, &idemKey, &j.Function, &args, &status,
		&j.Attempts, &j.NextEligibleAt, &j.CreatedAt, &startedAt, &finishedAt,
		&lastError, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.TenantID = tenantID.String
	j.IdempotencyKey = idemKey.String
	j.Status = Status(status)
	j.Args = args
	j.Result = result
	j.LastError = lastError.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		j.FinishedAt = &t
	}
	return j, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*PostgresStore)(nil)
