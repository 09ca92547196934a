package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/txlog"
)

// PostgresStore implements Store with PostgreSQL. Upserts and their log
// records share one serializable transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func (s *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// appendLog writes rec through tx when rec is non-nil and stores the new
// entry id in res.
func appendLog(ctx context.Context, tx *sql.Tx, rec *txlog.Record, res *UpsertResult) error {
	if rec == nil {
		return nil
	}
	if err := txlog.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	res.LogEntryID = rec.ID
	return nil
}

// --- Bills ---

const billColumns = `id, tenant_id, external_id, sync_token, vendor_external_id, vendor_name,
	doc_number, txn_date, due_date, amount_cents, balance_cents, memo, is_active,
	approved_at, approved_by, source_created_at, source_updated_at, last_synced_at,
	created_at, updated_at`

func scanBill(sc rowScanner) (*Bill, error) {
	b := &Bill{}
	var txnDate, dueDate, approvedAt, srcCreated, srcUpdated sql.NullTime
	if err := sc.Scan(&b.ID, &b.TenantID, &b.ExternalID, &b.SyncToken, &b.VendorExternalID,
		&b.VendorName, &b.DocNumber, &txnDate, &dueDate, &b.AmountCents, &b.BalanceCents,
		&b.Memo, &b.IsActive, &approvedAt, &b.ApprovedBy, &srcCreated, &srcUpdated,
		&b.LastSyncedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.TxnDate = txnDate.Time
	b.DueDate = dueDate.Time
	b.SourceCreatedAt = srcCreated.Time
	b.SourceUpdatedAt = srcUpdated.Time
	if approvedAt.Valid {
		t := approvedAt.Time
		b.ApprovedAt = &t
	}
	return b, nil
}

func getBillQ(ctx context.Context, q txlog.Querier, scope Scope, externalID string) (*Bill, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+billColumns+` FROM mirror_bills
		WHERE tenant_id = $1 AND external_id = $2
	`, scope.TenantID(), externalID)
	b, err := scanBill(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bill: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) UpsertBill(ctx context.Context, scope Scope, b *Bill, rec *txlog.Record) (*Bill, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if b.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: bill missing external id")
	}
	b.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	var approvedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_bills
			(tenant_id, external_id, sync_token, vendor_external_id, vendor_name, doc_number,
			 txn_date, due_date, amount_cents, balance_cents, memo, is_active,
			 source_created_at, source_updated_at, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			sync_token         = excluded.sync_token,
			vendor_external_id = excluded.vendor_external_id,
			vendor_name        = excluded.vendor_name,
			doc_number         = excluded.doc_number,
			txn_date           = excluded.txn_date,
			due_date           = excluded.due_date,
			amount_cents       = excluded.amount_cents,
			balance_cents      = excluded.balance_cents,
			memo               = excluded.memo,
			is_active          = excluded.is_active,
			source_created_at  = excluded.source_created_at,
			source_updated_at  = excluded.source_updated_at,
			last_synced_at     = NOW(),
			updated_at         = NOW()
		WHERE excluded.sync_token > mirror_bills.sync_token
		RETURNING id, approved_at, approved_by, last_synced_at, created_at, updated_at
	`, b.TenantID, b.ExternalID, b.SyncToken, b.VendorExternalID, b.VendorName, b.DocNumber,
		nullTime(b.TxnDate), nullTime(b.DueDate), b.AmountCents, b.BalanceCents, b.Memo,
		b.IsActive, nullTime(b.SourceCreatedAt), nullTime(b.SourceUpdatedAt)).
		Scan(&b.ID, &approvedAt, &b.ApprovedBy, &b.LastSyncedAt, &b.CreatedAt, &b.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getBillQ(ctx, tx, scope, b.ExternalID)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindBill)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBill), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert bill: %w", err)
	}
	b.ApprovedAt = nil
	if approvedAt.Valid {
		t := approvedAt.Time
		b.ApprovedAt = &t
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindBill, b.ID, b.ExternalID, b.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit bill upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBill), "applied").Inc()
	return b, res, nil
}

func (s *PostgresStore) GetBill(ctx context.Context, scope Scope, externalID string) (*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getBillQ(ctx, s.db, scope, externalID)
}

func (s *PostgresStore) ListBills(ctx context.Context, scope Scope, limit int) ([]*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+billColumns+` FROM mirror_bills
		WHERE tenant_id = $1
		ORDER BY id ASC LIMIT $2
	`, scope.TenantID(), limit)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanBill)
}

func (s *PostgresStore) ListBillsDueWithin(ctx context.Context, scope Scope, dueDays int) ([]*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+billColumns+` FROM mirror_bills
		WHERE tenant_id = $1
		  AND is_active = TRUE
		  AND balance_cents > 0
		  AND due_date IS NOT NULL
		  AND due_date <= NOW() + make_interval(days => $2)
		ORDER BY due_date ASC, id ASC
	`, scope.TenantID(), dueDays)
	if err != nil {
		return nil, fmt.Errorf("list bills due: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanBill)
}

func (s *PostgresStore) SetBillApproval(ctx context.Context, scope Scope, externalID, approvedBy string, rec *txlog.Record) (*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE mirror_bills
		SET approved_at = NOW(), approved_by = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND external_id = $2
		RETURNING `+billColumns+`
	`, scope.TenantID(), externalID, approvedBy)
	b, err := scanBill(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approve bill: %w", err)
	}

	if rec != nil {
		attachEntity(rec, scope, KindBill, b.ID, b.ExternalID, b.SyncToken)
		// Approval is a local annotation, not an external version change.
		rec.SyncToken = nil
		if err := txlog.AppendTx(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bill approval: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) SoftDeleteBill(ctx context.Context, scope Scope, externalID string, rec *txlog.Record) (*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE mirror_bills
		SET is_active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND external_id = $2
		RETURNING `+billColumns+`
	`, scope.TenantID(), externalID)
	b, err := scanBill(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("soft delete bill: %w", err)
	}

	if rec != nil {
		attachEntity(rec, scope, KindBill, b.ID, b.ExternalID, b.SyncToken)
		if err := txlog.AppendTx(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bill soft delete: %w", err)
	}
	return b, nil
}

// --- Invoices ---

const invoiceColumns = `id, tenant_id, external_id, sync_token, customer_external_id, customer_name,
	doc_number, txn_date, due_date, amount_cents, balance_cents, memo, is_active,
	source_created_at, source_updated_at, last_synced_at, created_at, updated_at`

func scanInvoice(sc rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var txnDate, dueDate, srcCreated, srcUpdated sql.NullTime
	if err := sc.Scan(&inv.ID, &inv.TenantID, &inv.ExternalID, &inv.SyncToken,
		&inv.CustomerExternalID, &inv.CustomerName, &inv.DocNumber, &txnDate, &dueDate,
		&inv.AmountCents, &inv.BalanceCents, &inv.Memo, &inv.IsActive,
		&srcCreated, &srcUpdated, &inv.LastSyncedAt, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.TxnDate = txnDate.Time
	inv.DueDate = dueDate.Time
	inv.SourceCreatedAt = srcCreated.Time
	inv.SourceUpdatedAt = srcUpdated.Time
	return inv, nil
}

func getInvoiceQ(ctx context.Context, q txlog.Querier, scope Scope, externalID string) (*Invoice, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM mirror_invoices
		WHERE tenant_id = $1 AND external_id = $2
	`, scope.TenantID(), externalID)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) UpsertInvoice(ctx context.Context, scope Scope, inv *Invoice, rec *txlog.Record) (*Invoice, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if inv.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: invoice missing external id")
	}
	inv.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_invoices
			(tenant_id, external_id, sync_token, customer_external_id, customer_name, doc_number,
			 txn_date, due_date, amount_cents, balance_cents, memo, is_active,
			 source_created_at, source_updated_at, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			sync_token           = excluded.sync_token,
			customer_external_id = excluded.customer_external_id,
			customer_name        = excluded.customer_name,
			doc_number           = excluded.doc_number,
			txn_date             = excluded.txn_date,
			due_date             = excluded.due_date,
			amount_cents         = excluded.amount_cents,
			balance_cents        = excluded.balance_cents,
			memo                 = excluded.memo,
			is_active            = excluded.is_active,
			source_created_at    = excluded.source_created_at,
			source_updated_at    = excluded.source_updated_at,
			last_synced_at       = NOW(),
			updated_at           = NOW()
		WHERE excluded.sync_token > mirror_invoices.sync_token
		RETURNING id, last_synced_at, created_at, updated_at
	`, inv.TenantID, inv.ExternalID, inv.SyncToken, inv.CustomerExternalID, inv.CustomerName,
		inv.DocNumber, nullTime(inv.TxnDate), nullTime(inv.DueDate), inv.AmountCents,
		inv.BalanceCents, inv.Memo, inv.IsActive, nullTime(inv.SourceCreatedAt),
		nullTime(inv.SourceUpdatedAt)).
		Scan(&inv.ID, &inv.LastSyncedAt, &inv.CreatedAt, &inv.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getInvoiceQ(ctx, tx, scope, inv.ExternalID)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindInvoice)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindInvoice), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert invoice: %w", err)
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindInvoice, inv.ID, inv.ExternalID, inv.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit invoice upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindInvoice), "applied").Inc()
	return inv, res, nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, scope Scope, externalID string) (*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getInvoiceQ(ctx, s.db, scope, externalID)
}

func (s *PostgresStore) ListInvoices(ctx context.Context, scope Scope, limit int) ([]*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM mirror_invoices
		WHERE tenant_id = $1
		ORDER BY id ASC LIMIT $2
	`, scope.TenantID(), limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanInvoice)
}

func (s *PostgresStore) ListOpenInvoices(ctx context.Context, scope Scope) ([]*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM mirror_invoices
		WHERE tenant_id = $1 AND is_active = TRUE AND balance_cents > 0
		ORDER BY due_date ASC NULLS LAST, id ASC
	`, scope.TenantID())
	if err != nil {
		return nil, fmt.Errorf("list open invoices: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanInvoice)
}

func (s *PostgresStore) SoftDeleteInvoice(ctx context.Context, scope Scope, externalID string, rec *txlog.Record) (*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		UPDATE mirror_invoices
		SET is_active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND external_id = $2
		RETURNING `+invoiceColumns+`
	`, scope.TenantID(), externalID)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("soft delete invoice: %w", err)
	}

	if rec != nil {
		attachEntity(rec, scope, KindInvoice, inv.ID, inv.ExternalID, inv.SyncToken)
		if err := txlog.AppendTx(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit invoice soft delete: %w", err)
	}
	return inv, nil
}

// --- Vendors ---

const vendorColumns = `id, tenant_id, external_id, sync_token, display_name, company_name,
	email, balance_cents, is_active, source_created_at, source_updated_at, last_synced_at,
	created_at, updated_at`

func scanVendor(sc rowScanner) (*Vendor, error) {
	v := &Vendor{}
	var srcCreated, srcUpdated sql.NullTime
	if err := sc.Scan(&v.ID, &v.TenantID, &v.ExternalID, &v.SyncToken, &v.DisplayName,
		&v.CompanyName, &v.Email, &v.BalanceCents, &v.IsActive,
		&srcCreated, &srcUpdated, &v.LastSyncedAt, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.SourceCreatedAt = srcCreated.Time
	v.SourceUpdatedAt = srcUpdated.Time
	return v, nil
}

func getVendorQ(ctx context.Context, q txlog.Querier, scope Scope, externalID string) (*Vendor, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+vendorColumns+` FROM mirror_vendors
		WHERE tenant_id = $1 AND external_id = $2
	`, scope.TenantID(), externalID)
	v, err := scanVendor(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vendor: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) UpsertVendor(ctx context.Context, scope Scope, v *Vendor, rec *txlog.Record) (*Vendor, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if v.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: vendor missing external id")
	}
	v.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_vendors
			(tenant_id, external_id, sync_token, display_name, company_name, email,
			 balance_cents, is_active, source_created_at, source_updated_at,
			 last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			sync_token        = excluded.sync_token,
			display_name      = excluded.display_name,
			company_name      = excluded.company_name,
			email             = excluded.email,
			balance_cents     = excluded.balance_cents,
			is_active         = excluded.is_active,
			source_created_at = excluded.source_created_at,
			source_updated_at = excluded.source_updated_at,
			last_synced_at    = NOW(),
			updated_at        = NOW()
		WHERE excluded.sync_token > mirror_vendors.sync_token
		RETURNING id, last_synced_at, created_at, updated_at
	`, v.TenantID, v.ExternalID, v.SyncToken, v.DisplayName, v.CompanyName, v.Email,
		v.BalanceCents, v.IsActive, nullTime(v.SourceCreatedAt), nullTime(v.SourceUpdatedAt)).
		Scan(&v.ID, &v.LastSyncedAt, &v.CreatedAt, &v.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getVendorQ(ctx, tx, scope, v.ExternalID)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindVendor)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindVendor), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert vendor: %w", err)
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindVendor, v.ID, v.ExternalID, v.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit vendor upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindVendor), "applied").Inc()
	return v, res, nil
}

func (s *PostgresStore) GetVendor(ctx context.Context, scope Scope, externalID string) (*Vendor, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getVendorQ(ctx, s.db, scope, externalID)
}

func (s *PostgresStore) ListVendors(ctx context.Context, scope Scope, limit int) ([]*Vendor, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vendorColumns+` FROM mirror_vendors
		WHERE tenant_id = $1
		ORDER BY display_name ASC, id ASC LIMIT $2
	`, scope.TenantID(), limit)
	if err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanVendor)
}

// --- Customers ---

const customerColumns = `id, tenant_id, external_id, sync_token, display_name, company_name,
	email, balance_cents, is_active, source_created_at, source_updated_at, last_synced_at,
	created_at, updated_at`

func scanCustomer(sc rowScanner) (*Customer, error) {
	c := &Customer{}
	var srcCreated, srcUpdated sql.NullTime
	if err := sc.Scan(&c.ID, &c.TenantID, &c.ExternalID, &c.SyncToken, &c.DisplayName,
		&c.CompanyName, &c.Email, &c.BalanceCents, &c.IsActive,
		&srcCreated, &srcUpdated, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.SourceCreatedAt = srcCreated.Time
	c.SourceUpdatedAt = srcUpdated.Time
	return c, nil
}

func getCustomerQ(ctx context.Context, q txlog.Querier, scope Scope, externalID string) (*Customer, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM mirror_customers
		WHERE tenant_id = $1 AND external_id = $2
	`, scope.TenantID(), externalID)
	c, err := scanCustomer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpsertCustomer(ctx context.Context, scope Scope, c *Customer, rec *txlog.Record) (*Customer, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if c.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: customer missing external id")
	}
	c.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_customers
			(tenant_id, external_id, sync_token, display_name, company_name, email,
			 balance_cents, is_active, source_created_at, source_updated_at,
			 last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			sync_token        = excluded.sync_token,
			display_name      = excluded.display_name,
			company_name      = excluded.company_name,
			email             = excluded.email,
			balance_cents     = excluded.balance_cents,
			is_active         = excluded.is_active,
			source_created_at = excluded.source_created_at,
			source_updated_at = excluded.source_updated_at,
			last_synced_at    = NOW(),
			updated_at        = NOW()
		WHERE excluded.sync_token > mirror_customers.sync_token
		RETURNING id, last_synced_at, created_at, updated_at
	`, c.TenantID, c.ExternalID, c.SyncToken, c.DisplayName, c.CompanyName, c.Email,
		c.BalanceCents, c.IsActive, nullTime(c.SourceCreatedAt), nullTime(c.SourceUpdatedAt)).
		Scan(&c.ID, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getCustomerQ(ctx, tx, scope, c.ExternalID)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindCustomer)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCustomer), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert customer: %w", err)
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindCustomer, c.ID, c.ExternalID, c.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit customer upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCustomer), "applied").Inc()
	return c, res, nil
}

func (s *PostgresStore) GetCustomer(ctx context.Context, scope Scope, externalID string) (*Customer, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getCustomerQ(ctx, s.db, scope, externalID)
}

func (s *PostgresStore) ListCustomers(ctx context.Context, scope Scope, limit int) ([]*Customer, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+` FROM mirror_customers
		WHERE tenant_id = $1
		ORDER BY display_name ASC, id ASC LIMIT $2
	`, scope.TenantID(), limit)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanCustomer)
}

// --- Accounts ---

const accountColumns = `id, tenant_id, external_id, sync_token, name, acct_num, account_type,
	account_sub_type, classification, balance_cents, is_active,
	source_created_at, source_updated_at, last_synced_at, created_at, updated_at`

func scanAccount(sc rowScanner) (*Account, error) {
	a := &Account{}
	var srcCreated, srcUpdated sql.NullTime
	if err := sc.Scan(&a.ID, &a.TenantID, &a.ExternalID, &a.SyncToken, &a.Name, &a.AcctNum,
		&a.AccountType, &a.AccountSubType, &a.Classification, &a.BalanceCents, &a.IsActive,
		&srcCreated, &srcUpdated, &a.LastSyncedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.SourceCreatedAt = srcCreated.Time
	a.SourceUpdatedAt = srcUpdated.Time
	return a, nil
}

func getAccountQ(ctx context.Context, q txlog.Querier, scope Scope, externalID string) (*Account, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM mirror_accounts
		WHERE tenant_id = $1 AND external_id = $2
	`, scope.TenantID(), externalID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, scope Scope, a *Account, rec *txlog.Record) (*Account, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if a.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: account missing external id")
	}
	a.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_accounts
			(tenant_id, external_id, sync_token, name, acct_num, account_type, account_sub_type,
			 classification, balance_cents, is_active, source_created_at, source_updated_at,
			 last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			sync_token        = excluded.sync_token,
			name              = excluded.name,
			acct_num          = excluded.acct_num,
			account_type      = excluded.account_type,
			account_sub_type  = excluded.account_sub_type,
			classification    = excluded.classification,
			balance_cents     = excluded.balance_cents,
			is_active         = excluded.is_active,
			source_created_at = excluded.source_created_at,
			source_updated_at = excluded.source_updated_at,
			last_synced_at    = NOW(),
			updated_at        = NOW()
		WHERE excluded.sync_token > mirror_accounts.sync_token
		RETURNING id, last_synced_at, created_at, updated_at
	`, a.TenantID, a.ExternalID, a.SyncToken, a.Name, a.AcctNum, a.AccountType,
		a.AccountSubType, a.Classification, a.BalanceCents, a.IsActive,
		nullTime(a.SourceCreatedAt), nullTime(a.SourceUpdatedAt)).
		Scan(&a.ID, &a.LastSyncedAt, &a.CreatedAt, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getAccountQ(ctx, tx, scope, a.ExternalID)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindAccount)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindAccount), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert account: %w", err)
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindAccount, a.ID, a.ExternalID, a.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit account upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindAccount), "applied").Inc()
	return a, res, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, scope Scope, externalID string) (*Account, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getAccountQ(ctx, s.db, scope, externalID)
}

func (s *PostgresStore) ListAccounts(ctx context.Context, scope Scope, limit int) ([]*Account, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM mirror_accounts
		WHERE tenant_id = $1
		ORDER BY name ASC, id ASC LIMIT $2
	`, scope.TenantID(), limit)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanAccount)
}

// --- Payments ---

const paymentColumns = `id, tenant_id, external_id, sync_token, vendor_external_id, vendor_name,
	txn_date, amount_cents, pay_type, doc_number, memo, request_id, is_active,
	source_created_at, source_updated_at, last_synced_at, created_at, updated_at`

func scanPayment(sc rowScanner) (*Payment, error) {
	p := &Payment{}
	var txnDate, srcCreated, srcUpdated sql.NullTime
	if err := sc.Scan(&p.ID, &p.TenantID, &p.ExternalID, &p.SyncToken, &p.VendorExternalID,
		&p.VendorName, &txnDate, &p.AmountCents, &p.PayType, &p.DocNumber, &p.Memo,
		&p.RequestID, &p.IsActive, &srcCreated, &srcUpdated, &p.LastSyncedAt,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.TxnDate = txnDate.Time
	p.SourceCreatedAt = srcCreated.Time
	p.SourceUpdatedAt = srcUpdated.Time
	return p, nil
}

func getPaymentQ(ctx context.Context, q txlog.Querier, scope Scope, externalID string) (*Payment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM mirror_payments
		WHERE tenant_id = $1 AND external_id = $2
	`, scope.TenantID(), externalID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPayment(ctx context.Context, scope Scope, p *Payment, rec *txlog.Record) (*Payment, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if p.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: payment missing external id")
	}
	p.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	// request_id survives later syncs of the same payment, which arrive
	// without the original client marker.
	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_payments
			(tenant_id, external_id, sync_token, vendor_external_id, vendor_name, txn_date,
			 amount_cents, pay_type, doc_number, memo, request_id, is_active,
			 source_created_at, source_updated_at, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			sync_token         = excluded.sync_token,
			vendor_external_id = excluded.vendor_external_id,
			vendor_name        = excluded.vendor_name,
			txn_date           = excluded.txn_date,
			amount_cents       = excluded.amount_cents,
			pay_type           = excluded.pay_type,
			doc_number         = excluded.doc_number,
			memo               = excluded.memo,
			request_id         = COALESCE(NULLIF(excluded.request_id, ''), mirror_payments.request_id),
			is_active          = excluded.is_active,
			source_created_at  = excluded.source_created_at,
			source_updated_at  = excluded.source_updated_at,
			last_synced_at     = NOW(),
			updated_at         = NOW()
		WHERE excluded.sync_token > mirror_payments.sync_token
		RETURNING id, request_id, last_synced_at, created_at, updated_at
	`, p.TenantID, p.ExternalID, p.SyncToken, p.VendorExternalID, p.VendorName,
		nullTime(p.TxnDate), p.AmountCents, p.PayType, p.DocNumber, p.Memo, p.RequestID,
		p.IsActive, nullTime(p.SourceCreatedAt), nullTime(p.SourceUpdatedAt)).
		Scan(&p.ID, &p.RequestID, &p.LastSyncedAt, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getPaymentQ(ctx, tx, scope, p.ExternalID)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindPayment)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindPayment), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert payment: %w", err)
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindPayment, p.ID, p.ExternalID, p.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit payment upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindPayment), "applied").Inc()
	return p, res, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, scope Scope, externalID string) (*Payment, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getPaymentQ(ctx, s.db, scope, externalID)
}

func (s *PostgresStore) FindPaymentByRequestID(ctx context.Context, scope Scope, requestID string) (*Payment, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM mirror_payments
		WHERE tenant_id = $1 AND request_id = $2
	`, scope.TenantID(), requestID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by request id: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPayments(ctx context.Context, scope Scope, limit int) ([]*Payment, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM mirror_payments
		WHERE tenant_id = $1
		ORDER BY id DESC LIMIT $2
	`, scope.TenantID(), limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanPayment)
}

// --- Company ---

const companyColumns = `id, tenant_id, external_id, sync_token, company_name, legal_name,
	country, fiscal_year_start_month, source_created_at, source_updated_at, last_synced_at,
	created_at, updated_at`

func scanCompany(sc rowScanner) (*Company, error) {
	c := &Company{}
	var srcCreated, srcUpdated sql.NullTime
	if err := sc.Scan(&c.ID, &c.TenantID, &c.ExternalID, &c.SyncToken, &c.CompanyName,
		&c.LegalName, &c.Country, &c.FiscalYearStartMonth,
		&srcCreated, &srcUpdated, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.SourceCreatedAt = srcCreated.Time
	c.SourceUpdatedAt = srcUpdated.Time
	return c, nil
}

func getCompanyQ(ctx context.Context, q txlog.Querier, scope Scope) (*Company, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+companyColumns+` FROM mirror_company
		WHERE tenant_id = $1
	`, scope.TenantID())
	c, err := scanCompany(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpsertCompany(ctx context.Context, scope Scope, c *Company, rec *txlog.Record) (*Company, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if c.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: company missing external id")
	}
	c.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_company
			(tenant_id, external_id, sync_token, company_name, legal_name, country,
			 fiscal_year_start_month, source_created_at, source_updated_at,
			 last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			external_id             = excluded.external_id,
			sync_token              = excluded.sync_token,
			company_name            = excluded.company_name,
			legal_name              = excluded.legal_name,
			country                 = excluded.country,
			fiscal_year_start_month = excluded.fiscal_year_start_month,
			source_created_at       = excluded.source_created_at,
			source_updated_at       = excluded.source_updated_at,
			last_synced_at          = NOW(),
			updated_at              = NOW()
		WHERE excluded.sync_token > mirror_company.sync_token
		RETURNING id, last_synced_at, created_at, updated_at
	`, c.TenantID, c.ExternalID, c.SyncToken, c.CompanyName, c.LegalName, c.Country,
		c.FiscalYearStartMonth, nullTime(c.SourceCreatedAt), nullTime(c.SourceUpdatedAt)).
		Scan(&c.ID, &c.LastSyncedAt, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getCompanyQ(ctx, tx, scope)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindCompany)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCompany), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert company: %w", err)
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindCompany, c.ID, c.ExternalID, c.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit company upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCompany), "applied").Inc()
	return c, res, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, scope Scope) (*Company, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getCompanyQ(ctx, s.db, scope)
}

// --- Balances ---

const balanceColumns = `id, tenant_id, external_id, sync_token, account_name, account_type,
	balance_cents, as_of, is_active, last_synced_at, created_at, updated_at`

func scanBalance(sc rowScanner) (*Balance, error) {
	bal := &Balance{}
	var asOf sql.NullTime
	if err := sc.Scan(&bal.ID, &bal.TenantID, &bal.ExternalID, &bal.SyncToken,
		&bal.AccountName, &bal.AccountType, &bal.BalanceCents, &asOf, &bal.IsActive,
		&bal.LastSyncedAt, &bal.CreatedAt, &bal.UpdatedAt); err != nil {
		return nil, err
	}
	bal.AsOf = asOf.Time
	return bal, nil
}

func getBalanceQ(ctx context.Context, q txlog.Querier, scope Scope, externalID string) (*Balance, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM mirror_balances
		WHERE tenant_id = $1 AND external_id = $2
	`, scope.TenantID(), externalID)
	bal, err := scanBalance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

func (s *PostgresStore) UpsertBalance(ctx context.Context, scope Scope, bal *Balance, rec *txlog.Record) (*Balance, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if bal.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: balance missing external id")
	}
	bal.TenantID = scope.TenantID()

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, UpsertResult{}, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO mirror_balances
			(tenant_id, external_id, sync_token, account_name, account_type, balance_cents,
			 as_of, is_active, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), NOW())
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			sync_token     = excluded.sync_token,
			account_name   = excluded.account_name,
			account_type   = excluded.account_type,
			balance_cents  = excluded.balance_cents,
			as_of          = excluded.as_of,
			is_active      = excluded.is_active,
			last_synced_at = NOW(),
			updated_at     = NOW()
		WHERE excluded.sync_token > mirror_balances.sync_token
		RETURNING id, last_synced_at, created_at, updated_at
	`, bal.TenantID, bal.ExternalID, bal.SyncToken, bal.AccountName, bal.AccountType,
		bal.BalanceCents, nullTime(bal.AsOf), bal.IsActive).
		Scan(&bal.ID, &bal.LastSyncedAt, &bal.CreatedAt, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		existing, gerr := getBalanceQ(ctx, tx, scope, bal.ExternalID)
		if gerr != nil {
			return nil, UpsertResult{}, gerr
		}
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindBalance)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBalance), "stale").Inc()
		return existing, UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return nil, UpsertResult{}, fmt.Errorf("upsert balance: %w", err)
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindBalance, bal.ID, bal.ExternalID, bal.SyncToken)
	}
	if err := appendLog(ctx, tx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return nil, UpsertResult{}, fmt.Errorf("commit balance upsert: %w", err)
	}
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBalance), "applied").Inc()
	return bal, res, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, scope Scope, externalID string) (*Balance, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	return getBalanceQ(ctx, s.db, scope, externalID)
}

func (s *PostgresStore) ListBalances(ctx context.Context, scope Scope) ([]*Balance, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM mirror_balances
		WHERE tenant_id = $1
		ORDER BY account_name ASC, id ASC
	`, scope.TenantID())
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()
	return collectRows(rows, scanBalance)
}

func (s *PostgresStore) LatestBalance(ctx context.Context, scope Scope) (*CashPosition, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	var pos CashPosition
	var asOf sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance_cents), 0), COUNT(*), MAX(as_of)
		FROM mirror_balances
		WHERE tenant_id = $1 AND is_active = TRUE
	`, scope.TenantID()).Scan(&pos.CashCents, &pos.AccountCount, &asOf)
	if err != nil {
		return nil, fmt.Errorf("latest balance: %w", err)
	}
	if pos.AccountCount == 0 {
		return nil, ErrNotFound
	}
	pos.AsOf = asOf.Time
	return &pos, nil
}

// --- Reconciliation ---

func (s *PostgresStore) ListSyncStates(ctx context.Context, scope Scope) ([]SyncState, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		        SELECT 'bill' AS kind, id, external_id, sync_token FROM mirror_bills     WHERE tenant_id = $1
		UNION ALL SELECT 'invoice',    id, external_id, sync_token FROM mirror_invoices  WHERE tenant_id = $1
		UNION ALL SELECT 'vendor',     id, external_id, sync_token FROM mirror_vendors   WHERE tenant_id = $1
		UNION ALL SELECT 'customer',   id, external_id, sync_token FROM mirror_customers WHERE tenant_id = $1
		UNION ALL SELECT 'account',    id, external_id, sync_token FROM mirror_accounts  WHERE tenant_id = $1
		UNION ALL SELECT 'payment',    id, external_id, sync_token FROM mirror_payments  WHERE tenant_id = $1
		UNION ALL SELECT 'company',    id, external_id, sync_token FROM mirror_company   WHERE tenant_id = $1
		UNION ALL SELECT 'balance',    id, external_id, sync_token FROM mirror_balances  WHERE tenant_id = $1
		ORDER BY kind, external_id
	`, scope.TenantID())
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		var st SyncState
		var kind string
		if err := rows.Scan(&kind, &st.LocalID, &st.ExternalID, &st.SyncToken); err != nil {
			return nil, err
		}
		st.Kind = EntityKind(kind)
		states = append(states, st)
	}
	return states, rows.Err()
}

func collectRows[T any](rows *sql.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	var out []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
