package mirror

import (
	"context"

	"github.com/runwayly/ledgersync/internal/txlog"
)

// Store persists mirrored entities. Every method takes a Scope; every
// mutating method accepts an optional transaction log record that is
// written atomically with the row change (nil skips logging, which only
// internal maintenance paths use).
//
// Upserts apply the monotonicity guard: an incoming sync token must be
// strictly greater than the stored one or the write is dropped as stale.
// Hard deletes do not exist; SoftDelete flips is_active and logs the prior
// token.
type Store interface {
	UpsertBill(ctx context.Context, scope Scope, b *Bill, rec *txlog.Record) (*Bill, UpsertResult, error)
	GetBill(ctx context.Context, scope Scope, externalID string) (*Bill, error)
	ListBills(ctx context.Context, scope Scope, limit int) ([]*Bill, error)
	// ListBillsDueWithin returns active unpaid bills due in the next dueDays
	// days, soonest first.
	ListBillsDueWithin(ctx context.Context, scope Scope, dueDays int) ([]*Bill, error)
	SetBillApproval(ctx context.Context, scope Scope, externalID, approvedBy string, rec *txlog.Record) (*Bill, error)
	SoftDeleteBill(ctx context.Context, scope Scope, externalID string, rec *txlog.Record) (*Bill, error)

	UpsertInvoice(ctx context.Context, scope Scope, inv *Invoice, rec *txlog.Record) (*Invoice, UpsertResult, error)
	GetInvoice(ctx context.Context, scope Scope, externalID string) (*Invoice, error)
	ListInvoices(ctx context.Context, scope Scope, limit int) ([]*Invoice, error)
	// ListOpenInvoices returns active invoices with an outstanding balance.
	ListOpenInvoices(ctx context.Context, scope Scope) ([]*Invoice, error)
	SoftDeleteInvoice(ctx context.Context, scope Scope, externalID string, rec *txlog.Record) (*Invoice, error)

	UpsertVendor(ctx context.Context, scope Scope, v *Vendor, rec *txlog.Record) (*Vendor, UpsertResult, error)
	GetVendor(ctx context.Context, scope Scope, externalID string) (*Vendor, error)
	ListVendors(ctx context.Context, scope Scope, limit int) ([]*Vendor, error)

	UpsertCustomer(ctx context.Context, scope Scope, c *Customer, rec *txlog.Record) (*Customer, UpsertResult, error)
	GetCustomer(ctx context.Context, scope Scope, externalID string) (*Customer, error)
	ListCustomers(ctx context.Context, scope Scope, limit int) ([]*Customer, error)

	UpsertAccount(ctx context.Context, scope Scope, a *Account, rec *txlog.Record) (*Account, UpsertResult, error)
	GetAccount(ctx context.Context, scope Scope, externalID string) (*Account, error)
	ListAccounts(ctx context.Context, scope Scope, limit int) ([]*Account, error)

	UpsertPayment(ctx context.Context, scope Scope, p *Payment, rec *txlog.Record) (*Payment, UpsertResult, error)
	GetPayment(ctx context.Context, scope Scope, externalID string) (*Payment, error)
	// FindPaymentByRequestID resolves a client idempotency marker to the
	// payment it already produced, or ErrNotFound.
	FindPaymentByRequestID(ctx context.Context, scope Scope, requestID string) (*Payment, error)
	ListPayments(ctx context.Context, scope Scope, limit int) ([]*Payment, error)

	UpsertCompany(ctx context.Context, scope Scope, c *Company, rec *txlog.Record) (*Company, UpsertResult, error)
	GetCompany(ctx context.Context, scope Scope) (*Company, error)

	UpsertBalance(ctx context.Context, scope Scope, bal *Balance, rec *txlog.Record) (*Balance, UpsertResult, error)
	GetBalance(ctx context.Context, scope Scope, externalID string) (*Balance, error)
	ListBalances(ctx context.Context, scope Scope) ([]*Balance, error)
	// LatestBalance sums the tenant's active balance rows into a cash
	// position, or ErrNotFound before the first account sync.
	LatestBalance(ctx context.Context, scope Scope) (*CashPosition, error)

	// ListSyncStates returns every active row's (kind, external id, sync
	// token) for reconciliation against the transaction log.
	ListSyncStates(ctx context.Context, scope Scope) ([]SyncState, error)
}

// attachEntity stamps a log record with the identity the store just
// resolved, so log rows always agree with the mirror rows they describe.
func attachEntity(rec *txlog.Record, scope Scope, kind EntityKind, localID int64, externalID string, syncToken int64) {
	rec.TenantID = scope.TenantID()
	rec.EntityKind = string(kind)
	rec.EntityID = localID
	rec.ExternalID = externalID
	t := syncToken
	rec.SyncToken = &t
}
