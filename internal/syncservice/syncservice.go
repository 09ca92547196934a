// Package syncservice is the per-tenant facade over the sync pipeline.
// Callers never touch the ledger client or the mirror store directly;
// they ask a Factory for a tenant-bound Service and every read, sync,
// and mutation flows through it.
//
// Every method follows the same shape:
//
//  1. Build the remote call and hand it to the orchestrator with a
//     strategy (cache TTL, dedup) and a rate-limit priority.
//  2. Map wire entities into mirror rows.
//  3. Apply rows through the mirror store, which pairs each accepted
//     write with a transaction log entry in one transaction.
//  4. On mutations, invalidate the tenant's cache and emit an event.
//
// Reads are read-through: a cache miss refreshes the mirror from the
// remote ledger and then answers from the mirror, so the rows a caller
// sees are always rows the log can account for.
package syncservice

import (
	"context"
	"encoding/json"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/ledgerapi"
	"github.com/runwayly/ledgersync/internal/mapper"
	"github.com/runwayly/ledgersync/internal/mirror"
	"github.com/runwayly/ledgersync/internal/orchestrator"
	"github.com/runwayly/ledgersync/internal/ratelimit"
	"github.com/runwayly/ledgersync/internal/txlog"
)

// Operation names key the orchestrator's cache and dedup tables and
// label its metrics. Renaming one silently splits its cache.
const (
	opBillsDue      = "bills.due"
	opInvoicesOpen  = "invoices.open"
	opVendorsList   = "vendors.list"
	opCustomersList = "customers.list"
	opAccountsList  = "accounts.list"
	opCompanyInfo   = "company.info"
	opCompanyPing   = "company.ping"
	opBillsSync     = "bills.sync"
	opInvoicesSync  = "invoices.sync"
	opVendorsSync   = "vendors.sync"
	opCustomersSync = "customers.sync"
	opAccountsSync  = "accounts.sync"
	opCompanySync   = "company.sync"
	opPaymentCreate = "payments.create"
	opPaymentVoid   = "payments.void"
	opBillApprove   = "bills.approve"
)

// Query filters sent to the remote ledger. Amounts compare as strings
// on the provider side, so "> '0'" means any outstanding balance.
const (
	filterBills        = "SELECT * FROM Bill"
	filterBillsUnpaid  = "SELECT * FROM Bill WHERE Balance > '0'"
	filterInvoices     = "SELECT * FROM Invoice"
	filterInvoicesOpen = "SELECT * FROM Invoice WHERE Balance > '0'"
	filterVendors      = "SELECT * FROM Vendor"
	filterCustomers    = "SELECT * FROM Customer"
	filterAccounts     = "SELECT * FROM Account"
)

// Events published to the sink as syncs and mutations settle.
const (
	EventSyncStarted     = "sync.started"
	EventSyncCompleted   = "sync.completed"
	EventSyncFailed      = "sync.failed"
	EventPaymentRecorded = "payment.recorded"
	EventPaymentVoided   = "payment.voided"
	EventBillApproved    = "bill.approved"
)

// LedgerClient is the slice of the remote ledger client the service
// uses. *ledgerapi.Client satisfies it.
type LedgerClient interface {
	QueryBills(ctx context.Context, sess ledgerapi.Session, filter string) ([]ledgerapi.Bill, error)
	QueryInvoices(ctx context.Context, sess ledgerapi.Session, filter string) ([]ledgerapi.Invoice, error)
	QueryVendors(ctx context.Context, sess ledgerapi.Session, filter string) ([]ledgerapi.Vendor, error)
	QueryCustomers(ctx context.Context, sess ledgerapi.Session, filter string) ([]ledgerapi.Customer, error)
	QueryAccounts(ctx context.Context, sess ledgerapi.Session, filter string) ([]ledgerapi.Account, error)
	GetCompanyInfo(ctx context.Context, sess ledgerapi.Session) (*ledgerapi.CompanyInfo, error)
	CreatePayment(ctx context.Context, sess ledgerapi.Session, p ledgerapi.Payment, requestID string) (*ledgerapi.Payment, error)
	VoidPayment(ctx context.Context, sess ledgerapi.Session, id string) (*ledgerapi.Payment, error)
	UpdateBill(ctx context.Context, sess ledgerapi.Session, b ledgerapi.Bill) (*ledgerapi.Bill, error)
}

var _ LedgerClient = (*ledgerapi.Client)(nil)

// RealmSource resolves the remote company a tenant is bound to.
// *credstore.Manager satisfies it.
type RealmSource interface {
	RealmID(ctx context.Context, tenantID string) (string, error)
}

// EventSink receives service events. A nil sink drops them.
type EventSink interface {
	Publish(event, tenantID string, payload any)
}

// Factory builds tenant-bound Services over shared infrastructure.
type Factory struct {
	orch   *orchestrator.Orchestrator
	client LedgerClient
	store  mirror.Store
	logs   txlog.Store
	realms RealmSource
	events EventSink
}

func NewFactory(orch *orchestrator.Orchestrator, client LedgerClient, store mirror.Store, logs txlog.Store, realms RealmSource, events EventSink) *Factory {
	return &Factory{
		orch:   orch,
		client: client,
		store:  store,
		logs:   logs,
		realms: realms,
		events: events,
	}
}

// ForTenant binds a Service to one tenant. It fails with
// CredentialsUnavailable when the tenant is not connected, so handlers
// can reject before any remote work starts.
func (f *Factory) ForTenant(ctx context.Context, tenantID string) (*Service, error) {
	scope, err := mirror.NewScope(tenantID)
	if err != nil {
		return nil, err
	}
	realmID, err := f.realms.RealmID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &Service{
		tenantID: tenantID,
		realmID:  realmID,
		scope:    scope,
		orch:     f.orch,
		client:   f.client,
		store:    f.store,
		logs:     f.logs,
		events:   f.events,
	}, nil
}

// Service executes ledger operations for exactly one tenant. Values are
// cheap to build per request; all heavy state lives in the Factory.
type Service struct {
	tenantID string
	realmID  string
	scope    mirror.Scope
	orch     *orchestrator.Orchestrator
	client   LedgerClient
	store    mirror.Store
	logs     txlog.Store
	events   EventSink
}

// TenantID reports the tenant this service is bound to.
func (s *Service) TenantID() string { return s.tenantID }

func (s *Service) session(p ratelimit.Priority) ledgerapi.Session {
	return ledgerapi.Session{TenantID: s.tenantID, RealmID: s.realmID, Priority: p}
}

func (s *Service) emit(event string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(event, s.tenantID, payload)
}

// invalidate drops every cached read for the tenant. Mutations call it
// so the next read reflects the write instead of a stale snapshot.
func (s *Service) invalidate() {
	s.orch.Cache().Invalidate(s.tenantID)
}

// syncRecord builds the log entry for an externally sourced row. The
// store fills entity identity and sync token when the write applies.
func syncRecord(wire any, diff mapper.Diff) (*txlog.Record, error) {
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.Wrap(errs.InvariantViolation, "syncservice.record", err)
	}
	raw, err := diff.Raw()
	if err != nil {
		return nil, err
	}
	return &txlog.Record{
		Type:    txlog.TypeSynced,
		Source:  txlog.SourceExternalLedger,
		Payload: payload,
		Diff:    raw,
	}, nil
}

// userRecord builds the log entry for a locally initiated mutation.
func userRecord(entryType txlog.EntryType, reason string, wire any, diff mapper.Diff) (*txlog.Record, error) {
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.Wrap(errs.InvariantViolation, "syncservice.record", err)
	}
	raw, err := diff.Raw()
	if err != nil {
		return nil, err
	}
	return &txlog.Record{
		Type:    entryType,
		Source:  txlog.SourceUser,
		Payload: payload,
		Diff:    raw,
		Reason:  reason,
	}, nil
}

// GetBillsByDueDays returns active unpaid bills due within dueDays,
// refreshing the mirror from the remote ledger on a cache miss.
func (s *Service) GetBillsByDueDays(ctx context.Context, dueDays int) ([]*mirror.Bill, error) {
	if dueDays <= 0 {
		return nil, errs.Errorf(errs.Validation, "syncservice: dueDays must be positive, got %d", dueDays)
	}
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opBillsDue,
		Args:      dueDays,
		Strategy:  orchestrator.DataFetch,
		Priority:  ratelimit.High,
	}
	return orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) ([]*mirror.Bill, error) {
		if _, err := s.pullBills(ctx, ratelimit.High, filterBillsUnpaid); err != nil {
			return nil, err
		}
		return s.store.ListBillsDueWithin(ctx, s.scope, dueDays)
	})
}

// GetOpenInvoices returns active invoices with an outstanding balance.
func (s *Service) GetOpenInvoices(ctx context.Context) ([]*mirror.Invoice, error) {
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opInvoicesOpen,
		Strategy:  orchestrator.DataFetch,
		Priority:  ratelimit.Medium,
	}
	return orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) ([]*mirror.Invoice, error) {
		if _, err := s.pullInvoices(ctx, ratelimit.Medium, filterInvoicesOpen); err != nil {
			return nil, err
		}
		return s.store.ListOpenInvoices(ctx, s.scope)
	})
}

// GetVendors returns the tenant's vendors.
func (s *Service) GetVendors(ctx context.Context) ([]*mirror.Vendor, error) {
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opVendorsList,
		Strategy:  orchestrator.DataFetch,
		Priority:  ratelimit.Low,
	}
	return orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) ([]*mirror.Vendor, error) {
		if _, err := s.pullVendors(ctx, ratelimit.Low); err != nil {
			return nil, err
		}
		return s.store.ListVendors(ctx, s.scope, 0)
	})
}

// GetCustomers returns the tenant's customers.
func (s *Service) GetCustomers(ctx context.Context) ([]*mirror.Customer, error) {
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opCustomersList,
		Strategy:  orchestrator.DataFetch,
		Priority:  ratelimit.Low,
	}
	return orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) ([]*mirror.Customer, error) {
		if _, err := s.pullCustomers(ctx, ratelimit.Low); err != nil {
			return nil, err
		}
		return s.store.ListCustomers(ctx, s.scope, 0)
	})
}

// GetAccounts returns the tenant's chart of accounts. Cash account
// balances are refreshed as a side effect, so runway math that runs
// right after sees the same snapshot.
func (s *Service) GetAccounts(ctx context.Context) ([]*mirror.Account, error) {
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opAccountsList,
		Strategy:  orchestrator.DataFetch,
		Priority:  ratelimit.Low,
	}
	return orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) ([]*mirror.Account, error) {
		if _, err := s.pullAccounts(ctx, ratelimit.Low); err != nil {
			return nil, err
		}
		return s.store.ListAccounts(ctx, s.scope, 0)
	})
}

// GetCompanyInfo returns the mirrored company file snapshot.
func (s *Service) GetCompanyInfo(ctx context.Context) (*mirror.Company, error) {
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opCompanyInfo,
		Strategy:  orchestrator.OnDemand,
		Priority:  ratelimit.Low,
	}
	return orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) (*mirror.Company, error) {
		if _, err := s.pullCompany(ctx, ratelimit.Low); err != nil {
			return nil, err
		}
		return s.store.GetCompany(ctx, s.scope)
	})
}

// GetCashPosition sums the latest mirrored cash balances. Purely local;
// callers wanting fresh numbers sync accounts first.
func (s *Service) GetCashPosition(ctx context.Context) (*mirror.CashPosition, error) {
	return s.store.LatestBalance(ctx, s.scope)
}

// HealthCheck probes the remote connection with the cheapest authenticated
// read. It reports false with the cause instead of failing outright so
// status pages can render the error.
func (s *Service) HealthCheck(ctx context.Context) (bool, error) {
	call := orchestrator.Call{
		TenantID:  s.tenantID,
		Operation: opCompanyPing,
		Strategy:  orchestrator.OnDemand,
		Priority:  ratelimit.Low,
	}
	ok, err := orchestrator.Run(ctx, s.orch, call, func(ctx context.Context) (bool, error) {
		if _, err := s.client.GetCompanyInfo(ctx, s.session(ratelimit.Low)); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}
