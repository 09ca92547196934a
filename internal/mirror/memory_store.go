package mirror

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/txlog"
)

// MemoryStore implements Store in memory for tests and the mock
// environment. Log records go to the txlog.MemoryStore handed to the
// constructor, and only after the append succeeds does the row mutation
// become visible, mirroring the transactional pairing of the Postgres
// store.
type MemoryStore struct {
	mu     sync.Mutex
	logs   *txlog.MemoryStore
	nextID int64

	bills     map[string]map[string]*Bill
	invoices  map[string]map[string]*Invoice
	vendors   map[string]map[string]*Vendor
	customers map[string]map[string]*Customer
	accounts  map[string]map[string]*Account
	payments  map[string]map[string]*Payment
	balances  map[string]map[string]*Balance
	companies map[string]*Company
}

func NewMemoryStore(logs *txlog.MemoryStore) *MemoryStore {
	if logs == nil {
		logs = txlog.NewMemoryStore()
	}
	return &MemoryStore{
		logs:      logs,
		bills:     make(map[string]map[string]*Bill),
		invoices:  make(map[string]map[string]*Invoice),
		vendors:   make(map[string]map[string]*Vendor),
		customers: make(map[string]map[string]*Customer),
		accounts:  make(map[string]map[string]*Account),
		payments:  make(map[string]map[string]*Payment),
		balances:  make(map[string]map[string]*Balance),
		companies: make(map[string]*Company),
	}
}

var _ Store = (*MemoryStore)(nil)

// Logs exposes the backing transaction log store.
func (s *MemoryStore) Logs() *txlog.MemoryStore { return s.logs }

// appendLocked writes rec and reports the new entry id. Callers hold s.mu
// and must not mutate state when it fails.
func (s *MemoryStore) appendLocked(ctx context.Context, rec *txlog.Record, res *UpsertResult) error {
	if rec == nil {
		return nil
	}
	if err := s.logs.Append(ctx, rec); err != nil {
		return err
	}
	if res != nil {
		res.LogEntryID = rec.ID
	}
	return nil
}

// --- Bills ---

func (s *MemoryStore) UpsertBill(ctx context.Context, scope Scope, b *Bill, rec *txlog.Record) (*Bill, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if b.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: bill missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.bills[tenant][b.ExternalID]
	if existing != nil && b.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindBill)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBill), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *b
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		// Local annotations survive external updates.
		stored.ApprovedAt = existing.ApprovedAt
		stored.ApprovedBy = existing.ApprovedBy
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
		stored.ApprovedAt = nil
		stored.ApprovedBy = ""
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindBill, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	if s.bills[tenant] == nil {
		s.bills[tenant] = make(map[string]*Bill)
	}
	s.bills[tenant][stored.ExternalID] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBill), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetBill(ctx context.Context, scope Scope, externalID string) (*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bills[scope.TenantID()][externalID]
	if b == nil {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBills(ctx context.Context, scope Scope, limit int) ([]*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Bill
	for _, b := range s.bills[scope.TenantID()] {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListBillsDueWithin(ctx context.Context, scope Scope, dueDays int) ([]*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, dueDays)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Bill
	for _, b := range s.bills[scope.TenantID()] {
		if !b.IsActive || b.BalanceCents <= 0 || b.DueDate.IsZero() || b.DueDate.After(cutoff) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SetBillApproval(ctx context.Context, scope Scope, externalID, approvedBy string, rec *txlog.Record) (*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bills[scope.TenantID()][externalID]
	if b == nil {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	updated := *b
	updated.ApprovedAt = &now
	updated.ApprovedBy = approvedBy
	updated.UpdatedAt = now

	if rec != nil {
		attachEntity(rec, scope, KindBill, updated.ID, updated.ExternalID, updated.SyncToken)
		// Approval is a local annotation, not an external version change.
		rec.SyncToken = nil
	}
	if err := s.appendLocked(ctx, rec, nil); err != nil {
		return nil, err
	}
	s.bills[scope.TenantID()][externalID] = &updated
	out := updated
	return &out, nil
}

func (s *MemoryStore) SoftDeleteBill(ctx context.Context, scope Scope, externalID string, rec *txlog.Record) (*Bill, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bills[scope.TenantID()][externalID]
	if b == nil {
		return nil, ErrNotFound
	}

	updated := *b
	updated.IsActive = false
	updated.UpdatedAt = time.Now().UTC()

	if rec != nil {
		attachEntity(rec, scope, KindBill, updated.ID, updated.ExternalID, updated.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, nil); err != nil {
		return nil, err
	}
	s.bills[scope.TenantID()][externalID] = &updated
	out := updated
	return &out, nil
}

// --- Invoices ---

func (s *MemoryStore) UpsertInvoice(ctx context.Context, scope Scope, inv *Invoice, rec *txlog.Record) (*Invoice, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if inv.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: invoice missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.invoices[tenant][inv.ExternalID]
	if existing != nil && inv.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindInvoice)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindInvoice), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *inv
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindInvoice, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	if s.invoices[tenant] == nil {
		s.invoices[tenant] = make(map[string]*Invoice)
	}
	s.invoices[tenant][stored.ExternalID] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindInvoice), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, scope Scope, externalID string) (*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.invoices[scope.TenantID()][externalID]
	if inv == nil {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) ListInvoices(ctx context.Context, scope Scope, limit int) ([]*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Invoice
	for _, inv := range s.invoices[scope.TenantID()] {
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOpenInvoices(ctx context.Context, scope Scope) ([]*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Invoice
	for _, inv := range s.invoices[scope.TenantID()] {
		if !inv.IsActive || inv.BalanceCents <= 0 {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		iz, jz := out[i].DueDate.IsZero(), out[j].DueDate.IsZero()
		if iz != jz {
			return jz
		}
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SoftDeleteInvoice(ctx context.Context, scope Scope, externalID string, rec *txlog.Record) (*Invoice, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.invoices[scope.TenantID()][externalID]
	if inv == nil {
		return nil, ErrNotFound
	}

	updated := *inv
	updated.IsActive = false
	updated.UpdatedAt = time.Now().UTC()

	if rec != nil {
		attachEntity(rec, scope, KindInvoice, updated.ID, updated.ExternalID, updated.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, nil); err != nil {
		return nil, err
	}
	s.invoices[scope.TenantID()][externalID] = &updated
	out := updated
	return &out, nil
}

// --- Vendors ---

func (s *MemoryStore) UpsertVendor(ctx context.Context, scope Scope, v *Vendor, rec *txlog.Record) (*Vendor, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if v.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: vendor missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.vendors[tenant][v.ExternalID]
	if existing != nil && v.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindVendor)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindVendor), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *v
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindVendor, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	if s.vendors[tenant] == nil {
		s.vendors[tenant] = make(map[string]*Vendor)
	}
	s.vendors[tenant][stored.ExternalID] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindVendor), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetVendor(ctx context.Context, scope Scope, externalID string) (*Vendor, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vendors[scope.TenantID()][externalID]
	if v == nil {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) ListVendors(ctx context.Context, scope Scope, limit int) ([]*Vendor, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Vendor
	for _, v := range s.vendors[scope.TenantID()] {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Customers ---

func (s *MemoryStore) UpsertCustomer(ctx context.Context, scope Scope, c *Customer, rec *txlog.Record) (*Customer, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if c.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: customer missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.customers[tenant][c.ExternalID]
	if existing != nil && c.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindCustomer)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCustomer), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *c
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindCustomer, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	if s.customers[tenant] == nil {
		s.customers[tenant] = make(map[string]*Customer)
	}
	s.customers[tenant][stored.ExternalID] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCustomer), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetCustomer(ctx context.Context, scope Scope, externalID string) (*Customer, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.customers[scope.TenantID()][externalID]
	if c == nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCustomers(ctx context.Context, scope Scope, limit int) ([]*Customer, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Customer
	for _, c := range s.customers[scope.TenantID()] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Accounts ---

func (s *MemoryStore) UpsertAccount(ctx context.Context, scope Scope, a *Account, rec *txlog.Record) (*Account, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if a.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: account missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.accounts[tenant][a.ExternalID]
	if existing != nil && a.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindAccount)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindAccount), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *a
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindAccount, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	if s.accounts[tenant] == nil {
		s.accounts[tenant] = make(map[string]*Account)
	}
	s.accounts[tenant][stored.ExternalID] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindAccount), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, scope Scope, externalID string) (*Account, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[scope.TenantID()][externalID]
	if a == nil {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, scope Scope, limit int) ([]*Account, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Account
	for _, a := range s.accounts[scope.TenantID()] {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Payments ---

func (s *MemoryStore) UpsertPayment(ctx context.Context, scope Scope, p *Payment, rec *txlog.Record) (*Payment, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if p.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: payment missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.payments[tenant][p.ExternalID]
	if existing != nil && p.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindPayment)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindPayment), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *p
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
		if stored.RequestID == "" {
			stored.RequestID = existing.RequestID
		}
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindPayment, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	if s.payments[tenant] == nil {
		s.payments[tenant] = make(map[string]*Payment)
	}
	s.payments[tenant][stored.ExternalID] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindPayment), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, scope Scope, externalID string) (*Payment, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payments[scope.TenantID()][externalID]
	if p == nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FindPaymentByRequestID(ctx context.Context, scope Scope, requestID string) (*Payment, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if requestID == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments[scope.TenantID()] {
		if p.RequestID == requestID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPayments(ctx context.Context, scope Scope, limit int) ([]*Payment, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments[scope.TenantID()] {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Balances ---

func (s *MemoryStore) UpsertBalance(ctx context.Context, scope Scope, bal *Balance, rec *txlog.Record) (*Balance, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if bal.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: balance missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.balances[tenant][bal.ExternalID]
	if existing != nil && bal.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindBalance)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBalance), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *bal
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindBalance, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	if s.balances[tenant] == nil {
		s.balances[tenant] = make(map[string]*Balance)
	}
	s.balances[tenant][stored.ExternalID] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindBalance), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, scope Scope, externalID string) (*Balance, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.balances[scope.TenantID()][externalID]
	if bal == nil {
		return nil, ErrNotFound
	}
	cp := *bal
	return &cp, nil
}

func (s *MemoryStore) ListBalances(ctx context.Context, scope Scope) ([]*Balance, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Balance
	for _, bal := range s.balances[scope.TenantID()] {
		cp := *bal
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountName != out[j].AccountName {
			return out[i].AccountName < out[j].AccountName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) LatestBalance(ctx context.Context, scope Scope) (*CashPosition, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var pos CashPosition
	for _, bal := range s.balances[scope.TenantID()] {
		if !bal.IsActive {
			continue
		}
		pos.CashCents += bal.BalanceCents
		pos.AccountCount++
		if bal.AsOf.After(pos.AsOf) {
			pos.AsOf = bal.AsOf
		}
	}
	if pos.AccountCount == 0 {
		return nil, ErrNotFound
	}
	return &pos, nil
}

// --- Company ---

func (s *MemoryStore) UpsertCompany(ctx context.Context, scope Scope, c *Company, rec *txlog.Record) (*Company, UpsertResult, error) {
	if err := scope.check(); err != nil {
		return nil, UpsertResult{}, err
	}
	if c.ExternalID == "" {
		return nil, UpsertResult{}, errs.Errorf(errs.InvariantViolation, "mirror: company missing external id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	existing := s.companies[tenant]
	if existing != nil && c.SyncToken <= existing.SyncToken {
		metrics.StaleWritesIgnoredTotal.WithLabelValues(string(KindCompany)).Inc()
		metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCompany), "stale").Inc()
		cp := *existing
		return &cp, UpsertResult{Stale: true}, nil
	}

	now := time.Now().UTC()
	stored := *c
	stored.TenantID = tenant
	stored.UpdatedAt = now
	stored.LastSyncedAt = now
	if existing != nil {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.ID = s.nextID + 1
		stored.CreatedAt = now
	}

	res := UpsertResult{Applied: true}
	if rec != nil {
		attachEntity(rec, scope, KindCompany, stored.ID, stored.ExternalID, stored.SyncToken)
	}
	if err := s.appendLocked(ctx, rec, &res); err != nil {
		return nil, UpsertResult{}, err
	}
	if existing == nil {
		s.nextID = stored.ID
	}
	s.companies[tenant] = &stored
	metrics.MirrorUpsertsTotal.WithLabelValues(string(KindCompany), "applied").Inc()
	out := stored
	return &out, res, nil
}

func (s *MemoryStore) GetCompany(ctx context.Context, scope Scope) (*Company, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.companies[scope.TenantID()]
	if c == nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// --- Reconciliation ---

func (s *MemoryStore) ListSyncStates(ctx context.Context, scope Scope) ([]SyncState, error) {
	if err := scope.check(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := scope.TenantID()
	var states []SyncState
	for _, b := range s.bills[tenant] {
		states = append(states, SyncState{Kind: KindBill, LocalID: b.ID, ExternalID: b.ExternalID, SyncToken: b.SyncToken})
	}
	for _, inv := range s.invoices[tenant] {
		states = append(states, SyncState{Kind: KindInvoice, LocalID: inv.ID, ExternalID: inv.ExternalID, SyncToken: inv.SyncToken})
	}
	for _, v := range s.vendors[tenant] {
		states = append(states, SyncState{Kind: KindVendor, LocalID: v.ID, ExternalID: v.ExternalID, SyncToken: v.SyncToken})
	}
	for _, c := range s.customers[tenant] {
		states = append(states, SyncState{Kind: KindCustomer, LocalID: c.ID, ExternalID: c.ExternalID, SyncToken: c.SyncToken})
	}
	for _, a := range s.accounts[tenant] {
		states = append(states, SyncState{Kind: KindAccount, LocalID: a.ID, ExternalID: a.ExternalID, SyncToken: a.SyncToken})
	}
	for _, p := range s.payments[tenant] {
		states = append(states, SyncState{Kind: KindPayment, LocalID: p.ID, ExternalID: p.ExternalID, SyncToken: p.SyncToken})
	}
	for _, bal := range s.balances[tenant] {
		states = append(states, SyncState{Kind: KindBalance, LocalID: bal.ID, ExternalID: bal.ExternalID, SyncToken: bal.SyncToken})
	}
	if c := s.companies[tenant]; c != nil {
		states = append(states, SyncState{Kind: KindCompany, LocalID: c.ID, ExternalID: c.ExternalID, SyncToken: c.SyncToken})
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Kind != states[j].Kind {
			return states[i].Kind < states[j].Kind
		}
		return states[i].ExternalID < states[j].ExternalID
	})
	return states, nil
}
