// Package mirror is the local authoritative copy of external ledger
// entities. Every row is tenant-scoped, amounts are integer minor units,
// and upserts enforce sync-token monotonicity so replayed or reordered
// fetches can never roll a row backward.
package mirror

import (
	"errors"
	"strings"

	"github.com/runwayly/ledgersync/internal/errs"
)

var ErrNotFound = errors.New("mirror: not found")

// EntityKind names a mirrored row family. The values appear in metrics
// labels and transaction log entries.
type EntityKind string

const (
	KindBill     EntityKind = "bill"
	KindInvoice  EntityKind = "invoice"
	KindVendor   EntityKind = "vendor"
	KindCustomer EntityKind = "customer"
	KindAccount  EntityKind = "account"
	KindPayment  EntityKind = "payment"
	KindCompany  EntityKind = "company"
	KindBalance  EntityKind = "balance"
)

// Scope proves a store call is bound to one tenant. The zero value is
// unusable: every store method rejects it, so a query can never reach the
// database without a tenant filter.
type Scope struct {
	tenantID string
}

// NewScope builds a tenant scope. Empty or blank tenant ids are refused.
func NewScope(tenantID string) (Scope, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Scope{}, errs.Errorf(errs.InvariantViolation, "mirror: scope requires a tenant id")
	}
	return Scope{tenantID: tenantID}, nil
}

// MustScope is NewScope for call sites where the tenant id is already
// validated, such as tests.
func MustScope(tenantID string) Scope {
	s, err := NewScope(tenantID)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Scope) TenantID() string { return s.tenantID }

func (s Scope) check() error {
	if s.tenantID == "" {
		return errs.Errorf(errs.InvariantViolation, "mirror: call without tenant scope")
	}
	return nil
}
