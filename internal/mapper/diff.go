package mapper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/runwayly/ledgersync/internal/mirror"
)

// FieldChange holds the before and after values of a single column.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Diff maps changed column names to their old and new values. Keys use the
// mirror table column names so log entries read the same as the schema.
type Diff map[string]FieldChange

// Raw marshals the diff for a transaction log record. Empty diffs become
// nil so the column stays NULL.
func (d Diff) Raw() (json.RawMessage, error) {
	if len(d) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("mapper: marshal diff: %w", err)
	}
	return raw, nil
}

func diffInt(d Diff, key string, prev, next int64) {
	if prev != next {
		d[key] = FieldChange{Old: prev, New: next}
	}
}

func diffStr(d Diff, key string, prev, next string) {
	if prev != next {
		d[key] = FieldChange{Old: prev, New: next}
	}
}

func diffBool(d Diff, key string, prev, next bool) {
	if prev != next {
		d[key] = FieldChange{Old: prev, New: next}
	}
}

func diffTime(d Diff, key string, prev, next time.Time) {
	if !prev.Equal(next) {
		d[key] = FieldChange{Old: prev.UTC(), New: next.UTC()}
	}
}

// DiffBills compares business columns of two bill versions. A nil prev means
// a fresh insert, which carries no diff. Approval columns are local
// annotations and never appear.
func DiffBills(prev, next *mirror.Bill) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "vendor_external_id", prev.VendorExternalID, next.VendorExternalID)
	diffStr(d, "vendor_name", prev.VendorName, next.VendorName)
	diffStr(d, "doc_number", prev.DocNumber, next.DocNumber)
	diffTime(d, "txn_date", prev.TxnDate, next.TxnDate)
	diffTime(d, "due_date", prev.DueDate, next.DueDate)
	diffInt(d, "amount_cents", prev.AmountCents, next.AmountCents)
	diffInt(d, "balance_cents", prev.BalanceCents, next.BalanceCents)
	diffStr(d, "memo", prev.Memo, next.Memo)
	diffBool(d, "is_active", prev.IsActive, next.IsActive)
	if len(d) == 0 {
		return nil
	}
	return d
}

func DiffInvoices(prev, next *mirror.Invoice) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "customer_external_id", prev.CustomerExternalID, next.CustomerExternalID)
	diffStr(d, "customer_name", prev.CustomerName, next.CustomerName)
	diffStr(d, "doc_number", prev.DocNumber, next.DocNumber)
	diffTime(d, "txn_date", prev.TxnDate, next.TxnDate)
	diffTime(d, "due_date", prev.DueDate, next.DueDate)
	diffInt(d, "amount_cents", prev.AmountCents, next.AmountCents)
	diffInt(d, "balance_cents", prev.BalanceCents, next.BalanceCents)
	diffStr(d, "memo", prev.Memo, next.Memo)
	diffBool(d, "is_active", prev.IsActive, next.IsActive)
	if len(d) == 0 {
		return nil
	}
	return d
}

func DiffVendors(prev, next *mirror.Vendor) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "display_name", prev.DisplayName, next.DisplayName)
	diffStr(d, "company_name", prev.CompanyName, next.CompanyName)
	diffStr(d, "email", prev.Email, next.Email)
	diffInt(d, "balance_cents", prev.BalanceCents, next.BalanceCents)
	diffBool(d, "is_active", prev.IsActive, next.IsActive)
	if len(d) == 0 {
		return nil
	}
	return d
}

func DiffCustomers(prev, next *mirror.Customer) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "display_name", prev.DisplayName, next.DisplayName)
	diffStr(d, "company_name", prev.CompanyName, next.CompanyName)
	diffStr(d, "email", prev.Email, next.Email)
	diffInt(d, "balance_cents", prev.BalanceCents, next.BalanceCents)
	diffBool(d, "is_active", prev.IsActive, next.IsActive)
	if len(d) == 0 {
		return nil
	}
	return d
}

func DiffAccounts(prev, next *mirror.Account) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "name", prev.Name, next.Name)
	diffStr(d, "acct_num", prev.AcctNum, next.AcctNum)
	diffStr(d, "account_type", prev.AccountType, next.AccountType)
	diffStr(d, "account_sub_type", prev.AccountSubType, next.AccountSubType)
	diffStr(d, "classification", prev.Classification, next.Classification)
	diffInt(d, "balance_cents", prev.BalanceCents, next.BalanceCents)
	diffBool(d, "is_active", prev.IsActive, next.IsActive)
	if len(d) == 0 {
		return nil
	}
	return d
}

// DiffPayments skips request_id, which is a local idempotency marker rather
// than provider state.
func DiffPayments(prev, next *mirror.Payment) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "vendor_external_id", prev.VendorExternalID, next.VendorExternalID)
	diffStr(d, "vendor_name", prev.VendorName, next.VendorName)
	diffTime(d, "txn_date", prev.TxnDate, next.TxnDate)
	diffInt(d, "amount_cents", prev.AmountCents, next.AmountCents)
	diffStr(d, "pay_type", prev.PayType, next.PayType)
	diffStr(d, "doc_number", prev.DocNumber, next.DocNumber)
	diffStr(d, "memo", prev.Memo, next.Memo)
	diffBool(d, "is_active", prev.IsActive, next.IsActive)
	if len(d) == 0 {
		return nil
	}
	return d
}

func DiffCompanies(prev, next *mirror.Company) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "company_name", prev.CompanyName, next.CompanyName)
	diffStr(d, "legal_name", prev.LegalName, next.LegalName)
	diffStr(d, "country", prev.Country, next.Country)
	diffStr(d, "fiscal_year_start_month", prev.FiscalYearStartMonth, next.FiscalYearStartMonth)
	if len(d) == 0 {
		return nil
	}
	return d
}

func DiffBalances(prev, next *mirror.Balance) Diff {
	if prev == nil || next == nil {
		return nil
	}
	d := Diff{}
	diffInt(d, "sync_token", prev.SyncToken, next.SyncToken)
	diffStr(d, "account_name", prev.AccountName, next.AccountName)
	diffStr(d, "account_type", prev.AccountType, next.AccountType)
	diffInt(d, "balance_cents", prev.BalanceCents, next.BalanceCents)
	diffTime(d, "as_of", prev.AsOf, next.AsOf)
	diffBool(d, "is_active", prev.IsActive, next.IsActive)
	if len(d) == 0 {
		return nil
	}
	return d
}
