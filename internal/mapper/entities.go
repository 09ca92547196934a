package mapper

import (
	"time"

	"github.com/runwayly/ledgersync/internal/ledgerapi"
	"github.com/runwayly/ledgersync/internal/mirror"
)

func sourceTimes(md *ledgerapi.MetaData) (time.Time, time.Time, error) {
	if md == nil {
		return time.Time{}, time.Time{}, nil
	}
	created, err := ParseWireDate(md.CreateTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	updated, err := ParseWireDate(md.LastUpdatedTime)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return created, updated, nil
}

func refValue(r *ledgerapi.Ref) (string, string) {
	if r == nil {
		return "", ""
	}
	return r.Value, r.Name
}

func emailValue(e *ledgerapi.EmailAddr) string {
	if e == nil {
		return ""
	}
	return e.Address
}

// FromWireBill normalizes a wire bill. Wire bills carry no active flag;
// rows start active and deletion detection flips them later.
func FromWireBill(w ledgerapi.Bill) (*mirror.Bill, error) {
	if w.ID == "" {
		return nil, invalidf("mapper.bill", "missing Id")
	}
	token, err := ParseSyncToken(w.SyncToken)
	if err != nil {
		return nil, err
	}
	txnDate, err := ParseWireDate(w.TxnDate)
	if err != nil {
		return nil, err
	}
	dueDate, err := ParseWireDate(w.DueDate)
	if err != nil {
		return nil, err
	}
	amount, _, err := FromWireAmount(w.TotalAmt)
	if err != nil {
		return nil, err
	}
	balance, _, err := FromWireAmount(w.Balance)
	if err != nil {
		return nil, err
	}
	created, updated, err := sourceTimes(w.MetaData)
	if err != nil {
		return nil, err
	}
	vendorID, vendorName := refValue(w.VendorRef)
	return &mirror.Bill{
		ExternalID:       w.ID,
		SyncToken:        token,
		VendorExternalID: vendorID,
		VendorName:       vendorName,
		DocNumber:        w.DocNumber,
		TxnDate:          txnDate,
		DueDate:          dueDate,
		AmountCents:      amount,
		BalanceCents:     balance,
		Memo:             w.PrivateNote,
		IsActive:         true,
		SourceCreatedAt:  created,
		SourceUpdatedAt:  updated,
	}, nil
}

// ToWireBill renders a mirror bill for a full-entity update. The provider
// requires Id and SyncToken to match the stored version.
func ToWireBill(b *mirror.Bill) ledgerapi.Bill {
	w := ledgerapi.Bill{
		ID:          b.ExternalID,
		SyncToken:   FormatSyncToken(b.SyncToken),
		TxnDate:     FormatWireDate(b.TxnDate),
		DueDate:     FormatWireDate(b.DueDate),
		TotalAmt:    ToWireAmount(b.AmountCents),
		Balance:     ToWireAmount(b.BalanceCents),
		DocNumber:   b.DocNumber,
		PrivateNote: b.Memo,
	}
	if b.VendorExternalID != "" {
		w.VendorRef = &ledgerapi.Ref{Value: b.VendorExternalID, Name: b.VendorName}
	}
	return w
}

func FromWireInvoice(w ledgerapi.Invoice) (*mirror.Invoice, error) {
	if w.ID == "" {
		return nil, invalidf("mapper.invoice", "missing Id")
	}
	token, err := ParseSyncToken(w.SyncToken)
	if err != nil {
		return nil, err
	}
	txnDate, err := ParseWireDate(w.TxnDate)
	if err != nil {
		return nil, err
	}
	dueDate, err := ParseWireDate(w.DueDate)
	if err != nil {
		return nil, err
	}
	amount, _, err := FromWireAmount(w.TotalAmt)
	if err != nil {
		return nil, err
	}
	balance, _, err := FromWireAmount(w.Balance)
	if err != nil {
		return nil, err
	}
	created, updated, err := sourceTimes(w.MetaData)
	if err != nil {
		return nil, err
	}
	customerID, customerName := refValue(w.CustomerRef)
	return &mirror.Invoice{
		ExternalID:         w.ID,
		SyncToken:          token,
		CustomerExternalID: customerID,
		CustomerName:       customerName,
		DocNumber:          w.DocNumber,
		TxnDate:            txnDate,
		DueDate:            dueDate,
		AmountCents:        amount,
		BalanceCents:       balance,
		Memo:               w.PrivateNote,
		IsActive:           true,
		SourceCreatedAt:    created,
		SourceUpdatedAt:    updated,
	}, nil
}

func ToWireInvoice(inv *mirror.Invoice) ledgerapi.Invoice {
	w := ledgerapi.Invoice{
		ID:          inv.ExternalID,
		SyncToken:   FormatSyncToken(inv.SyncToken),
		TxnDate:     FormatWireDate(inv.TxnDate),
		DueDate:     FormatWireDate(inv.DueDate),
		TotalAmt:    ToWireAmount(inv.AmountCents),
		Balance:     ToWireAmount(inv.BalanceCents),
		DocNumber:   inv.DocNumber,
		PrivateNote: inv.Memo,
	}
	if inv.CustomerExternalID != "" {
		w.CustomerRef = &ledgerapi.Ref{Value: inv.CustomerExternalID, Name: inv.CustomerName}
	}
	return w
}

func FromWireVendor(w ledgerapi.Vendor) (*mirror.Vendor, error) {
	if w.ID == "" {
		return nil, invalidf("mapper.vendor", "missing Id")
	}
	token, err := ParseSyncToken(w.SyncToken)
	if err != nil {
		return nil, err
	}
	balance, _, err := FromWireAmount(w.Balance)
	if err != nil {
		return nil, err
	}
	created, updated, err := sourceTimes(w.MetaData)
	if err != nil {
		return nil, err
	}
	return &mirror.Vendor{
		ExternalID:      w.ID,
		SyncToken:       token,
		DisplayName:     w.DisplayName,
		CompanyName:     w.CompanyName,
		Email:           emailValue(w.PrimaryEmailAddr),
		BalanceCents:    balance,
		IsActive:        activeValue(w.Active),
		SourceCreatedAt: created,
		SourceUpdatedAt: updated,
	}, nil
}

func ToWireVendor(v *mirror.Vendor) ledgerapi.Vendor {
	active := v.IsActive
	w := ledgerapi.Vendor{
		ID:          v.ExternalID,
		SyncToken:   FormatSyncToken(v.SyncToken),
		DisplayName: v.DisplayName,
		CompanyName: v.CompanyName,
		Balance:     ToWireAmount(v.BalanceCents),
		Active:      &active,
	}
	if v.Email != "" {
		w.PrimaryEmailAddr = &ledgerapi.EmailAddr{Address: v.Email}
	}
	return w
}

func FromWireCustomer(w ledgerapi.Customer) (*mirror.Customer, error) {
	if w.ID == "" {
		return nil, invalidf("mapper.customer", "missing Id")
	}
	token, err := ParseSyncToken(w.SyncToken)
	if err != nil {
		return nil, err
	}
	balance, _, err := FromWireAmount(w.Balance)
	if err != nil {
		return nil, err
	}
	created, updated, err := sourceTimes(w.MetaData)
	if err != nil {
		return nil, err
	}
	return &mirror.Customer{
		ExternalID:      w.ID,
		SyncToken:       token,
		DisplayName:     w.DisplayName,
		CompanyName:     w.CompanyName,
		Email:           emailValue(w.PrimaryEmailAddr),
		BalanceCents:    balance,
		IsActive:        activeValue(w.Active),
		SourceCreatedAt: created,
		SourceUpdatedAt: updated,
	}, nil
}

func ToWireCustomer(c *mirror.Customer) ledgerapi.Customer {
	active := c.IsActive
	w := ledgerapi.Customer{
		ID:          c.ExternalID,
		SyncToken:   FormatSyncToken(c.SyncToken),
		DisplayName: c.DisplayName,
		CompanyName: c.CompanyName,
		Balance:     ToWireAmount(c.BalanceCents),
		Active:      &active,
	}
	if c.Email != "" {
		w.PrimaryEmailAddr = &ledgerapi.EmailAddr{Address: c.Email}
	}
	return w
}

func FromWireAccount(w ledgerapi.Account) (*mirror.Account, error) {
	if w.ID == "" {
		return nil, invalidf("mapper.account", "missing Id")
	}
	token, err := ParseSyncToken(w.SyncToken)
	if err != nil {
		return nil, err
	}
	balance, _, err := FromWireAmount(w.CurrentBalance)
	if err != nil {
		return nil, err
	}
	created, updated, err := sourceTimes(w.MetaData)
	if err != nil {
		return nil, err
	}
	return &mirror.Account{
		ExternalID:      w.ID,
		SyncToken:       token,
		Name:            w.Name,
		AcctNum:         w.AcctNum,
		AccountType:     w.AccountType,
		AccountSubType:  w.AccountSubType,
		Classification:  w.Classification,
		BalanceCents:    balance,
		IsActive:        activeValue(w.Active),
		SourceCreatedAt: created,
		SourceUpdatedAt: updated,
	}, nil
}

func ToWireAccount(a *mirror.Account) ledgerapi.Account {
	active := a.IsActive
	return ledgerapi.Account{
		ID:             a.ExternalID,
		SyncToken:      FormatSyncToken(a.SyncToken),
		Name:           a.Name,
		AcctNum:        a.AcctNum,
		AccountType:    a.AccountType,
		AccountSubType: a.AccountSubType,
		Classification: a.Classification,
		CurrentBalance: ToWireAmount(a.BalanceCents),
		Active:         &active,
	}
}

// FromWirePayment normalizes a wire payment. The client idempotency marker
// travels in a header, never in the payload, so RequestID stays empty here
// and the caller that issued the create fills it in.
func FromWirePayment(w ledgerapi.Payment) (*mirror.Payment, error) {
	if w.ID == "" {
		return nil, invalidf("mapper.payment", "missing Id")
	}
	token, err := ParseSyncToken(w.SyncToken)
	if err != nil {
		return nil, err
	}
	txnDate, err := ParseWireDate(w.TxnDate)
	if err != nil {
		return nil, err
	}
	amount, _, err := FromWireAmount(w.TotalAmt)
	if err != nil {
		return nil, err
	}
	created, updated, err := sourceTimes(w.MetaData)
	if err != nil {
		return nil, err
	}
	vendorID, vendorName := refValue(w.VendorRef)
	return &mirror.Payment{
		ExternalID:       w.ID,
		SyncToken:        token,
		VendorExternalID: vendorID,
		VendorName:       vendorName,
		TxnDate:          txnDate,
		AmountCents:      amount,
		PayType:          w.PayType,
		DocNumber:        w.DocNumber,
		Memo:             w.PrivateNote,
		IsActive:         true,
		SourceCreatedAt:  created,
		SourceUpdatedAt:  updated,
	}, nil
}

func ToWirePayment(p *mirror.Payment) ledgerapi.Payment {
	w := ledgerapi.Payment{
		ID:          p.ExternalID,
		SyncToken:   FormatSyncToken(p.SyncToken),
		TxnDate:     FormatWireDate(p.TxnDate),
		TotalAmt:    ToWireAmount(p.AmountCents),
		PayType:     p.PayType,
		DocNumber:   p.DocNumber,
		PrivateNote: p.Memo,
	}
	if p.VendorExternalID != "" {
		w.VendorRef = &ledgerapi.Ref{Value: p.VendorExternalID, Name: p.VendorName}
	}
	return w
}

func FromWireCompany(w ledgerapi.CompanyInfo) (*mirror.Company, error) {
	if w.ID == "" {
		return nil, invalidf("mapper.company", "missing Id")
	}
	token, err := ParseSyncToken(w.SyncToken)
	if err != nil {
		return nil, err
	}
	created, updated, err := sourceTimes(w.MetaData)
	if err != nil {
		return nil, err
	}
	return &mirror.Company{
		ExternalID:           w.ID,
		SyncToken:            token,
		CompanyName:          w.CompanyName,
		LegalName:            w.LegalName,
		Country:              w.Country,
		FiscalYearStartMonth: w.FiscalYearStartMonth,
		SourceCreatedAt:      created,
		SourceUpdatedAt:      updated,
	}, nil
}

// IsCashAccount reports whether an account's balance belongs in the cash
// position.
func IsCashAccount(a *mirror.Account) bool {
	return a.AccountType == "Bank"
}

// BalanceFromAccount projects a cash account's current balance into a
// balance row. Callers decide which accounts qualify, usually via
// IsCashAccount.
func BalanceFromAccount(a *mirror.Account) *mirror.Balance {
	return &mirror.Balance{
		ExternalID:   a.ExternalID,
		SyncToken:    a.SyncToken,
		AccountName:  a.Name,
		AccountType:  a.AccountType,
		BalanceCents: a.BalanceCents,
		AsOf:         a.SourceUpdatedAt,
		IsActive:     a.IsActive,
	}
}
