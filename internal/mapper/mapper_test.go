package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/ledgerapi"
	"github.com/runwayly/ledgersync/internal/mirror"
)

func TestFromWireAmount(t *testing.T) {
	cases := []struct {
		in    string
		cents int64
		exact bool
	}{
		{"100.00", 10000, true},
		{"150.00", 15000, true},
		{"15.1", 1510, true},
		{"0", 0, true},
		{"", 0, true},
		{"  42.50 ", 4250, true},
		{"-2.51", -251, true},
		{"99.999", 10000, false},
		{"0.005", 1, false},
		{"-2.505", -251, false},
	}
	for _, tc := range cases {
		cents, exact, err := FromWireAmount(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.cents, cents, "input %q", tc.in)
		assert.Equal(t, tc.exact, exact, "input %q", tc.in)
	}
}

func TestFromWireAmountRejectsGarbage(t *testing.T) {
	for _, in := range []string{"abc", "12.3.4", "$5.00", "99999999999999999999.00"} {
		_, _, err := FromWireAmount(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, errs.IsKind(err, errs.Validation), "input %q", in)
		assert.True(t, errors.Is(err, ErrInvalidWireFormat), "input %q", in)
	}
}

func TestToWireAmount(t *testing.T) {
	assert.Equal(t, "100.00", ToWireAmount(10000))
	assert.Equal(t, "0.01", ToWireAmount(1))
	assert.Equal(t, "0.00", ToWireAmount(0))
	assert.Equal(t, "-2.51", ToWireAmount(-251))
}

func TestAmountRoundTrip(t *testing.T) {
	for _, cents := range []int64{0, 1, -1, 10000, 123456789, -987654321} {
		back, exact, err := FromWireAmount(ToWireAmount(cents))
		require.NoError(t, err)
		assert.Equal(t, cents, back)
		assert.True(t, exact)
	}
}

func TestParseSyncToken(t *testing.T) {
	n, err := ParseSyncToken("0")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = ParseSyncToken("17")
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)

	for _, in := range []string{"", "-1", "x", "1.5"} {
		_, err := ParseSyncToken(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, errs.IsKind(err, errs.Validation), "input %q", in)
		assert.True(t, errors.Is(err, ErrInvalidWireFormat), "input %q", in)
	}
	assert.Equal(t, "17", FormatSyncToken(17))
}

func TestParseWireDate(t *testing.T) {
	got, err := ParseWireDate("2024-02-15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseWireDate("2024-02-15T10:30:00-05:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 15, 15, 30, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	got, err = ParseWireDate("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseWireDate("02/15/2024")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Validation))
	assert.True(t, errors.Is(err, ErrInvalidWireFormat))
}

func TestFormatWireDate(t *testing.T) {
	assert.Equal(t, "", FormatWireDate(time.Time{}))
	assert.Equal(t, "2024-02-15", FormatWireDate(time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)))
	// Instants east of UTC format as the UTC calendar day.
	tokyo := time.FixedZone("JST", 9*3600)
	assert.Equal(t, "2024-02-15", FormatWireDate(time.Date(2024, 2, 16, 3, 0, 0, 0, tokyo)))
}

func wireBill() ledgerapi.Bill {
	return ledgerapi.Bill{
		ID:        "B1",
		SyncToken: "0",
		MetaData: &ledgerapi.MetaData{
			CreateTime:      "2024-01-15T09:00:00-08:00",
			LastUpdatedTime: "2024-01-20T09:00:00-08:00",
		},
		TxnDate:     "2024-01-15",
		DueDate:     "2024-02-15",
		TotalAmt:    "100.00",
		Balance:     "100.00",
		VendorRef:   &ledgerapi.Ref{Value: "V9", Name: "Acme Supplies"},
		DocNumber:   "INV-1042",
		PrivateNote: "net 30",
	}
}

func TestFromWireBill(t *testing.T) {
	b, err := FromWireBill(wireBill())
	require.NoError(t, err)

	assert.Equal(t, "B1", b.ExternalID)
	assert.Equal(t, int64(0), b.SyncToken)
	assert.Equal(t, int64(10000), b.AmountCents)
	assert.Equal(t, int64(10000), b.BalanceCents)
	assert.Equal(t, time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC), b.DueDate)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), b.TxnDate)
	assert.Equal(t, "V9", b.VendorExternalID)
	assert.Equal(t, "Acme Supplies", b.VendorName)
	assert.Equal(t, "INV-1042", b.DocNumber)
	assert.Equal(t, "net 30", b.Memo)
	assert.True(t, b.IsActive)
	assert.Equal(t, time.Date(2024, 1, 15, 17, 0, 0, 0, time.UTC), b.SourceCreatedAt)
	assert.Equal(t, time.Date(2024, 1, 20, 17, 0, 0, 0, time.UTC), b.SourceUpdatedAt)
	assert.Nil(t, b.ApprovedAt)
}

func TestFromWireBillRejectsBadInput(t *testing.T) {
	w := wireBill()
	w.ID = ""
	_, err := FromWireBill(w)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Validation))

	w = wireBill()
	w.SyncToken = "not-a-token"
	_, err = FromWireBill(w)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidWireFormat))

	w = wireBill()
	w.TotalAmt = "one hundred"
	_, err = FromWireBill(w)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Validation))

	w = wireBill()
	w.DueDate = "15/02/2024"
	_, err = FromWireBill(w)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidWireFormat))
}

func TestBillWireRoundTrip(t *testing.T) {
	orig, err := FromWireBill(wireBill())
	require.NoError(t, err)

	back, err := FromWireBill(ToWireBill(orig))
	require.NoError(t, err)

	assert.Equal(t, orig.ExternalID, back.ExternalID)
	assert.Equal(t, orig.SyncToken, back.SyncToken)
	assert.Equal(t, orig.AmountCents, back.AmountCents)
	assert.Equal(t, orig.BalanceCents, back.BalanceCents)
	assert.True(t, orig.DueDate.Equal(back.DueDate))
	assert.True(t, orig.TxnDate.Equal(back.TxnDate))
	assert.Equal(t, orig.VendorExternalID, back.VendorExternalID)
	assert.Equal(t, orig.DocNumber, back.DocNumber)
	assert.Equal(t, orig.Memo, back.Memo)
}

func TestFromWireInvoice(t *testing.T) {
	inv, err := FromWireInvoice(ledgerapi.Invoice{
		ID:          "I7",
		SyncToken:   "3",
		CustomerRef: &ledgerapi.Ref{Value: "C2", Name: "Globex"},
		TxnDate:     "2024-01-10",
		DueDate:     "2024-02-10",
		TotalAmt:    "250.00",
		Balance:     "125.00",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), inv.SyncToken)
	assert.Equal(t, "C2", inv.CustomerExternalID)
	assert.Equal(t, int64(25000), inv.AmountCents)
	assert.Equal(t, int64(12500), inv.BalanceCents)
	assert.True(t, inv.IsActive)

	w := ToWireInvoice(inv)
	assert.Equal(t, "250.00", w.TotalAmt)
	assert.Equal(t, "3", w.SyncToken)
	require.NotNil(t, w.CustomerRef)
	assert.Equal(t, "C2", w.CustomerRef.Value)
}

func TestFromWireVendorActiveDefault(t *testing.T) {
	v, err := FromWireVendor(ledgerapi.Vendor{
		ID:               "V9",
		SyncToken:        "1",
		DisplayName:      "Acme Supplies",
		CompanyName:      "Acme Supplies LLC",
		PrimaryEmailAddr: &ledgerapi.EmailAddr{Address: "ap@acme.test"},
		Balance:          "40.00",
	})
	require.NoError(t, err)
	assert.True(t, v.IsActive, "missing Active flag means active")
	assert.Equal(t, "ap@acme.test", v.Email)
	assert.Equal(t, int64(4000), v.BalanceCents)

	inactive := false
	v, err = FromWireVendor(ledgerapi.Vendor{ID: "V10", SyncToken: "0", DisplayName: "Gone", Active: &inactive})
	require.NoError(t, err)
	assert.False(t, v.IsActive)

	w := ToWireVendor(v)
	require.NotNil(t, w.Active)
	assert.False(t, *w.Active)
	assert.Nil(t, w.PrimaryEmailAddr)
}

func TestFromWireCustomer(t *testing.T) {
	c, err := FromWireCustomer(ledgerapi.Customer{
		ID:          "C2",
		SyncToken:   "5",
		DisplayName: "Globex",
		Balance:     "0",
	})
	require.NoError(t, err)
	assert.Equal(t, "Globex", c.DisplayName)
	assert.True(t, c.IsActive)
	assert.Equal(t, "5", ToWireCustomer(c).SyncToken)
}

func TestFromWireAccountAndBalanceProjection(t *testing.T) {
	a, err := FromWireAccount(ledgerapi.Account{
		ID:             "A3",
		SyncToken:      "2",
		Name:           "Operating Checking",
		AcctNum:        "1001",
		AccountType:    "Bank",
		AccountSubType: "Checking",
		Classification: "Asset",
		CurrentBalance: "2500.00",
		MetaData:       &ledgerapi.MetaData{LastUpdatedTime: "2024-03-01T00:00:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(250000), a.BalanceCents)
	assert.True(t, IsCashAccount(a))

	bal := BalanceFromAccount(a)
	assert.Equal(t, "A3", bal.ExternalID)
	assert.Equal(t, int64(2), bal.SyncToken)
	assert.Equal(t, "Operating Checking", bal.AccountName)
	assert.Equal(t, "Bank", bal.AccountType)
	assert.Equal(t, int64(250000), bal.BalanceCents)
	assert.True(t, bal.AsOf.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, bal.IsActive)

	card := &mirror.Account{ExternalID: "A4", AccountType: "Credit Card"}
	assert.False(t, IsCashAccount(card))
}

func TestFromWirePaymentLeavesRequestIDEmpty(t *testing.T) {
	p, err := FromWirePayment(ledgerapi.Payment{
		ID:        "P5",
		SyncToken: "0",
		TxnDate:   "2024-03-05",
		TotalAmt:  "60.00",
		VendorRef: &ledgerapi.Ref{Value: "V9"},
		PayType:   "Check",
	})
	require.NoError(t, err)
	assert.Equal(t, "", p.RequestID)
	assert.Equal(t, int64(6000), p.AmountCents)
	assert.Equal(t, "V9", p.VendorExternalID)
	assert.True(t, p.IsActive)

	w := ToWirePayment(p)
	assert.Equal(t, "60.00", w.TotalAmt)
	assert.Equal(t, "Check", w.PayType)
}

func TestFromWireCompany(t *testing.T) {
	c, err := FromWireCompany(ledgerapi.CompanyInfo{
		ID:                   "1",
		SyncToken:            "4",
		CompanyName:          "Runwayly Test Co",
		LegalName:            "Runwayly Test Company Inc",
		Country:              "US",
		FiscalYearStartMonth: "January",
	})
	require.NoError(t, err)
	assert.Equal(t, "Runwayly Test Co", c.CompanyName)
	assert.Equal(t, "January", c.FiscalYearStartMonth)
	assert.Equal(t, int64(4), c.SyncToken)
}

func TestDiffBills(t *testing.T) {
	prev, err := FromWireBill(wireBill())
	require.NoError(t, err)

	updated := wireBill()
	updated.SyncToken = "1"
	updated.TotalAmt = "150.00"
	updated.Balance = "150.00"
	next, err := FromWireBill(updated)
	require.NoError(t, err)

	d := DiffBills(prev, next)
	require.NotNil(t, d)
	raw, err := d.Raw()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"amount_cents":{"old":10000,"new":15000},"balance_cents":{"old":10000,"new":15000},"sync_token":{"old":0,"new":1}}`,
		string(raw))
}

func TestDiffBillsMinimalChange(t *testing.T) {
	prev, err := FromWireBill(wireBill())
	require.NoError(t, err)

	next := *prev
	next.SyncToken = 1
	next.AmountCents = 15000

	raw, err := DiffBills(prev, &next).Raw()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"amount_cents":{"old":10000,"new":15000},"sync_token":{"old":0,"new":1}}`,
		string(raw))
}

func TestDiffNilAndNoChange(t *testing.T) {
	b, err := FromWireBill(wireBill())
	require.NoError(t, err)

	assert.Nil(t, DiffBills(nil, b))
	assert.Nil(t, DiffBills(b, nil))
	assert.Nil(t, DiffBills(b, b))

	raw, err := Diff(nil).Raw()
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestDiffIgnoresLocalAnnotations(t *testing.T) {
	now := time.Now().UTC()
	prev := &mirror.Bill{ExternalID: "B1", SyncToken: 2, AmountCents: 500, IsActive: true}
	next := &mirror.Bill{ExternalID: "B1", SyncToken: 2, AmountCents: 500, IsActive: true, ApprovedAt: &now, ApprovedBy: "ops@runwayly.test"}
	assert.Nil(t, DiffBills(prev, next))

	pp := &mirror.Payment{ExternalID: "P1", SyncToken: 0, AmountCents: 100, IsActive: true}
	pn := &mirror.Payment{ExternalID: "P1", SyncToken: 0, AmountCents: 100, IsActive: true, RequestID: "req-1"}
	assert.Nil(t, DiffPayments(pp, pn))
}

func TestDiffTimeComparesInstants(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	prev := &mirror.Bill{ExternalID: "B1", SyncToken: 0, IsActive: true,
		DueDate: time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)}
	same := &mirror.Bill{ExternalID: "B1", SyncToken: 0, IsActive: true,
		DueDate: time.Date(2024, 2, 14, 19, 0, 0, 0, est)}
	assert.Nil(t, DiffBills(prev, same), "same instant in another zone is not a change")

	moved := &mirror.Bill{ExternalID: "B1", SyncToken: 0, IsActive: true,
		DueDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	d := DiffBills(prev, moved)
	require.NotNil(t, d)
	change, ok := d["due_date"]
	require.True(t, ok)
	assert.Equal(t, prev.DueDate, change.Old)
	assert.Equal(t, moved.DueDate, change.New)
}

func TestDiffVendorsAndAccounts(t *testing.T) {
	d := DiffVendors(
		&mirror.Vendor{ExternalID: "V9", SyncToken: 1, DisplayName: "Acme", IsActive: true},
		&mirror.Vendor{ExternalID: "V9", SyncToken: 2, DisplayName: "Acme Supplies", IsActive: true},
	)
	require.NotNil(t, d)
	assert.Len(t, d, 2)
	assert.Equal(t, FieldChange{Old: "Acme", New: "Acme Supplies"}, d["display_name"])

	da := DiffAccounts(
		&mirror.Account{ExternalID: "A3", SyncToken: 2, Name: "Checking", AccountType: "Bank", BalanceCents: 250000, IsActive: true},
		&mirror.Account{ExternalID: "A3", SyncToken: 3, Name: "Checking", AccountType: "Bank", BalanceCents: 240000, IsActive: true},
	)
	require.NotNil(t, da)
	assert.Contains(t, da, "balance_cents")
	assert.Contains(t, da, "sync_token")
	assert.NotContains(t, da, "name")
}
