package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/txlog"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.Counter.GetValue()
}

func syncedRecord() *txlog.Record {
	return &txlog.Record{Type: txlog.TypeSynced, Source: txlog.SourceExternalLedger}
}

func billFixture(externalID string, token int64) *Bill {
	return &Bill{
		ExternalID:   externalID,
		SyncToken:    token,
		VendorName:   "Staples",
		DocNumber:    "BILL-" + externalID,
		TxnDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		DueDate:      time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		AmountCents:  10000,
		BalanceCents: 10000,
		IsActive:     true,
	}
}

func TestNewScope(t *testing.T) {
	_, err := NewScope("")
	assert.True(t, errs.IsKind(err, errs.InvariantViolation))

	_, err = NewScope("   ")
	assert.True(t, errs.IsKind(err, errs.InvariantViolation))

	scope, err := NewScope("tn_1")
	require.NoError(t, err)
	assert.Equal(t, "tn_1", scope.TenantID())
}

func TestMemoryStore_RejectsZeroScope(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	_, err := store.GetBill(ctx, Scope{}, "b1")
	assert.True(t, errs.IsKind(err, errs.InvariantViolation))

	_, _, err = store.UpsertBill(ctx, Scope{}, billFixture("b1", 1), nil)
	assert.True(t, errs.IsKind(err, errs.InvariantViolation))

	_, err = store.ListSyncStates(ctx, Scope{})
	assert.True(t, errs.IsKind(err, errs.InvariantViolation))
}

func TestMemoryStore_BillUpsertLifecycle(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	// Insert a new bill with a log record.
	rec := &txlog.Record{Type: txlog.TypeCreated, Source: txlog.SourceExternalLedger}
	b, res, err := store.UpsertBill(ctx, scope, billFixture("b1", 1), rec)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Stale)
	assert.NotZero(t, b.ID)
	assert.NotZero(t, res.LogEntryID)
	assert.Equal(t, "tn_1", b.TenantID)
	assert.False(t, b.LastSyncedAt.IsZero())

	// The log record carries the resolved identity.
	assert.Equal(t, "bill", rec.EntityKind)
	assert.Equal(t, b.ID, rec.EntityID)
	require.NotNil(t, rec.SyncToken)
	assert.Equal(t, int64(1), *rec.SyncToken)

	// Update with a strictly greater token.
	next := billFixture("b1", 3)
	next.BalanceCents = 0
	updated, res, err := store.UpsertBill(ctx, scope, next, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, b.ID, updated.ID)
	assert.Equal(t, b.CreatedAt, updated.CreatedAt)
	assert.Equal(t, int64(0), updated.BalanceCents)

	// Both versions left log entries, oldest first.
	entries, err := store.Logs().ListByEntity(ctx, "tn_1", "bill", b.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, txlog.TypeCreated, entries[0].Type)
	assert.Equal(t, txlog.TypeSynced, entries[1].Type)
}

func TestMemoryStore_StaleWriteIgnored(t *testing.T) {
	metrics.StaleWritesIgnoredTotal.Reset()
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	fresh := billFixture("b1", 5)
	fresh.AmountCents = 25000
	_, _, err := store.UpsertBill(ctx, scope, fresh, syncedRecord())
	require.NoError(t, err)

	// Equal token loses.
	equal := billFixture("b1", 5)
	equal.AmountCents = 1
	got, res, err := store.UpsertBill(ctx, scope, equal, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(25000), got.AmountCents)

	// Lower token loses.
	older := billFixture("b1", 4)
	older.AmountCents = 2
	_, res, err = store.UpsertBill(ctx, scope, older, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Stale)

	stored, err := store.GetBill(ctx, scope, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(25000), stored.AmountCents)
	assert.Equal(t, int64(5), stored.SyncToken)

	assert.Equal(t, 2.0, counterValue(t, metrics.StaleWritesIgnoredTotal, "bill"))

	// Stale writes never log.
	entries, err := store.Logs().ListByEntity(ctx, "tn_1", "bill", stored.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMemoryStore_ApprovalSurvivesSync(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	b, _, err := store.UpsertBill(ctx, scope, billFixture("b1", 1), syncedRecord())
	require.NoError(t, err)
	assert.Nil(t, b.ApprovedAt)

	approveRec := &txlog.Record{Type: txlog.TypeUpdated, Source: txlog.SourceUser, Reason: "bill approved"}
	approved, err := store.SetBillApproval(ctx, scope, "b1", "usr_cfo", approveRec)
	require.NoError(t, err)
	require.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, "usr_cfo", approved.ApprovedBy)
	// Approval entries carry no external version.
	assert.Nil(t, approveRec.SyncToken)

	// A later sync rewrites the row but not the approval.
	next := billFixture("b1", 2)
	next.AmountCents = 11000
	_, _, err = store.UpsertBill(ctx, scope, next, syncedRecord())
	require.NoError(t, err)

	got, err := store.GetBill(ctx, scope, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(11000), got.AmountCents)
	require.NotNil(t, got.ApprovedAt)
	assert.Equal(t, "usr_cfo", got.ApprovedBy)

	entries, err := store.Logs().ListByEntity(ctx, "tn_1", "bill", got.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestMemoryStore_SoftDeleteBill(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	_, _, err := store.UpsertBill(ctx, scope, billFixture("b1", 2), syncedRecord())
	require.NoError(t, err)

	rec := &txlog.Record{Type: txlog.TypeDeleted, Source: txlog.SourceExternalLedger}
	deleted, err := store.SoftDeleteBill(ctx, scope, "b1", rec)
	require.NoError(t, err)
	assert.False(t, deleted.IsActive)
	assert.Equal(t, int64(2), deleted.SyncToken)

	// The row stays readable.
	got, err := store.GetBill(ctx, scope, "b1")
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	// But drops out of due listings.
	due, err := store.ListBillsDueWithin(ctx, scope, 365)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = store.SoftDeleteBill(ctx, scope, "missing", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListBillsDueWithin(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, due time.Time, balance int64, active bool) {
		b := billFixture(id, 1)
		b.DueDate = due
		b.BalanceCents = balance
		b.IsActive = active
		_, _, err := store.UpsertBill(ctx, scope, b, nil)
		require.NoError(t, err)
	}

	mk("overdue", now.AddDate(0, 0, -3), 5000, true)
	mk("soon", now.AddDate(0, 0, 2), 7000, true)
	mk("far", now.AddDate(0, 0, 40), 9000, true)
	mk("paid", now.AddDate(0, 0, 2), 0, true)
	mk("gone", now.AddDate(0, 0, 2), 4000, false)

	due, err := store.ListBillsDueWithin(ctx, scope, 7)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Soonest first, so the overdue bill leads.
	assert.Equal(t, "overdue", due[0].ExternalID)
	assert.Equal(t, "soon", due[1].ExternalID)
}

func TestMemoryStore_ListOpenInvoices(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, due time.Time, balance int64, active bool) {
		inv := &Invoice{
			ExternalID:   id,
			SyncToken:    1,
			CustomerName: "Acme",
			DueDate:      due,
			AmountCents:  20000,
			BalanceCents: balance,
			IsActive:     active,
		}
		_, _, err := store.UpsertInvoice(ctx, scope, inv, nil)
		require.NoError(t, err)
	}

	mk("late", now.AddDate(0, 0, 5), 20000, true)
	mk("soon", now.AddDate(0, 0, 1), 20000, true)
	mk("paid", now.AddDate(0, 0, 1), 0, true)
	mk("void", now.AddDate(0, 0, 1), 20000, false)

	open, err := store.ListOpenInvoices(ctx, scope)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "soon", open[0].ExternalID)
	assert.Equal(t, "late", open[1].ExternalID)
}

func TestMemoryStore_PaymentRequestIDLookup(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	p := &Payment{
		ExternalID:  "p1",
		SyncToken:   1,
		AmountCents: 5000,
		RequestID:   "req_abc",
		IsActive:    true,
	}
	_, _, err := store.UpsertPayment(ctx, scope, p, nil)
	require.NoError(t, err)

	found, err := store.FindPaymentByRequestID(ctx, scope, "req_abc")
	require.NoError(t, err)
	assert.Equal(t, "p1", found.ExternalID)

	_, err = store.FindPaymentByRequestID(ctx, scope, "req_other")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.FindPaymentByRequestID(ctx, scope, "")
	assert.ErrorIs(t, err, ErrNotFound)

	// A later sync of the same payment arrives without the marker; the
	// stored one survives.
	refresh := &Payment{ExternalID: "p1", SyncToken: 2, AmountCents: 5000, IsActive: true}
	_, res, err := store.UpsertPayment(ctx, scope, refresh, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	found, err = store.FindPaymentByRequestID(ctx, scope, "req_abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), found.SyncToken)
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	scopeA := MustScope("tn_a")
	scopeB := MustScope("tn_b")

	a := billFixture("b1", 1)
	a.AmountCents = 100
	_, _, err := store.UpsertBill(ctx, scopeA, a, nil)
	require.NoError(t, err)

	b := billFixture("b1", 9)
	b.AmountCents = 900
	_, _, err = store.UpsertBill(ctx, scopeB, b, nil)
	require.NoError(t, err)

	gotA, err := store.GetBill(ctx, scopeA, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), gotA.AmountCents)
	assert.Equal(t, int64(1), gotA.SyncToken)

	gotB, err := store.GetBill(ctx, scopeB, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), gotB.AmountCents)

	listA, err := store.ListBills(ctx, scopeA, 0)
	require.NoError(t, err)
	assert.Len(t, listA, 1)
}

func TestMemoryStore_CompanySingleton(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	c := &Company{ExternalID: "9130001", SyncToken: 1, CompanyName: "Runwayly Test Co"}
	_, res, err := store.UpsertCompany(ctx, scope, c, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Applied)

	renamed := &Company{ExternalID: "9130001", SyncToken: 2, CompanyName: "Runwayly Inc"}
	_, res, err = store.UpsertCompany(ctx, scope, renamed, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Applied)

	stale := &Company{ExternalID: "9130001", SyncToken: 1, CompanyName: "Old Name"}
	got, res, err := store.UpsertCompany(ctx, scope, stale, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "Runwayly Inc", got.CompanyName)

	company, err := store.GetCompany(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, "Runwayly Inc", company.CompanyName)
}

func TestMemoryStore_BalanceCashPosition(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	_, err := store.LatestBalance(ctx, scope)
	assert.ErrorIs(t, err, ErrNotFound)

	older := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)
	mk := func(id, name string, cents int64, asOf time.Time, active bool) {
		bal := &Balance{
			ExternalID:   id,
			SyncToken:    1,
			AccountName:  name,
			AccountType:  "Bank",
			BalanceCents: cents,
			AsOf:         asOf,
			IsActive:     active,
		}
		_, _, err := store.UpsertBalance(ctx, scope, bal, nil)
		require.NoError(t, err)
	}

	mk("a1", "Checking", 150000, older, true)
	mk("a2", "Savings", 300000, newer, true)
	mk("a3", "Closed", 9900, newer, false)

	pos, err := store.LatestBalance(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(450000), pos.CashCents)
	assert.Equal(t, 2, pos.AccountCount)
	assert.Equal(t, newer, pos.AsOf)

	// A fresh token moves the number; a stale one does not.
	refresh := &Balance{ExternalID: "a1", SyncToken: 2, AccountName: "Checking", AccountType: "Bank", BalanceCents: 100000, AsOf: newer, IsActive: true}
	_, res, err := store.UpsertBalance(ctx, scope, refresh, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	pos, err = store.LatestBalance(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(400000), pos.CashCents)
}

func TestMemoryStore_ListSyncStates(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	_, _, err := store.UpsertBill(ctx, scope, billFixture("b1", 3), nil)
	require.NoError(t, err)
	_, _, err = store.UpsertVendor(ctx, scope, &Vendor{ExternalID: "v1", SyncToken: 2, DisplayName: "Staples", IsActive: true}, nil)
	require.NoError(t, err)
	_, _, err = store.UpsertCompany(ctx, scope, &Company{ExternalID: "9130001", SyncToken: 1, CompanyName: "Co"}, nil)
	require.NoError(t, err)

	states, err := store.ListSyncStates(ctx, scope)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, KindBill, states[0].Kind)
	assert.Equal(t, int64(3), states[0].SyncToken)
	assert.Equal(t, KindCompany, states[1].Kind)
	assert.Equal(t, KindVendor, states[2].Kind)
	assert.Equal(t, "v1", states[2].ExternalID)
}

func TestMemoryStore_UpsertRequiresExternalID(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")

	_, _, err := store.UpsertBill(context.Background(), scope, &Bill{SyncToken: 1}, nil)
	assert.True(t, errs.IsKind(err, errs.InvariantViolation))
}

func TestMemoryStore_FailedLogAppendLeavesRowUntouched(t *testing.T) {
	store := NewMemoryStore(nil)
	scope := MustScope("tn_1")
	ctx := context.Background()

	// Missing source fails record validation.
	bad := &txlog.Record{Type: txlog.TypeCreated}
	_, _, err := store.UpsertBill(ctx, scope, billFixture("b1", 1), bad)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.InvariantViolation))

	_, err = store.GetBill(ctx, scope, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The failed attempt must not burn an id.
	b, _, err := store.UpsertBill(ctx, scope, billFixture("b1", 1), syncedRecord())
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ID)
}
