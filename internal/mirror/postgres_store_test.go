//go:build integration

package mirror

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/testutil"
	"github.com/runwayly/ledgersync/internal/txlog"
)

func setupPG(t *testing.T) (*PostgresStore, *txlog.PostgresStore, *sql.DB) {
	t.Helper()
	db := testutil.PGTest(t)
	seedTenantRow(t, db, "tn_pg")
	return NewPostgresStore(db), txlog.NewPostgresStore(db), db
}

// seedTenantRow satisfies the tenant foreign key on mirror tables.
func seedTenantRow(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO tenants (id, display_name, environment, status, created_at, updated_at)
		VALUES ($1, $1, 'sandbox', 'connected', NOW(), NOW())
		ON CONFLICT (id) DO NOTHING`, id)
	require.NoError(t, err)
}

func TestPostgresStore_BillTokenMonotonicity(t *testing.T) {
	store, _, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()

	b, res, err := store.UpsertBill(ctx, scope, billFixture("b1", 2), syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.NotZero(t, b.ID)
	assert.NotZero(t, res.LogEntryID)

	// Same token is refused: strictly greater or nothing.
	same := billFixture("b1", 2)
	same.AmountCents = 99999
	got, res, err := store.UpsertBill(ctx, scope, same, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Zero(t, res.LogEntryID)
	assert.Equal(t, int64(10000), got.AmountCents)

	// A greater token lands and keeps the row identity.
	next := billFixture("b1", 5)
	next.BalanceCents = 0
	updated, res, err := store.UpsertBill(ctx, scope, next, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, b.ID, updated.ID)
	assert.Equal(t, int64(0), updated.BalanceCents)

	// An older token arriving late is ignored, row keeps token 5.
	stale := billFixture("b1", 3)
	got, res, err = store.UpsertBill(ctx, scope, stale, syncedRecord())
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, int64(5), got.SyncToken)
}

func TestPostgresStore_LogRidesUpsertTransaction(t *testing.T) {
	store, logs, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()

	rec := &txlog.Record{Type: txlog.TypeCreated, Source: txlog.SourceExternalLedger}
	b, res, err := store.UpsertBill(ctx, scope, billFixture("b1", 1), rec)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, rec.ID, res.LogEntryID)

	entries, err := logs.ListByEntity(ctx, "tn_pg", "bill", b.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, txlog.TypeCreated, entries[0].Type)
	assert.Equal(t, "b1", entries[0].ExternalID)
	require.NotNil(t, entries[0].SyncToken)
	assert.Equal(t, int64(1), *entries[0].SyncToken)

	// Stale writes leave no trace in the log.
	_, res, err = store.UpsertBill(ctx, scope, billFixture("b1", 1), syncedRecord())
	require.NoError(t, err)
	require.True(t, res.Stale)

	entries, err = logs.ListByEntity(ctx, "tn_pg", "bill", b.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	states, err := logs.ListAppliedStates(ctx, "tn_pg")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, txlog.AppliedState{EntityKind: "bill", ExternalID: "b1", SyncToken: 1}, states[0])
}

func TestPostgresStore_DueWindowExcludesSettledAndDeleted(t *testing.T) {
	store, _, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()
	now := time.Now().UTC()

	soon := billFixture("due-soon", 1)
	soon.DueDate = now.AddDate(0, 0, 3)
	later := billFixture("due-later", 1)
	later.DueDate = now.AddDate(0, 0, 25)
	paid := billFixture("paid", 1)
	paid.DueDate = now.AddDate(0, 0, 2)
	paid.BalanceCents = 0
	gone := billFixture("gone", 1)
	gone.DueDate = now.AddDate(0, 0, 2)

	for _, b := range []*Bill{soon, later, paid, gone} {
		_, _, err := store.UpsertBill(ctx, scope, b, nil)
		require.NoError(t, err)
	}
	_, err := store.SoftDeleteBill(ctx, scope, "gone", nil)
	require.NoError(t, err)

	due, err := store.ListBillsDueWithin(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due-soon", due[0].ExternalID)

	due, err = store.ListBillsDueWithin(ctx, scope, 30)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-soon", due[0].ExternalID)
	assert.Equal(t, "due-later", due[1].ExternalID)
}

func TestPostgresStore_ApprovalAnnotation(t *testing.T) {
	store, logs, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()

	_, _, err := store.UpsertBill(ctx, scope, billFixture("b1", 1), nil)
	require.NoError(t, err)

	rec := &txlog.Record{Type: txlog.TypeUpdated, Source: txlog.SourceUser, ActorID: "ops@example.com"}
	b, err := store.SetBillApproval(ctx, scope, "b1", "ops@example.com", rec)
	require.NoError(t, err)
	require.NotNil(t, b.ApprovedAt)
	assert.Equal(t, "ops@example.com", b.ApprovedBy)

	// Approval is local metadata: the log entry carries no sync token.
	entries, err := logs.ListByEntity(ctx, "tn_pg", "bill", b.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].SyncToken)

	_, err = store.SetBillApproval(ctx, scope, "missing", "ops@example.com", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_PaymentRequestIDSurvivesResync(t *testing.T) {
	store, _, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()

	p := &Payment{
		ExternalID:  "pay-1",
		SyncToken:   0,
		VendorName:  "Staples",
		AmountCents: 12500,
		RequestID:   "req_abc",
		IsActive:    true,
	}
	_, res, err := store.UpsertPayment(ctx, scope, p, nil)
	require.NoError(t, err)
	require.True(t, res.Applied)

	found, err := store.FindPaymentByRequestID(ctx, scope, "req_abc")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", found.ExternalID)

	// A later sync of the same payment arrives without the client marker;
	// the stored marker must survive so replay detection keeps working.
	resync := &Payment{ExternalID: "pay-1", SyncToken: 2, VendorName: "Staples", AmountCents: 12500, IsActive: true}
	updated, res, err := store.UpsertPayment(ctx, scope, resync, nil)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, "req_abc", updated.RequestID)

	found, err = store.FindPaymentByRequestID(ctx, scope, "req_abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), found.SyncToken)

	_, err = store.FindPaymentByRequestID(ctx, scope, "req_other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_CompanyIsSingletonPerTenant(t *testing.T) {
	store, _, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()

	first := &Company{ExternalID: "9130001", SyncToken: 0, CompanyName: "First Name"}
	_, res, err := store.UpsertCompany(ctx, scope, first, nil)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// The conflict target is the tenant, so a fresher snapshot replaces the
	// row even if the provider re-keys the company.
	second := &Company{ExternalID: "9130001", SyncToken: 4, CompanyName: "Renamed Co"}
	_, res, err = store.UpsertCompany(ctx, scope, second, nil)
	require.NoError(t, err)
	require.True(t, res.Applied)

	got, err := store.GetCompany(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Co", got.CompanyName)
	assert.Equal(t, int64(4), got.SyncToken)
}

func TestPostgresStore_LatestBalanceAggregates(t *testing.T) {
	store, _, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := store.LatestBalance(ctx, scope)
	assert.ErrorIs(t, err, ErrNotFound)

	balances := []*Balance{
		{ExternalID: "acct-1", AccountName: "Operating", AccountType: "Bank", BalanceCents: 18250000, AsOf: now, IsActive: true},
		{ExternalID: "acct-2", AccountName: "Savings", AccountType: "Bank", BalanceCents: 6000000, AsOf: now.Add(-time.Hour), IsActive: true},
		{ExternalID: "acct-9", AccountName: "Closed", AccountType: "Bank", BalanceCents: 777, AsOf: now, IsActive: false},
	}
	for _, bal := range balances {
		_, _, err := store.UpsertBalance(ctx, scope, bal, nil)
		require.NoError(t, err)
	}

	pos, err := store.LatestBalance(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(24250000), pos.CashCents)
	assert.Equal(t, 2, pos.AccountCount)
	assert.WithinDuration(t, now, pos.AsOf, time.Second)
}

func TestPostgresStore_TenantRowsDoNotBleed(t *testing.T) {
	store, _, db := setupPG(t)
	seedTenantRow(t, db, "tn_other")
	ctx := context.Background()

	_, _, err := store.UpsertVendor(ctx, MustScope("tn_pg"), &Vendor{ExternalID: "v1", DisplayName: "Cloudhost", IsActive: true}, nil)
	require.NoError(t, err)
	_, _, err = store.UpsertVendor(ctx, MustScope("tn_other"), &Vendor{ExternalID: "v1", DisplayName: "Other Co", IsActive: true}, nil)
	require.NoError(t, err)

	mine, err := store.ListVendors(ctx, MustScope("tn_pg"), 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "Cloudhost", mine[0].DisplayName)

	_, err = store.GetVendor(ctx, MustScope("tn_other"), "v2")
	assert.ErrorIs(t, err, ErrNotFound)

	states, err := store.ListSyncStates(ctx, MustScope("tn_other"))
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "v1", states[0].ExternalID)
}

func TestPostgresStore_OpenInvoices(t *testing.T) {
	store, _, _ := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()
	now := time.Now().UTC()

	open := &Invoice{ExternalID: "inv-1", CustomerName: "Acme", AmountCents: 540000, BalanceCents: 540000, DueDate: now.AddDate(0, 0, 14), IsActive: true}
	settled := &Invoice{ExternalID: "inv-2", CustomerName: "Initech", AmountCents: 120000, BalanceCents: 0, IsActive: true}
	for _, inv := range []*Invoice{open, settled} {
		_, _, err := store.UpsertInvoice(ctx, scope, inv, nil)
		require.NoError(t, err)
	}

	got, err := store.ListOpenInvoices(ctx, scope)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inv-1", got[0].ExternalID)
	assert.Equal(t, int64(540000), got[0].BalanceCents)

	var dbErr error
	_, dbErr = store.SoftDeleteInvoice(ctx, scope, "inv-1", nil)
	require.NoError(t, dbErr)

	got, err = store.ListOpenInvoices(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPostgresStore_DeleteTenantCascades(t *testing.T) {
	store, logs, db := setupPG(t)
	scope := MustScope("tn_pg")
	ctx := context.Background()

	_, _, err := store.UpsertBill(ctx, scope, billFixture("b1", 1), syncedRecord())
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM tenants WHERE id = 'tn_pg'`)
	require.NoError(t, err)

	_, err = store.GetBill(ctx, scope, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The audit trail is not tied to the tenant row: history outlives it.
	entries, err := logs.ListByTenant(ctx, "tn_pg", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}
