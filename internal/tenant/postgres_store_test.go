//go:build integration

package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/idgen"
	"github.com/runwayly/ledgersync/internal/testutil"
)

func pgTenant(name string) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:          idgen.WithPrefix("ten_"),
		DisplayName: name,
		Environment: EnvSandbox,
		Status:      StatusDisconnected,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgresStore_CreateGetList(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	a := pgTenant("Runway Demo Co")
	b := pgTenant("Second Org")
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Runway Demo Co", got.DisplayName)
	assert.Equal(t, EnvSandbox, got.Environment)
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.Empty(t, got.RealmID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = store.Get(ctx, "ten_000000000000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_RealmBindsToOneTenant(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	a := pgTenant("First Org")
	b := pgTenant("Second Org")
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	a.RealmID = "9130001"
	a.Status = StatusConnected
	require.NoError(t, store.Update(ctx, a))

	// The same ledger company cannot connect to a second tenant.
	b.RealmID = "9130001"
	b.Status = StatusConnected
	assert.ErrorIs(t, store.Update(ctx, b), ErrRealmBound)

	// A different realm binds fine, and unbound tenants never collide on
	// their empty realm.
	b.RealmID = "9130002"
	require.NoError(t, store.Update(ctx, b))

	c := pgTenant("Third Org")
	require.NoError(t, store.Create(ctx, c))
}

func TestPostgresStore_UpdateMissingTenant(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	ghost := pgTenant("Ghost")
	assert.ErrorIs(t, store.Update(ctx, ghost), ErrNotFound)
}

func TestPostgresStore_ConnectedIDsOrdered(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	var connected []string
	for _, name := range []string{"One", "Two", "Three"} {
		tn := pgTenant(name)
		require.NoError(t, store.Create(ctx, tn))
		if name != "Two" {
			tn.Status = StatusConnected
			tn.RealmID = "realm-" + tn.ID
			require.NoError(t, store.Update(ctx, tn))
			connected = append(connected, tn.ID)
		}
	}

	ids, err := store.ConnectedIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, connected, ids)
	assert.IsIncreasing(t, ids)
}
