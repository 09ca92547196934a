package tenant

import "context"

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// ConnectedIDs returns the ids of tenants whose status is connected,
	// in stable order.
	ConnectedIDs(ctx context.Context) ([]string, error)
}
