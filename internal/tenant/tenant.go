// Package tenant is the registry of organisations whose remote ledgers
// this service mirrors.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runwayly/ledgersync/internal/idgen"
)

// Errors
var (
	ErrNotFound      = errors.New("tenant: not found")
	ErrRealmBound    = errors.New("tenant: realm already bound to another tenant")
	ErrBadTransition = errors.New("tenant: illegal status transition")
)

// ConnectionStatus places a tenant in the OAuth connection lifecycle.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusExpired      ConnectionStatus = "expired"
	StatusError        ConnectionStatus = "error"
)

// transitions lists the legal moves out of each status. Disconnecting is
// legal from anywhere and handled in CanTransition directly.
var transitions = map[ConnectionStatus][]ConnectionStatus{
	StatusDisconnected: {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusError},
	StatusConnected:    {StatusConnecting, StatusExpired, StatusError},
	StatusExpired:      {StatusConnecting},
	StatusError:        {StatusConnecting},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to ConnectionStatus) bool {
	if to == StatusDisconnected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Environment selects which ledger backend a tenant connects to.
type Environment string

const (
	EnvMock       Environment = "mock"
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// ValidEnvironment returns true if the environment name is recognised.
func ValidEnvironment(e Environment) bool {
	switch e {
	case EnvMock, EnvSandbox, EnvProduction:
		return true
	}
	return false
}

// Tenant represents one organisation whose books are mirrored here.
// RealmID is the external ledger's company identifier and is set when the
// OAuth connect flow completes.
type Tenant struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName"`
	Environment Environment      `json:"environment"`
	Status      ConnectionStatus `json:"status"`
	RealmID     string           `json:"realmId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Service owns tenant lifecycle changes so the status rules live in one
// place. Everything else goes through the store directly.
type Service struct {
	store Store
}

// NewService creates a tenant service on top of a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create registers a new tenant in the disconnected state.
func (s *Service) Create(ctx context.Context, displayName string, env Environment) (*Tenant, error) {
	if displayName == "" {
		return nil, errors.New("tenant: display name required")
	}
	if !ValidEnvironment(env) {
		return nil, fmt.Errorf("tenant: unknown environment %q", env)
	}
	now := time.Now().UTC()
	t := &Tenant{
		ID:          idgen.WithPrefix("ten_"),
		DisplayName: displayName,
		Environment: env,
		Status:      StatusDisconnected,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a tenant by id.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// List returns all tenants.
func (s *Service) List(ctx context.Context) ([]*Tenant, error) {
	return s.store.List(ctx)
}

// ConnectedTenantIDs returns the ids of tenants currently connected,
// for the scheduler and the reconciliation runner.
func (s *Service) ConnectedTenantIDs(ctx context.Context) ([]string, error) {
	return s.store.ConnectedIDs(ctx)
}

// BeginConnect marks a tenant as connecting when the authorize URL is
// handed out.
func (s *Service) BeginConnect(ctx context.Context, id string) (*Tenant, error) {
	return s.transition(ctx, id, StatusConnecting, nil)
}

// CompleteConnect marks a tenant connected and binds the external realm id
// delivered by the OAuth callback.
func (s *Service) CompleteConnect(ctx context.Context, id, realmID string) (*Tenant, error) {
	if realmID == "" {
		return nil, errors.New("tenant: realm id required")
	}
	return s.transition(ctx, id, StatusConnected, func(t *Tenant) {
		t.RealmID = realmID
	})
}

// MarkExpired records that the tenant's refresh token is no longer usable.
func (s *Service) MarkExpired(ctx context.Context, id string) (*Tenant, error) {
	return s.transition(ctx, id, StatusExpired, nil)
}

// MarkError records a credential failure that was not a clean expiry.
func (s *Service) MarkError(ctx context.Context, id string) (*Tenant, error) {
	return s.transition(ctx, id, StatusError, nil)
}

// Disconnect returns a tenant to the disconnected state. The realm id is
// kept; the mirror data it scopes remains readable.
func (s *Service) Disconnect(ctx context.Context, id string) (*Tenant, error) {
	return s.transition(ctx, id, StatusDisconnected, nil)
}

func (s *Service) transition(ctx context.Context, id string, to ConnectionStatus, mutate func(*Tenant)) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == to && mutate == nil {
		return t, nil
	}
	if !CanTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrBadTransition, t.Status, to)
	}
	if mutate != nil {
		mutate(t)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}
