// Package credstore holds and refreshes per-tenant OAuth2 credentials for
// the external ledger. All token mutation goes through the Manager; nothing
// else writes the credentials table.
package credstore

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/idgen"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/syncutil"
)

// ErrNotFound is returned when a tenant has no stored credentials.
var ErrNotFound = errors.New("credstore: credentials not found")

// Status tracks whether a tenant's tokens are usable.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
	StatusError        Status = "error"
)

// Credential is one tenant's OAuth2 state. If Status is connected the
// access token is non-empty and not expired beyond the refresh skew.
type Credential struct {
	TenantID         string    `json:"tenantId"`
	RealmID          string    `json:"realmId"`
	AccessToken      string    `json:"-"`
	RefreshToken     string    `json:"-"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	Status           Status    `json:"status"`
	LastRefreshAt    time.Time `json:"lastRefreshAt"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Info is the token-free view of a credential, safe to return to handlers.
type Info struct {
	TenantID         string    `json:"tenantId"`
	RealmID          string    `json:"realmId"`
	Status           Status    `json:"status"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	LastRefreshAt    time.Time `json:"lastRefreshAt"`
}

// Store persists credentials. Save upserts by tenant id.
type Store interface {
	Save(ctx context.Context, cred *Credential) error
	Get(ctx context.Context, tenantID string) (*Credential, error)
	SetStatus(ctx context.Context, tenantID string, status Status) error
}

// Config carries the OAuth2 endpoints and client identity.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	RedirectURL  string
	Scopes       []string

	// RefreshSkew is how close to expiry a token may get before a read
	// triggers a synchronous refresh. Zero means five minutes.
	RefreshSkew time.Duration

	// HTTPClient overrides the client used for token and revoke calls.
	HTTPClient *http.Client
}

const (
	defaultRefreshSkew = 5 * time.Minute
	stateTTL           = 10 * time.Minute
	// Refresh tokens for this provider live about a hundred days; used
	// when the token response does not state its own refresh expiry.
	defaultRefreshTokenLife = 100 * 24 * time.Hour
)

type pendingState struct {
	tenantID  string
	expiresAt time.Time
}

// Manager refreshes tokens ahead of expiry and serializes refreshes per
// tenant: concurrent callers observing a stale token wait on one in-flight
// refresh and re-read afterwards.
type Manager struct {
	store Store
	cfg   Config
	oauth *oauth2.Config
	locks *syncutil.KeyedLock

	mu     sync.Mutex
	states map[string]pendingState
}

// NewManager creates a Manager over the given store and OAuth2 endpoints.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = defaultRefreshSkew
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		locks:  syncutil.NewKeyedLock(),
		states: make(map[string]pendingState),
	}
}

// httpContext routes oauth2's token calls through the configured client.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	if m.cfg.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
	}
	return ctx
}

// BeginConnect returns the authorize URL for a tenant and the state nonce
// the callback must echo. States are single-use and expire after ten
// minutes.
func (m *Manager) BeginConnect(tenantID string) (authURL, state string, err error) {
	if tenantID == "" {
		return "", "", errs.New(errs.Validation, "credstore: tenant id required")
	}
	state = idgen.Hex(16)

	m.mu.Lock()
	now := time.Now()
	for s, p := range m.states {
		if now.After(p.expiresAt) {
			delete(m.states, s)
		}
	}
	m.states[state] = pendingState{tenantID: tenantID, expiresAt: now.Add(stateTTL)}
	m.mu.Unlock()

	return m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), state, nil
}

// ConsumeState resolves and invalidates a state nonce from the OAuth
// callback. A state is only good once.
func (m *Manager) ConsumeState(state string) (tenantID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.states[state]
	if !ok {
		return "", false
	}
	delete(m.states, state)
	if time.Now().After(p.expiresAt) {
		return "", false
	}
	return p.tenantID, true
}

// ExchangeCode trades an authorization code for tokens and persists them
// with status connected.
func (m *Manager) ExchangeCode(ctx context.Context, tenantID, code, realmID string) (*Credential, error) {
	switch {
	case tenantID == "":
		return nil, errs.New(errs.Validation, "credstore: tenant id required")
	case code == "":
		return nil, errs.New(errs.Validation, "credstore: authorization code required")
	case realmID == "":
		return nil, errs.New(errs.Validation, "credstore: realm id required")
	}

	tok, err := m.oauth.Exchange(m.httpContext(ctx), code)
	if err != nil {
		return nil, errs.Wrap(errs.TokenInvalid, "credstore.exchange", err)
	}

	now := time.Now()
	cred := &Credential{
		TenantID:         tenantID,
		RealmID:          realmID,
		AccessToken:      tok.AccessToken,
		RefreshToken:     tok.RefreshToken,
		AccessExpiresAt:  tok.Expiry,
		RefreshExpiresAt: refreshExpiry(tok, now),
		Status:           StatusConnected,
		LastRefreshAt:    now,
	}
	if err := m.store.Save(ctx, cred); err != nil {
		return nil, errs.Wrap(errs.Transient, "credstore.exchange", err)
	}
	return cred, nil
}

// Disconnect revokes the refresh token best-effort, zeroes both tokens and
// marks the tenant disconnected. Disconnecting a tenant with no
// credentials is a no-op.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	cred, err := m.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.Transient, "credstore.disconnect", err)
	}

	if m.cfg.RevokeURL != "" && cred.RefreshToken != "" {
		if err := m.revoke(ctx, cred.RefreshToken); err != nil {
			logging.L(ctx).Warn("token revoke failed", "tenant_id", tenantID, "error", err)
		}
	}

	cred.AccessToken = ""
	cred.RefreshToken = ""
	cred.AccessExpiresAt = time.Time{}
	cred.RefreshExpiresAt = time.Time{}
	cred.Status = StatusDisconnected
	if err := m.store.Save(ctx, cred); err != nil {
		return errs.Wrap(errs.Transient, "credstore.disconnect", err)
	}
	return nil
}

func (m *Manager) revoke(ctx context.Context, refreshToken string) error {
	body := `{"token":` + strconv.Quote(refreshToken) + `}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RevokeURL,
		strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)

	client := m.cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errs.Errorf(errs.Transient, "credstore: revoke returned %d", resp.StatusCode)
	}
	return nil
}

// Info returns the token-free credential view.
func (m *Manager) Info(ctx context.Context, tenantID string) (*Info, error) {
	cred, err := m.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.Wrap(errs.CredentialsUnavailable, "credstore.info", err)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "credstore.info", err)
	}
	return &Info{
		TenantID:         cred.TenantID,
		RealmID:          cred.RealmID,
		Status:           cred.Status,
		AccessExpiresAt:  cred.AccessExpiresAt,
		RefreshExpiresAt: cred.RefreshExpiresAt,
		LastRefreshAt:    cred.LastRefreshAt,
	}, nil
}

// RealmID returns the realm bound to a connected tenant.
func (m *Manager) RealmID(ctx context.Context, tenantID string) (string, error) {
	cred, err := m.usableCredential(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return cred.RealmID, nil
}

// GetValidToken returns an access token guaranteed valid past the refresh
// skew, refreshing synchronously when needed. Refreshes are serialized per
// tenant; waiters re-read the store after the leader finishes.
func (m *Manager) GetValidToken(ctx context.Context, tenantID string) (string, error) {
	cred, err := m.usableCredential(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if m.tokenValid(cred) {
		return cred.AccessToken, nil
	}

	release, err := m.locks.Acquire(ctx, tenantID)
	if err != nil {
		return "", errs.Wrap(errs.Cancelled, "credstore.refresh", err)
	}
	defer release()

	// The leader may have refreshed while we waited.
	cred, err = m.usableCredential(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if m.tokenValid(cred) {
		return cred.AccessToken, nil
	}

	cred, err = m.refreshLocked(ctx, cred)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// ForceRefresh discards the cached access token and refreshes now. The
// transport calls this on a 401 before its single retry.
func (m *Manager) ForceRefresh(ctx context.Context, tenantID string) (string, error) {
	release, err := m.locks.Acquire(ctx, tenantID)
	if err != nil {
		return "", errs.Wrap(errs.Cancelled, "credstore.refresh", err)
	}
	defer release()

	cred, err := m.usableCredential(ctx, tenantID)
	if err != nil {
		return "", err
	}
	cred, err = m.refreshLocked(ctx, cred)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// usableCredential loads credentials and rejects tenants whose status
// requires a reconnect before any network attempt is made.
func (m *Manager) usableCredential(ctx context.Context, tenantID string) (*Credential, error) {
	if tenantID == "" {
		return nil, errs.New(errs.Validation, "credstore: tenant id required")
	}
	cred, err := m.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.Wrap(errs.CredentialsUnavailable, "credstore.get", err)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "credstore.get", err)
	}
	switch cred.Status {
	case StatusConnected:
		return cred, nil
	case StatusDisconnected:
		return nil, errs.New(errs.CredentialsUnavailable, "credstore: tenant disconnected")
	case StatusExpired:
		return nil, errs.New(errs.CredentialsUnavailable, "credstore: credentials expired; reconnect required")
	default:
		return nil, errs.New(errs.CredentialsUnavailable, "credstore: credentials in error state; reconnect required")
	}
}

func (m *Manager) tokenValid(cred *Credential) bool {
	return cred.AccessToken != "" &&
		time.Now().Before(cred.AccessExpiresAt.Add(-m.cfg.RefreshSkew))
}

// refreshLocked exchanges the refresh token for a new access token. The
// caller holds the tenant's refresh lock.
func (m *Manager) refreshLocked(ctx context.Context, cred *Credential) (*Credential, error) {
	now := time.Now()

	if cred.RefreshToken == "" {
		m.failRefresh(ctx, cred.TenantID, StatusExpired)
		return nil, errs.New(errs.CredentialsUnavailable, "credstore: no refresh token; reconnect required")
	}
	if !cred.RefreshExpiresAt.IsZero() && !now.Before(cred.RefreshExpiresAt) {
		m.failRefresh(ctx, cred.TenantID, StatusExpired)
		return nil, errs.New(errs.CredentialsUnavailable, "credstore: refresh token expired; reconnect required")
	}

	src := m.oauth.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		status := StatusError
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			status = StatusExpired
		}
		m.failRefresh(ctx, cred.TenantID, status)
		return nil, errs.Wrap(errs.CredentialsUnavailable, "credstore.refresh", err)
	}

	cred.AccessToken = tok.AccessToken
	cred.AccessExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if exp := refreshExpiry(tok, now); !exp.IsZero() {
		cred.RefreshExpiresAt = exp
	}
	cred.Status = StatusConnected
	cred.LastRefreshAt = now
	if err := m.store.Save(ctx, cred); err != nil {
		metrics.CredentialRefreshesTotal.WithLabelValues("failure").Inc()
		return nil, errs.Wrap(errs.Transient, "credstore.refresh", err)
	}
	metrics.CredentialRefreshesTotal.WithLabelValues("success").Inc()
	logging.L(ctx).Info("credentials refreshed",
		"tenant_id", cred.TenantID, "expires_at", cred.AccessExpiresAt)
	return cred, nil
}

// failRefresh records a failed refresh; the tenant stays unusable until
// the user reconnects.
func (m *Manager) failRefresh(ctx context.Context, tenantID string, status Status) {
	metrics.CredentialRefreshesTotal.WithLabelValues("failure").Inc()
	if err := m.store.SetStatus(ctx, tenantID, status); err != nil {
		logging.L(ctx).Error("failed to mark credentials "+string(status),
			"tenant_id", tenantID, "error", err)
	}
}

// refreshExpiry reads the provider's refresh-token lifetime from the token
// response, falling back to the documented hundred-day window.
func refreshExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if v := tok.Extra("x_refresh_token_expires_in"); v != nil {
		switch secs := v.(type) {
		case float64:
			if secs > 0 {
				return now.Add(time.Duration(secs) * time.Second)
			}
		case string:
			if n, err := strconv.ParseFloat(secs, 64); err == nil && n > 0 {
				return now.Add(time.Duration(n) * time.Second)
			}
		}
	}
	if tok.RefreshToken != "" {
		return now.Add(defaultRefreshTokenLife)
	}
	return time.Time{}
}
