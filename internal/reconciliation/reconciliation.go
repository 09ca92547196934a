// Package reconciliation compares mirror rows against the transaction log.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/runwayly/ledgersync/internal/mirror"
	"github.com/runwayly/ledgersync/internal/txlog"
)

// StateLister returns the current external version of every mirror row.
type StateLister interface {
	ListSyncStates(ctx context.Context, scope mirror.Scope) ([]mirror.SyncState, error)
}

// AppliedLister returns the (kind, external id, token) triples the
// transaction log claims were applied to the mirror.
type AppliedLister interface {
	ListAppliedStates(ctx context.Context, tenantID string) ([]txlog.AppliedState, error)
}

// Divergence flags one entity where the mirror and the log disagree.
// MirrorToken is nil when the row is missing, LoggedToken is nil when the
// log never recorded the entity; otherwise LoggedToken is the highest token
// the log applied.
type Divergence struct {
	Kind        mirror.EntityKind `json:"kind"`
	ExternalID  string            `json:"externalId"`
	MirrorToken *int64            `json:"mirrorToken,omitempty"`
	LoggedToken *int64            `json:"loggedToken,omitempty"`
}

// Report summarizes one tenant's reconciliation check.
type Report struct {
	TenantID       string        `json:"tenantId"`
	RowsChecked    int           `json:"rowsChecked"`
	EntriesChecked int           `json:"entriesChecked"`
	Unlogged       []Divergence  `json:"unlogged,omitempty"`
	VersionDrift   []Divergence  `json:"versionDrift,omitempty"`
	Orphaned       []Divergence  `json:"orphaned,omitempty"`
	Healthy        bool          `json:"healthy"`
	Duration       time.Duration `json:"durationMs"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Service checks that every mirror row's current version was written through
// the transaction log and that the log names no rows the mirror lacks.
type Service struct {
	states  StateLister
	applied AppliedLister
}

// NewService creates a reconciliation service.
func NewService(states StateLister, applied AppliedLister) *Service {
	return &Service{states: states, applied: applied}
}

type entityKey struct {
	kind       string
	externalID string
}

// Check reconciles one tenant. Rows land in at most one bucket: Unlogged
// when the log never saw the entity, VersionDrift when the row's current
// token was never logged, Orphaned when the log applied an entity the
// mirror does not hold. Soft-deleted rows still exist and stay consistent.
func (s *Service) Check(ctx context.Context, scope mirror.Scope) (*Report, error) {
	start := time.Now()

	applied, err := s.applied.ListAppliedStates(ctx, scope.TenantID())
	if err != nil {
		return nil, fmt.Errorf("list applied states: %w", err)
	}
	states, err := s.states.ListSyncStates(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}

	logged := make(map[entityKey]map[int64]bool)
	maxLogged := make(map[entityKey]int64)
	for _, st := range applied {
		k := entityKey{st.EntityKind, st.ExternalID}
		tokens, ok := logged[k]
		if !ok {
			tokens = make(map[int64]bool)
			logged[k] = tokens
			maxLogged[k] = st.SyncToken
		} else if st.SyncToken > maxLogged[k] {
			maxLogged[k] = st.SyncToken
		}
		tokens[st.SyncToken] = true
	}

	report := &Report{
		TenantID:       scope.TenantID(),
		RowsChecked:    len(states),
		EntriesChecked: len(applied),
		Timestamp:      start.UTC(),
	}

	mirrored := make(map[entityKey]bool, len(states))
	for _, row := range states {
		k := entityKey{string(row.Kind), row.ExternalID}
		mirrored[k] = true
		token := row.SyncToken
		tokens, ok := logged[k]
		switch {
		case !ok:
			report.Unlogged = append(report.Unlogged, Divergence{
				Kind: row.Kind, ExternalID: row.ExternalID, MirrorToken: &token,
			})
		case !tokens[token]:
			highest := maxLogged[k]
			report.VersionDrift = append(report.VersionDrift, Divergence{
				Kind: row.Kind, ExternalID: row.ExternalID,
				MirrorToken: &token, LoggedToken: &highest,
			})
		}
	}

	for k := range logged {
		if mirrored[k] {
			continue
		}
		highest := maxLogged[k]
		report.Orphaned = append(report.Orphaned, Divergence{
			Kind: mirror.EntityKind(k.kind), ExternalID: k.externalID, LoggedToken: &highest,
		})
	}

	sortDivergences(report.Unlogged)
	sortDivergences(report.VersionDrift)
	sortDivergences(report.Orphaned)

	report.Healthy = len(report.Unlogged) == 0 &&
		len(report.VersionDrift) == 0 &&
		len(report.Orphaned) == 0
	report.Duration = time.Since(start)
	return report, nil
}

func sortDivergences(ds []Divergence) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Kind != ds[j].Kind {
			return ds[i].Kind < ds[j].Kind
		}
		return ds[i].ExternalID < ds[j].ExternalID
	})
}
