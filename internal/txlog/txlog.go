// Package txlog is the immutable audit trail for mirror mutations. Every
// mirror write lands here in the same database transaction; the package has
// no UPDATE or DELETE statements on purpose.
package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/metrics"
)

// EntryType says what happened to the entity.
type EntryType string

const (
	TypeCreated  EntryType = "created"
	TypeUpdated  EntryType = "updated"
	TypeDeleted  EntryType = "deleted"
	TypeSynced   EntryType = "synced"
	TypeExecuted EntryType = "executed"
	TypeFailed   EntryType = "failed"
)

// Source attributes who or what caused the mutation.
type Source string

const (
	SourceExternalLedger Source = "external-ledger"
	SourcePaymentRail    Source = "payment-rail"
	SourceBankRail       Source = "bank-rail"
	SourceUser           Source = "user"
	SourceSystem         Source = "system"
)

type contextKey string

const (
	ctxActorID   contextKey = "txlog_actor_id"
	ctxSessionID contextKey = "txlog_session_id"
)

// WithActor attaches the acting user to the context for log attribution.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ctxActorID, actorID)
}

// WithSession attaches the caller's session id for log attribution.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxSessionID, sessionID)
}

// Attribution reads actor and session from the context. Absent actor means
// the system itself acted.
func Attribution(ctx context.Context) (actorID, sessionID string) {
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxSessionID).(string); ok {
		sessionID = v
	}
	return
}

// Record is one immutable log entry. ID and CreatedAt are assigned on
// append; SyncToken is nil for entries not tied to a mirrored version
// (failed payment attempts, for example).
type Record struct {
	ID         int64           `json:"id"`
	TenantID   string          `json:"tenantId"`
	EntityKind string          `json:"entityKind"`
	EntityID   int64           `json:"entityId,omitempty"`
	Type       EntryType       `json:"type"`
	Source     Source          `json:"source"`
	ExternalID string          `json:"externalId,omitempty"`
	SyncToken  *int64          `json:"syncToken,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Diff       json.RawMessage `json:"diff,omitempty"`
	ActorID    string          `json:"actorId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (r *Record) validate() error {
	switch {
	case r.TenantID == "":
		return errs.Errorf(errs.InvariantViolation, "txlog: record missing tenant id")
	case r.EntityKind == "":
		return errs.Errorf(errs.InvariantViolation, "txlog: record missing entity kind")
	case r.Type == "":
		return errs.Errorf(errs.InvariantViolation, "txlog: record missing type")
	case r.Source == "":
		return errs.Errorf(errs.InvariantViolation, "txlog: record missing source")
	}
	return nil
}

// AppliedState is one (entity, version) pairing the log claims was applied
// to the mirror. The reconciler compares these against mirror rows.
type AppliedState struct {
	EntityKind string
	ExternalID string
	SyncToken  int64
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// AppendTx takes it so a log write can ride inside the mirror's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendTx inserts one record through q, which may be an open transaction.
// On success the record's ID and CreatedAt are filled in.
func AppendTx(ctx context.Context, q Querier, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	actor, session := Attribution(ctx)
	if rec.ActorID == "" {
		rec.ActorID = actor
	}
	if rec.SessionID == "" {
		rec.SessionID = session
	}

	var syncToken sql.NullInt64
	if rec.SyncToken != nil {
		syncToken = sql.NullInt64{Int64: *rec.SyncToken, Valid: true}
	}

	err := q.QueryRowContext(ctx, `
		INSERT INTO transaction_log
			(tenant_id, entity_kind, entity_id, entry_type, source, external_id,
			 sync_token, payload, diff, actor_id, session_id, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::JSONB, $9::JSONB, $10, $11, $12, $13::JSONB, NOW())
		RETURNING id, created_at
	`, rec.TenantID, rec.EntityKind, rec.EntityID, string(rec.Type), string(rec.Source),
		nullIfEmpty(rec.ExternalID), syncToken, nullIfEmptyJSON(rec.Payload), nullIfEmptyJSON(rec.Diff),
		nullIfEmpty(rec.ActorID), nullIfEmpty(rec.SessionID), nullIfEmpty(rec.Reason),
		nullIfEmptyJSON(rec.Metadata)).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.Transient, "txlog.append", err)
	}

	metrics.TxLogEntriesTotal.WithLabelValues(rec.EntityKind, string(rec.Type)).Inc()
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// Store reads and appends log records outside of a mirror transaction.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	// ListByEntity returns entries for one entity in ascending entry-id order.
	ListByEntity(ctx context.Context, tenantID, entityKind string, entityID int64, limit int) ([]*Record, error)
	// ListByTenant returns a tenant's most recent entries, newest first.
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Record, error)
	// ListAppliedStates returns the distinct applied (kind, external id,
	// sync token) triples recorded for a tenant.
	ListAppliedStates(ctx context.Context, tenantID string) ([]AppliedState, error)
}
