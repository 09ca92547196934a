package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/runwayly/ledgersync/internal/errs"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	return AppendTx(ctx, s.db, rec)
}

const selectColumns = `
	id, tenant_id, entity_kind, entity_id, entry_type, source,
	COALESCE(external_id, ''), sync_token,
	COALESCE(payload::TEXT, ''), COALESCE(diff::TEXT, ''),
	COALESCE(actor_id, ''), COALESCE(session_id, ''), COALESCE(reason, ''),
	COALESCE(metadata::TEXT, ''), created_at`

func (s *PostgresStore) ListByEntity(ctx context.Context, tenantID, entityKind string, entityID int64, limit int) ([]*Record, error) {
	if tenantID == "" {
		return nil, errs.Errorf(errs.InvariantViolation, "txlog: list without tenant scope")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM transaction_log
		WHERE tenant_id = $1 AND entity_kind = $2 AND entity_id = $3
		ORDER BY id ASC LIMIT $4
	`, tenantID, entityKind, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list log by entity: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	if tenantID == "" {
		return nil, errs.Errorf(errs.InvariantViolation, "txlog: list without tenant scope")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM transaction_log
		WHERE tenant_id = $1
		ORDER BY id DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list log by tenant: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListAppliedStates(ctx context.Context, tenantID string) ([]AppliedState, error) {
	if tenantID == "" {
		return nil, errs.Errorf(errs.InvariantViolation, "txlog: list without tenant scope")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_kind, external_id, sync_token
		FROM transaction_log
		WHERE tenant_id = $1
		  AND entry_type IN ('created', 'updated', 'synced')
		  AND external_id IS NOT NULL
		  AND sync_token IS NOT NULL
		ORDER BY entity_kind, external_id, sync_token
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list applied states: %w", err)
	}
	defer rows.Close()

	var states []AppliedState
	for rows.Next() {
		var st AppliedState
		if err := rows.Scan(&st.EntityKind, &st.ExternalID, &st.SyncToken); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var (
			entryType, source       string
			syncToken               sql.NullInt64
			payload, diff, metadata string
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.EntityKind, &rec.EntityID,
			&entryType, &source, &rec.ExternalID, &syncToken,
			&payload, &diff, &rec.ActorID, &rec.SessionID, &rec.Reason,
			&metadata, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Type = EntryType(entryType)
		rec.Source = Source(source)
		if syncToken.Valid {
			v := syncToken.Int64
			rec.SyncToken = &v
		}
		if payload != "" {
			rec.Payload = json.RawMessage(payload)
		}
		if diff != "" {
			rec.Diff = json.RawMessage(diff)
		}
		if metadata != "" {
			rec.Metadata = json.RawMessage(metadata)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
