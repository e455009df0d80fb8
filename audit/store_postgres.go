package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists audit events in a single table. The entity_ids
// array carries every entity an event touches so a retired entity's trail
// survives its merge.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed audit store over an
// existing pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit table if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idem_audit_events (
			id          UUID PRIMARY KEY,
			ts          TIMESTAMPTZ NOT NULL,
			action      TEXT NOT NULL,
			entity_ids  TEXT[] NOT NULL,
			entity_id   TEXT NOT NULL,
			retired_id  TEXT NOT NULL DEFAULT '',
			source_id   TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			attribute   TEXT NOT NULL DEFAULT '',
			confidence  DOUBLE PRECISION NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate audit table: %w", err)
	}
	return nil
}

// Append inserts one event. Re-delivery of the same event id is a no-op so
// at-least-once pipelines stay idempotent.
func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idem_audit_events (
			id, ts, action, entity_ids, entity_id, retired_id,
			source_id, external_id, attribute, confidence
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`,
		event.ID,
		event.Timestamp,
		string(event.Action),
		pq.Array(event.EntityIDs()),
		event.EntityID,
		event.RetiredID,
		event.SourceID,
		event.ExternalID,
		event.Attribute,
		event.Confidence,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListByEntity returns every event touching the entity, oldest first.
func (s *PostgresStore) ListByEntity(ctx context.Context, entityID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, action, entity_id, retired_id,
		       source_id, external_id, attribute, confidence
		FROM idem_audit_events
		WHERE $1 = ANY(entity_ids)
		ORDER BY ts, id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecent returns the most recent events, newest first.
func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, action, entity_id, retired_id,
		       source_id, external_id, attribute, confidence
		FROM idem_audit_events
		ORDER BY ts DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var event Event
		var action string
		if err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&action,
			&event.EntityID,
			&event.RetiredID,
			&event.SourceID,
			&event.ExternalID,
			&event.Attribute,
			&event.Confidence,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Action = Action(action)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
