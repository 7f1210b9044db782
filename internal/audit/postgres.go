package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresSink stores events in the audit_events table.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, event Event) error {
	details := []byte("{}")
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = encoded
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, actor_id, actor_email, action, resource, details, ip_address, user_agent, success, created_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.ActorID, event.ActorEmail, event.Action, event.Resource, details, event.IP, event.UserAgent, event.Success, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Prune deletes up to batchSize events older than retention.
func (s *PostgresSink) Prune(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM audit_events
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM audit_events a
		USING stale
		WHERE a.id = stale.id
	`, time.Now().UTC().Add(-retention), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale audit events: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale audit events rows affected: %w", err)
	}
	return affected, nil
}
