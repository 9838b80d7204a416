package audit

import (
	"context"
	"database/sql"
)

// PostgresSink writes audit entries to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates an audit sink backed by PostgreSQL.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Append(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (resource_type, resource_id, action, actor_id, request_id,
			payload_before, payload_after, result, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::JSONB, $8, $9, NOW())
	`, entry.ResourceType, entry.ResourceID, entry.Action, entry.ActorID, entry.RequestID,
		orEmptyObject(entry.PayloadBefore), orEmptyObject(entry.PayloadAfter), entry.Result, entry.Detail)
	return err
}

func (s *PostgresSink) Query(ctx context.Context, resourceType, resourceID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_type, resource_id, action, COALESCE(actor_id, ''), COALESCE(request_id, ''),
			COALESCE(payload_before::TEXT, '{}'), COALESCE(payload_after::TEXT, '{}'),
			result, COALESCE(detail, ''), created_at
		FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, resourceType, resourceID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.ResourceType, &e.ResourceID, &e.Action, &e.ActorID, &e.RequestID,
			&e.PayloadBefore, &e.PayloadAfter, &e.Result, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
