package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"reservia/internal/models"
)

func (db *DB) CreateAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	query := `INSERT INTO audit_log (event_type, reservation_id, user_id, resource_id, detail, occurred_at, recorded_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		entry.EventType,
		entry.ReservationID,
		entry.UserID,
		entry.ResourceID,
		entry.Detail,
		entry.OccurredAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	entry.ID = id
	entry.RecordedAt = now
	return nil
}

func (db *DB) ListAuditEntries(ctx context.Context, start, end time.Time) ([]*models.AuditEntry, error) {
	query := `SELECT id, event_type, reservation_id, user_id, resource_id, detail, occurred_at, recorded_at, processed_at
              FROM audit_log
              WHERE occurred_at >= ? AND occurred_at <= ?
              ORDER BY occurred_at ASC, id ASC`
	rows, err := db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		var detail sql.NullString
		var processed sql.NullTime
		err := rows.Scan(
			&e.ID, &e.EventType, &e.ReservationID, &e.UserID, &e.ResourceID,
			&detail, &e.OccurredAt, &e.RecordedAt, &processed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Detail = detail.String
		e.ProcessedAt = timePtr(processed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
