package models

import "time"

// AuditEntry is one persisted reservation lifecycle event.
type AuditEntry struct {
	ID            int64      `json:"id"`
	EventType     string     `json:"event_type"`
	ReservationID int64      `json:"reservation_id"`
	UserID        int64      `json:"user_id"`
	ResourceID    int64      `json:"resource_id"`
	Detail        string     `json:"detail,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
	RecordedAt    time.Time  `json:"recorded_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}
