package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reservia/internal/models"
)

const reservationColumns = `id, user_id, resource_id, request_date, approved_date,
                 cancelled_date, released_date, valid_until_date, version`

// executor покрывает *sql.DB и *sql.Tx, чтобы переходы могли
// выполняться и по одному, и внутри транзакции.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (db *DB) CreateReservation(ctx context.Context, r *models.Reservation) error {
	query := `INSERT INTO reservations (
				user_id, resource_id, request_date, approved_date,
				cancelled_date, released_date, valid_until_date, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		r.UserID,
		r.ResourceID,
		r.RequestDate,
		nullableTime(r.ApprovedDate),
		nullableTime(r.CancelledDate),
		nullableTime(r.ReleasedDate),
		nullableTime(r.ValidUntil),
		1,
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.ID = id
	r.Version = 1

	return nil
}

// GetActiveReservation returns the user's active (requested or approved)
// record on a resource, or ErrNoActiveReservation.
func (db *DB) GetActiveReservation(ctx context.Context, userID, resourceID int64) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
              FROM reservations
              WHERE user_id = ? AND resource_id = ?
                AND cancelled_date IS NULL AND released_date IS NULL
              LIMIT 1`
	return db.queryReservation(ctx, query, userID, resourceID)
}

// GetApprovedReservation returns the current holder of a resource,
// or ErrNoActiveReservation when the resource is free.
func (db *DB) GetApprovedReservation(ctx context.Context, resourceID int64) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
              FROM reservations
              WHERE resource_id = ? AND approved_date IS NOT NULL
                AND cancelled_date IS NULL AND released_date IS NULL
              LIMIT 1`
	return db.queryReservation(ctx, query, resourceID)
}

const oldestRequestedQuery = `SELECT ` + reservationColumns + `
              FROM reservations
              WHERE resource_id = ? AND approved_date IS NULL
                AND cancelled_date IS NULL AND released_date IS NULL
              ORDER BY request_date ASC, id ASC
              LIMIT 1`

// GetOldestRequested returns the longest-waiting queued record for a
// resource. Ties on request_date break on the lower id (insertion order).
func (db *DB) GetOldestRequested(ctx context.Context, resourceID int64) (*models.Reservation, error) {
	return db.queryReservation(ctx, oldestRequestedQuery, resourceID)
}

func (db *DB) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`
	return db.queryReservation(ctx, query, id)
}

const (
	approveQuery = `UPDATE reservations
              SET approved_date = ?, valid_until_date = ?, version = version + 1
              WHERE id = ? AND version = ? AND approved_date IS NULL
                AND cancelled_date IS NULL AND released_date IS NULL`

	releaseQuery = `UPDATE reservations
              SET released_date = ?, version = version + 1
              WHERE id = ? AND version = ? AND approved_date IS NOT NULL
                AND cancelled_date IS NULL AND released_date IS NULL`
)

// ApproveReservationWithVersion sets approved_date and the recomputed
// deadline, guarded by the record version.
func (db *DB) ApproveReservationWithVersion(ctx context.Context, id, fromVersion int64, approvedAt time.Time, validUntil *time.Time) error {
	return execVersioned(ctx, db, approveQuery, approvedAt, nullableTime(validUntil), id, fromVersion)
}

// CancelReservationWithVersion terminates a requested record.
func (db *DB) CancelReservationWithVersion(ctx context.Context, id, fromVersion int64, cancelledAt time.Time) error {
	query := `UPDATE reservations
              SET cancelled_date = ?, version = version + 1
              WHERE id = ? AND version = ? AND approved_date IS NULL
                AND cancelled_date IS NULL AND released_date IS NULL`
	return execVersioned(ctx, db, query, cancelledAt, id, fromVersion)
}

// ReleaseAndPromote terminates an approved record and, in the same
// transaction, approves the longest-waiting queued record of the
// resource. A reader never observes the released holder with the
// successor still queued: either both statements commit or neither.
// Returns the promoted record, or nil when the queue is empty.
func (db *DB) ReleaseAndPromote(ctx context.Context, id, fromVersion, resourceID int64, at time.Time, promotedValidUntil time.Time) (*models.Reservation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := execVersioned(ctx, tx, releaseQuery, at, id, fromVersion); err != nil {
		return nil, err
	}

	next, err := queryOneReservation(ctx, tx, oldestRequestedQuery, resourceID)
	if errors.Is(err, ErrNoActiveReservation) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit release: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := execVersioned(ctx, tx, approveQuery, at, promotedValidUntil, next.ID, next.Version); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit release and promotion: %w", err)
	}

	approvedAt := at
	validUntil := promotedValidUntil
	next.ApprovedDate = &approvedAt
	next.ValidUntil = &validUntil
	next.Version++
	return next, nil
}

// ExtendReservationWithVersion rewrites the deadline on keep-alive.
func (db *DB) ExtendReservationWithVersion(ctx context.Context, id, fromVersion int64, validUntil time.Time) error {
	query := `UPDATE reservations
              SET valid_until_date = ?, version = version + 1
              WHERE id = ? AND version = ?
                AND cancelled_date IS NULL AND released_date IS NULL`
	return execVersioned(ctx, db, query, validUntil, id, fromVersion)
}

// ActiveFilter narrows ListActiveReservations; zero fields match all.
type ActiveFilter struct {
	ResourceID int64
	UserID     int64
}

// ListActiveReservations returns active records ordered by request_date,
// so queue position reads directly from the listing.
func (db *DB) ListActiveReservations(ctx context.Context, filter ActiveFilter) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
              FROM reservations
              WHERE cancelled_date IS NULL AND released_date IS NULL`
	var args []interface{}
	if filter.ResourceID != 0 {
		query += ` AND resource_id = ?`
		args = append(args, filter.ResourceID)
	}
	if filter.UserID != 0 {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY resource_id ASC, request_date ASC, id ASC`

	return db.queryReservations(ctx, query, args...)
}

// ListDueReservations returns active records whose deadline is at or
// before now. Records without a deadline are never due.
func (db *DB) ListDueReservations(ctx context.Context, now time.Time) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
              FROM reservations
              WHERE cancelled_date IS NULL AND released_date IS NULL
                AND valid_until_date IS NOT NULL AND valid_until_date <= ?
              ORDER BY resource_id ASC, request_date ASC, id ASC`
	return db.queryReservations(ctx, query, now)
}

// ListReservationsByDateRange returns all records requested inside the
// range, terminal ones included, newest last. Used by the export report.
func (db *DB) ListReservationsByDateRange(ctx context.Context, start, end time.Time) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
              FROM reservations
              WHERE request_date >= ? AND request_date <= ?
              ORDER BY request_date ASC, id ASC`
	return db.queryReservations(ctx, query, start, end)
}

func (db *DB) queryReservation(ctx context.Context, query string, args ...interface{}) (*models.Reservation, error) {
	return queryOneReservation(ctx, db, query, args...)
}

func queryOneReservation(ctx context.Context, ex executor, query string, args ...interface{}) (*models.Reservation, error) {
	r, err := scanReservation(ex.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActiveReservation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

func (db *DB) queryReservations(ctx context.Context, query string, args ...interface{}) ([]*models.Reservation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reservations: %w", err)
	}
	return reservations, nil
}

func execVersioned(ctx context.Context, ex executor, query string, args ...interface{}) error {
	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	r := &models.Reservation{}
	var approved, cancelled, released, validUntil sql.NullTime
	err := row.Scan(
		&r.ID, &r.UserID, &r.ResourceID, &r.RequestDate,
		&approved, &cancelled, &released, &validUntil, &r.Version,
	)
	if err != nil {
		return nil, err
	}
	r.ApprovedDate = timePtr(approved)
	r.CancelledDate = timePtr(cancelled)
	r.ReleasedDate = timePtr(released)
	r.ValidUntil = timePtr(validUntil)
	return r, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
