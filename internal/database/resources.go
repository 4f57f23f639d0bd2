package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reservia/internal/models"
)

// SyncResources upserts the configured pool into the resources table.
// Resources removed from config stay in the table so historical records
// keep their foreign reference.
func (db *DB) SyncResources(ctx context.Context, resources []models.Resource) error {
	query := `INSERT INTO resources (id, name, comment, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                name = excluded.name,
                comment = excluded.comment,
                updated_at = excluded.updated_at`
	now := time.Now()
	for _, res := range resources {
		if _, err := db.ExecContext(ctx, query, res.ID, res.Name, res.Comment, now, now); err != nil {
			return fmt.Errorf("failed to sync resource %d: %w", res.ID, err)
		}
	}
	return nil
}

func (db *DB) CreateResource(ctx context.Context, res *models.Resource) error {
	query := `INSERT INTO resources (id, name, comment, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now()
	if _, err := db.ExecContext(ctx, query, res.ID, res.Name, res.Comment, now, now); err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	res.CreatedAt = now
	res.UpdatedAt = now
	return nil
}

func (db *DB) GetResourceByID(ctx context.Context, id int64) (*models.Resource, error) {
	query := `SELECT id, name, comment, created_at, updated_at FROM resources WHERE id = ?`
	return db.queryResource(ctx, query, id)
}

func (db *DB) GetResourceByName(ctx context.Context, name string) (*models.Resource, error) {
	query := `SELECT id, name, comment, created_at, updated_at FROM resources WHERE name = ?`
	return db.queryResource(ctx, query, name)
}

func (db *DB) GetResources(ctx context.Context) ([]*models.Resource, error) {
	query := `SELECT id, name, comment, created_at, updated_at FROM resources ORDER BY id ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get resources: %w", err)
	}
	defer rows.Close()

	var resources []*models.Resource
	for rows.Next() {
		res := &models.Resource{}
		var comment sql.NullString
		if err := rows.Scan(&res.ID, &res.Name, &comment, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		res.Comment = comment.String
		resources = append(resources, res)
	}
	return resources, rows.Err()
}

func (db *DB) queryResource(ctx context.Context, query string, args ...interface{}) (*models.Resource, error) {
	res := &models.Resource{}
	var comment sql.NullString
	err := db.QueryRowContext(ctx, query, args...).Scan(&res.ID, &res.Name, &comment, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	res.Comment = comment.String
	return res, nil
}
