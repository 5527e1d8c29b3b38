package edgedb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Project is one authoritative logical namespace: its own change log scope
// and syncable rows owned by its members (spec §6.3's per-deployment
// collections/ownership configuration, given a concrete shape).
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Role constants for project membership.
const (
	RoleOwner  = "owner"
	RoleWriter = "writer"
	RoleReader = "reader"
)

// CreateProject creates a project and adds ownerUserID as its first member,
// both inside one transaction.
func (s *Store) CreateProject(ctx context.Context, id, name, description, ownerUserID string) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("edgedb: project name is required")
	}
	now := time.Now().UTC()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("edgedb: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		id, name, description, now,
	); err != nil {
		return nil, fmt.Errorf("edgedb: insert project: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO memberships (project_id, user_id, role, invited_by, created_at) VALUES ($1, $2, $3, '', $4)`,
		id, ownerUserID, RoleOwner, now,
	); err != nil {
		return nil, fmt.Errorf("edgedb: insert owner membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("edgedb: commit: %w", err)
	}
	return &Project{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}, nil
}

// GetProject returns a project by id, or nil if not found (or soft-deleted
// and includeSoftDeleted is false).
func (s *Store) GetProject(ctx context.Context, id string, includeSoftDeleted bool) (*Project, error) {
	q := `SELECT id, name, description, created_at, updated_at, deleted_at FROM projects WHERE id = $1`
	if !includeSoftDeleted {
		q += ` AND deleted_at IS NULL`
	}
	p := &Project{}
	err := s.Pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("edgedb: get project: %w", err)
	}
	return p, nil
}

// ListProjectsForUser returns every non-deleted project userID belongs to.
func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT p.id, p.name, p.description, p.created_at, p.updated_at, p.deleted_at
		FROM projects p
		JOIN memberships m ON m.project_id = p.id
		WHERE m.user_id = $1 AND p.deleted_at IS NULL
		ORDER BY p.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("edgedb: list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := &Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
			return nil, fmt.Errorf("edgedb: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SoftDeleteProject marks a project deleted without removing its rows or
// change log entries.
func (s *Store) SoftDeleteProject(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.Pool.Exec(ctx,
		`UPDATE projects SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("edgedb: soft delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("edgedb: project not found: %s", id)
	}
	return nil
}
