package edgedb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Membership is a user's role within one project.
type Membership struct {
	ProjectID string
	UserID    string
	Role      string
	InvitedBy string
	CreatedAt time.Time
}

func isValidRole(role string) bool {
	return role == RoleOwner || role == RoleWriter || role == RoleReader
}

// AddMember adds userID to projectID with the given role.
func (s *Store) AddMember(ctx context.Context, projectID, userID, role, invitedByUserID string) (*Membership, error) {
	if !isValidRole(role) {
		return nil, fmt.Errorf("edgedb: invalid role: %s", role)
	}
	var exists int
	if err := s.Pool.QueryRow(ctx, `SELECT 1 FROM projects WHERE id = $1 AND deleted_at IS NULL`, projectID).Scan(&exists); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("edgedb: project not found: %s", projectID)
		}
		return nil, fmt.Errorf("edgedb: check project: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.Pool.Exec(ctx,
		`INSERT INTO memberships (project_id, user_id, role, invited_by, created_at) VALUES ($1, $2, $3, $4, $5)`,
		projectID, userID, role, invitedByUserID, now,
	); err != nil {
		return nil, fmt.Errorf("edgedb: add member: %w", err)
	}

	return &Membership{ProjectID: projectID, UserID: userID, Role: role, InvitedBy: invitedByUserID, CreatedAt: now}, nil
}

// GetMembership returns userID's membership in projectID, or nil if absent.
func (s *Store) GetMembership(ctx context.Context, projectID, userID string) (*Membership, error) {
	m := &Membership{}
	err := s.Pool.QueryRow(ctx,
		`SELECT project_id, user_id, role, invited_by, created_at FROM memberships WHERE project_id = $1 AND user_id = $2`,
		projectID, userID,
	).Scan(&m.ProjectID, &m.UserID, &m.Role, &m.InvitedBy, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("edgedb: get membership: %w", err)
	}
	return m, nil
}

// ListMembers returns every membership row for projectID.
func (s *Store) ListMembers(ctx context.Context, projectID string) ([]*Membership, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT project_id, user_id, role, invited_by, created_at FROM memberships WHERE project_id = $1 ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("edgedb: list members: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m := &Membership{}
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.InvitedBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("edgedb: scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMemberRole changes a member's role.
func (s *Store) UpdateMemberRole(ctx context.Context, projectID, userID, newRole string) error {
	if !isValidRole(newRole) {
		return fmt.Errorf("edgedb: invalid role: %s", newRole)
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE memberships SET role = $1 WHERE project_id = $2 AND user_id = $3`, newRole, projectID, userID)
	if err != nil {
		return fmt.Errorf("edgedb: update member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("edgedb: membership not found")
	}
	return nil
}

// RemoveMember removes userID from projectID, refusing to strip the last
// owner from a project.
func (s *Store) RemoveMember(ctx context.Context, projectID, userID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("edgedb: begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var role string
	err = tx.QueryRow(ctx,
		`SELECT role FROM memberships WHERE project_id = $1 AND user_id = $2`, projectID, userID).Scan(&role)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("edgedb: membership not found")
	}
	if err != nil {
		return fmt.Errorf("edgedb: get membership: %w", err)
	}

	if role == RoleOwner {
		var ownerCount int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM memberships WHERE project_id = $1 AND role = 'owner'`, projectID).Scan(&ownerCount); err != nil {
			return fmt.Errorf("edgedb: count owners: %w", err)
		}
		if ownerCount <= 1 {
			return fmt.Errorf("edgedb: cannot remove last owner from project")
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM memberships WHERE project_id = $1 AND user_id = $2`, projectID, userID); err != nil {
		return fmt.Errorf("edgedb: remove member: %w", err)
	}
	return tx.Commit(ctx)
}
