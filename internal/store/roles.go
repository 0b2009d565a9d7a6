// ABOUTME: Role and assignment persistence backing the authorization manager.
// ABOUTME: Implements authz.Store with a write-through contract plus startup loaders.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/mcp-composer/internal/authz"
)

// SaveRole inserts or replaces a role definition.
func (s *SQLiteStore) SaveRole(ctx context.Context, role authz.Role) error {
	perms, err := json.Marshal(role.Permissions.List())
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}
	parents, err := json.Marshal(role.Parents)
	if err != nil {
		return fmt.Errorf("encoding parents: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (name, description, permissions, parents, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			permissions = excluded.permissions,
			parents = excluded.parents,
			updated_at = excluded.updated_at
	`, role.Name, role.Description, string(perms), string(parents), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving role %s: %w", role.Name, err)
	}
	return nil
}

// DeleteRole removes a role and any assignments that reference it.
func (s *SQLiteStore) DeleteRole(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM role_assignments WHERE role_name = ?", name); err != nil {
		return fmt.Errorf("deleting assignments for role %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM roles WHERE name = ?", name); err != nil {
		return fmt.Errorf("deleting role %s: %w", name, err)
	}
	return tx.Commit()
}

// SaveAssignment records a user-to-role grant. Saving an existing grant is a no-op.
func (s *SQLiteStore) SaveAssignment(ctx context.Context, user, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_assignments (user_id, role_name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, role_name) DO NOTHING
	`, user, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving assignment %s -> %s: %w", user, role, err)
	}
	return nil
}

// DeleteAssignment revokes a user-to-role grant.
func (s *SQLiteStore) DeleteAssignment(ctx context.Context, user, role string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM role_assignments WHERE user_id = ? AND role_name = ?
	`, user, role)
	if err != nil {
		return fmt.Errorf("deleting assignment %s -> %s: %w", user, role, err)
	}
	return nil
}

// LoadRoles returns all persisted role definitions for startup hydration.
func (s *SQLiteStore) LoadRoles(ctx context.Context) ([]authz.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, permissions, parents FROM roles ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying roles: %w", err)
	}
	defer rows.Close()

	var roles []authz.Role
	for rows.Next() {
		var name, description, permsJSON, parentsJSON string
		if err := rows.Scan(&name, &description, &permsJSON, &parentsJSON); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}

		var permStrs []string
		if err := json.Unmarshal([]byte(permsJSON), &permStrs); err != nil {
			return nil, fmt.Errorf("decoding permissions for role %s: %w", name, err)
		}
		perms := authz.NewPermissionSet()
		for _, ps := range permStrs {
			p, err := authz.ParsePermission(ps)
			if err != nil {
				s.logger.Warn("skipping malformed permission", "role", name, "permission", ps)
				continue
			}
			perms.Add(p)
		}

		var parents []string
		if err := json.Unmarshal([]byte(parentsJSON), &parents); err != nil {
			return nil, fmt.Errorf("decoding parents for role %s: %w", name, err)
		}

		roles = append(roles, authz.Role{
			Name:        name,
			Description: description,
			Permissions: perms,
			Parents:     parents,
		})
	}
	return roles, rows.Err()
}

// LoadAssignments returns all persisted user-to-role grants keyed by user.
func (s *SQLiteStore) LoadAssignments(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, role_name FROM role_assignments ORDER BY user_id, role_name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()

	assignments := make(map[string][]string)
	for rows.Next() {
		var user, role string
		if err := rows.Scan(&user, &role); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		assignments[user] = append(assignments[user], role)
	}
	return assignments, rows.Err()
}

var _ authz.Store = (*SQLiteStore)(nil)
