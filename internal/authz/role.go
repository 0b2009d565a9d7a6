// ABOUTME: Role definitions, inheritance graph, and user-role assignments.
// ABOUTME: Enforces an acyclic parent graph via iterative depth-first search.

package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrRoleExists indicates a role with the same name is already defined.
var ErrRoleExists = errors.New("authz: role already exists")

// ErrRoleNotFound indicates the named role is not defined.
var ErrRoleNotFound = errors.New("authz: role not found")

// ErrCycle indicates an edit would make the role inheritance graph cyclic.
var ErrCycle = errors.New("authz: role inheritance cycle")

// Role is a named permission grant with optional parent roles.
type Role struct {
	Name        string
	Description string
	Permissions PermissionSet
	Parents     []string
}

// clone returns an independent copy safe to hand to callers.
func (r *Role) clone() Role {
	out := Role{
		Name:        r.Name,
		Description: r.Description,
		Permissions: make(PermissionSet, len(r.Permissions)),
		Parents:     append([]string(nil), r.Parents...),
	}
	for p := range r.Permissions {
		out.Permissions[p] = struct{}{}
	}
	return out
}

// Store persists role definitions and assignments. A nil store keeps the
// manager purely in-memory; all writes are write-through when set.
type Store interface {
	SaveRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, name string) error
	SaveAssignment(ctx context.Context, user, role string) error
	DeleteAssignment(ctx context.Context, user, role string) error
}

// RoleManager owns the role table and the user-role assignment table. It is
// process-wide state: created at startup, mutated only through its
// operations.
type RoleManager struct {
	logger *slog.Logger
	store  Store

	mu        sync.RWMutex
	roles     map[string]*Role
	userRoles map[string]map[string]struct{}
}

// NewRoleManager creates an empty manager. Pass nil logger for the default.
func NewRoleManager(logger *slog.Logger) *RoleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleManager{
		logger:    logger.With("component", "authz"),
		roles:     make(map[string]*Role),
		userRoles: make(map[string]map[string]struct{}),
	}
}

// SetStore enables write-through persistence. Call before serving traffic.
func (m *RoleManager) SetStore(s Store) { m.store = s }

// Hydrate loads previously persisted roles and assignments into the manager
// without writing back to the store. Assignments referencing unknown roles
// are logged and skipped.
func (m *RoleManager) Hydrate(roles []Role, assignments map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range roles {
		r := roles[i].clone()
		m.roles[r.Name] = &r
	}
	for user, names := range assignments {
		for _, name := range names {
			if _, ok := m.roles[name]; !ok {
				m.logger.Warn("skipping assignment to unknown role", "user", user, "role", name)
				continue
			}
			if m.userRoles[user] == nil {
				m.userRoles[user] = make(map[string]struct{})
			}
			m.userRoles[user][name] = struct{}{}
		}
	}
}

// Bootstrap installs the default roles: admin with full wildcard access,
// user with common operate permissions, and readonly restricted to read and
// list actions. Existing definitions with the same names are left alone.
func (m *RoleManager) Bootstrap(ctx context.Context) error {
	defaults := []Role{
		{
			Name:        "admin",
			Description: "Full administrative access",
			Permissions: NewPermissionSet(Permission{Wildcard, Wildcard}),
		},
		{
			Name:        "user",
			Description: "Basic user access",
			Permissions: NewPermissionSet(
				Permission{"tool", "execute"},
				Permission{"tool", "list"},
				Permission{"prompt", "read"},
				Permission{"prompt", "list"},
			),
		},
		{
			Name:        "readonly",
			Description: "Read-only access",
			Permissions: NewPermissionSet(
				Permission{Wildcard, "read"},
				Permission{Wildcard, "list"},
			),
		},
	}

	for _, role := range defaults {
		err := m.CreateRole(ctx, role.Name, role.Permissions, role.Description, nil)
		if err != nil && !errors.Is(err, ErrRoleExists) {
			return err
		}
	}
	return nil
}

// CreateRole defines a new role. Parents must already exist and the
// resulting graph must stay acyclic.
func (m *RoleManager) CreateRole(ctx context.Context, name string, perms PermissionSet, description string, parents []string) error {
	if name == "" {
		return fmt.Errorf("authz: role name is required")
	}
	if perms == nil {
		perms = NewPermissionSet()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.roles[name]; exists {
		return fmt.Errorf("%w: %s", ErrRoleExists, name)
	}
	if err := m.validateParents(name, parents); err != nil {
		return err
	}

	role := &Role{
		Name:        name,
		Description: description,
		Permissions: perms,
		Parents:     append([]string(nil), parents...),
	}
	m.roles[name] = role

	if m.store != nil {
		if err := m.store.SaveRole(ctx, role.clone()); err != nil {
			delete(m.roles, name)
			return fmt.Errorf("persisting role %s: %w", name, err)
		}
	}
	m.logger.Info("role created", "role", name, "parents", parents)
	return nil
}

// UpdateRole replaces a role's permissions, description, and parents,
// rejecting edits that would introduce an inheritance cycle.
func (m *RoleManager) UpdateRole(ctx context.Context, name string, perms PermissionSet, description string, parents []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, exists := m.roles[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if err := m.validateParents(name, parents); err != nil {
		return err
	}

	prev := role.clone()
	role.Description = description
	if perms != nil {
		role.Permissions = perms
	}
	role.Parents = append([]string(nil), parents...)

	if m.store != nil {
		if err := m.store.SaveRole(ctx, role.clone()); err != nil {
			*role = prev
			return fmt.Errorf("persisting role %s: %w", name, err)
		}
	}
	m.logger.Info("role updated", "role", name)
	return nil
}

// validateParents checks that every parent exists and that making them
// parents of name keeps the graph acyclic. Caller holds the write lock.
//
// The traversal is an explicit iterative DFS; cycle detection never leans on
// runtime recursion limits.
func (m *RoleManager) validateParents(name string, parents []string) error {
	for _, p := range parents {
		if p == name {
			return fmt.Errorf("%w: %s cannot inherit itself", ErrCycle, name)
		}
		if _, ok := m.roles[p]; !ok {
			return fmt.Errorf("%w: parent %s", ErrRoleNotFound, p)
		}
	}

	// A cycle exists iff name is reachable from any proposed parent.
	stack := append([]string(nil), parents...)
	visited := make(map[string]struct{})
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == name {
			return fmt.Errorf("%w: %s reachable from its parents", ErrCycle, name)
		}
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		if role, ok := m.roles[cur]; ok {
			stack = append(stack, role.Parents...)
		}
	}
	return nil
}

// DeleteRole removes a role, revokes it from every assigned user, and
// removes it from the parent list of any role that referenced it.
func (m *RoleManager) DeleteRole(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.roles[name]; !exists {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	delete(m.roles, name)

	for user, assigned := range m.userRoles {
		if _, ok := assigned[name]; !ok {
			continue
		}
		delete(assigned, name)
		if len(assigned) == 0 {
			delete(m.userRoles, user)
		}
		if m.store != nil {
			if err := m.store.DeleteAssignment(ctx, user, name); err != nil {
				m.logger.Warn("deleting persisted assignment", "user", user, "role", name, "error", err)
			}
		}
	}

	// Cascade out of inheritance graphs.
	for _, role := range m.roles {
		kept := role.Parents[:0]
		changed := false
		for _, p := range role.Parents {
			if p == name {
				changed = true
				continue
			}
			kept = append(kept, p)
		}
		role.Parents = kept
		if changed && m.store != nil {
			if err := m.store.SaveRole(ctx, role.clone()); err != nil {
				m.logger.Warn("persisting cascaded parent removal", "role", role.Name, "error", err)
			}
		}
	}

	if m.store != nil {
		if err := m.store.DeleteRole(ctx, name); err != nil {
			return fmt.Errorf("deleting persisted role %s: %w", name, err)
		}
	}
	m.logger.Info("role deleted", "role", name)
	return nil
}

// GetRole returns a copy of the named role.
func (m *RoleManager) GetRole(name string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role.clone(), nil
}

// ListRoles returns copies of every role sorted by name.
func (m *RoleManager) ListRoles() []Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AssignRole grants a role to a user. Idempotent.
func (m *RoleManager) AssignRole(ctx context.Context, user, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[role]; !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, role)
	}
	assigned, ok := m.userRoles[user]
	if !ok {
		assigned = make(map[string]struct{})
		m.userRoles[user] = assigned
	}
	assigned[role] = struct{}{}

	if m.store != nil {
		if err := m.store.SaveAssignment(ctx, user, role); err != nil {
			return fmt.Errorf("persisting assignment: %w", err)
		}
	}
	m.logger.Info("role assigned", "user", user, "role", role)
	return nil
}

// RevokeRole removes a role from a user. Idempotent.
func (m *RoleManager) RevokeRole(ctx context.Context, user, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if assigned, ok := m.userRoles[user]; ok {
		delete(assigned, role)
		if len(assigned) == 0 {
			delete(m.userRoles, user)
		}
	}
	if m.store != nil {
		if err := m.store.DeleteAssignment(ctx, user, role); err != nil {
			return fmt.Errorf("deleting persisted assignment: %w", err)
		}
	}
	m.logger.Info("role revoked", "user", user, "role", role)
	return nil
}

// UserRoles returns the names of the roles assigned to a user, sorted.
func (m *RoleManager) UserRoles(user string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.userRoles[user]))
	for name := range m.userRoles[user] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EffectivePermissions computes a role's direct permissions unioned with
// everything inherited from its parents, transitively.
func (m *RoleManager) EffectivePermissions(name string) (PermissionSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.roles[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return m.effectiveLocked(name), nil
}

// effectiveLocked walks the inheritance graph iteratively. Caller holds at
// least the read lock.
func (m *RoleManager) effectiveLocked(name string) PermissionSet {
	out := NewPermissionSet()
	stack := []string{name}
	visited := make(map[string]struct{})
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		role, ok := m.roles[cur]
		if !ok {
			continue
		}
		for p := range role.Permissions {
			out[p] = struct{}{}
		}
		stack = append(stack, role.Parents...)
	}
	return out
}

// UserPermissions aggregates effective permissions across every role
// assigned to the user.
func (m *RoleManager) UserPermissions(user string) PermissionSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := NewPermissionSet()
	for name := range m.userRoles[user] {
		for p := range m.effectiveLocked(name) {
			out[p] = struct{}{}
		}
	}
	return out
}

// CheckPermission reports whether any of the user's roles grants the
// requested (resource, action).
func (m *RoleManager) CheckPermission(user, resource, action string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name := range m.userRoles[user] {
		if m.effectiveLocked(name).Matches(resource, action) {
			return true
		}
	}
	return false
}
