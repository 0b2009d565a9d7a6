// ABOUTME: Tool-level authorization layered on top of the role manager.
// ABOUTME: Pattern-matched per-tool grants, tool groups, and per-tool policies.

package authz

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
)

// ErrGroupExists indicates a tool group with the same name already exists.
var ErrGroupExists = errors.New("authz: tool group already exists")

// ErrGroupNotFound indicates no tool group carries the given name.
var ErrGroupNotFound = errors.New("authz: tool group not found")

// ToolPermission grants one action on tools matching a name pattern,
// optionally narrowed to servers matching a server pattern. Patterns use
// path.Match syntax; a literal name matches only itself. A tool group's name
// is also a valid Tool value for group-wide grants.
type ToolPermission struct {
	Tool   string
	Action string
	Server string
}

// NewToolPermission validates and builds a tool permission.
func NewToolPermission(tool, action string) (ToolPermission, error) {
	if tool == "" || action == "" {
		return ToolPermission{}, fmt.Errorf("%w: tool and action are required", ErrInvalidPermission)
	}
	return ToolPermission{Tool: tool, Action: action}, nil
}

// ParseToolPermission parses the "tool:action" or "server:tool:action" form.
func ParseToolPermission(s string) (ToolPermission, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		return NewToolPermission(parts[0], parts[1])
	case 3:
		p, err := NewToolPermission(parts[1], parts[2])
		if err != nil {
			return ToolPermission{}, err
		}
		if parts[0] == "" {
			return ToolPermission{}, fmt.Errorf("%w: empty server in %q", ErrInvalidPermission, s)
		}
		p.Server = parts[0]
		return p, nil
	}
	return ToolPermission{}, fmt.Errorf("%w: %q, want tool:action or server:tool:action", ErrInvalidPermission, s)
}

// String renders the parseable form.
func (p ToolPermission) String() string {
	if p.Server != "" {
		return p.Server + ":" + p.Tool + ":" + p.Action
	}
	return p.Tool + ":" + p.Action
}

// Matches reports whether this permission covers the requested invocation.
func (p ToolPermission) Matches(tool, action, server string) bool {
	if p.Action != Wildcard && p.Action != action {
		return false
	}
	if p.Server != "" {
		if server == "" {
			return false
		}
		if ok, err := path.Match(p.Server, server); err != nil || !ok {
			return false
		}
	}
	ok, err := path.Match(p.Tool, tool)
	return err == nil && ok
}

// ToolGroup names a set of tools by wildcard patterns so permissions can be
// granted for all of them at once.
type ToolGroup struct {
	Name          string
	Patterns      []string
	ServerPattern string
	Description   string
}

// MatchesTool reports whether the tool belongs to this group.
func (g ToolGroup) MatchesTool(tool, server string) bool {
	if g.ServerPattern != "" && server != "" {
		if ok, err := path.Match(g.ServerPattern, server); err != nil || !ok {
			return false
		}
	}
	for _, pattern := range g.Patterns {
		if ok, err := path.Match(pattern, tool); err == nil && ok {
			return true
		}
	}
	return false
}

// ToolPermissionManager provides fine-grained per-tool access control on top
// of the role manager's generic (resource, action) grants. A subject passes a
// check when their roles grant the generic tool action, when a direct grant
// matches the tool, or when they hold a grant for a group the tool belongs
// to. A tool with a registered policy additionally requires one of the
// policy's permissions, no matter how broad the subject's role grants are.
type ToolPermissionManager struct {
	roles  *RoleManager
	logger *slog.Logger

	mu       sync.RWMutex
	groups   map[string]*ToolGroup
	grants   map[string]map[ToolPermission]struct{}
	policies map[string][]ToolPermission
}

// NewToolPermissionManager creates a manager with the default readonly,
// write, and admin tool groups. The role manager may be nil for standalone
// use.
func NewToolPermissionManager(roles *RoleManager, logger *slog.Logger) *ToolPermissionManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ToolPermissionManager{
		roles:    roles,
		logger:   logger.With("component", "tool-authz"),
		groups:   make(map[string]*ToolGroup),
		grants:   make(map[string]map[ToolPermission]struct{}),
		policies: make(map[string][]ToolPermission),
	}
	for _, g := range []ToolGroup{
		{
			Name:        "readonly",
			Patterns:    []string{"get_*", "list_*", "search_*", "find_*"},
			Description: "Read-only tools that don't modify data",
		},
		{
			Name:        "write",
			Patterns:    []string{"create_*", "update_*", "delete_*", "modify_*"},
			Description: "Tools that modify data",
		},
		{
			Name:        "admin",
			Patterns:    []string{"admin_*", "configure_*", "manage_*"},
			Description: "Administrative tools",
		},
	} {
		group := g
		m.groups[g.Name] = &group
	}
	return m
}

// CreateGroup adds a tool group.
func (m *ToolPermissionManager) CreateGroup(group ToolGroup) error {
	if group.Name == "" {
		return fmt.Errorf("%w: group name is required", ErrInvalidPermission)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[group.Name]; ok {
		return fmt.Errorf("%w: %s", ErrGroupExists, group.Name)
	}
	m.groups[group.Name] = &group
	m.logger.Info("tool group created", "group", group.Name)
	return nil
}

// Group returns a tool group by name.
func (m *ToolPermissionManager) Group(name string) (ToolGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[name]
	if !ok {
		return ToolGroup{}, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	return *g, nil
}

// DeleteGroup removes a tool group. Grants referencing the group stay behind
// but no longer match anything.
func (m *ToolPermissionManager) DeleteGroup(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[name]; !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	delete(m.groups, name)
	m.logger.Info("tool group deleted", "group", name)
	return nil
}

// ListGroups returns every tool group sorted by name.
func (m *ToolPermissionManager) ListGroups() []ToolGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolGroup, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddGroupPattern appends a pattern to an existing group.
func (m *ToolPermissionManager) AddGroupPattern(group, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	for _, p := range g.Patterns {
		if p == pattern {
			return nil
		}
	}
	g.Patterns = append(g.Patterns, pattern)
	return nil
}

// RemoveGroupPattern drops a pattern from an existing group.
func (m *ToolPermissionManager) RemoveGroupPattern(group, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[group]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	kept := g.Patterns[:0]
	for _, p := range g.Patterns {
		if p != pattern {
			kept = append(kept, p)
		}
	}
	g.Patterns = kept
	return nil
}

// Grant gives a subject a direct tool permission. Granting the same
// permission twice is a no-op.
func (m *ToolPermissionManager) Grant(user string, perm ToolPermission) error {
	if perm.Tool == "" || perm.Action == "" {
		return fmt.Errorf("%w: tool and action are required", ErrInvalidPermission)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.grants[user]
	if !ok {
		set = make(map[ToolPermission]struct{})
		m.grants[user] = set
	}
	set[perm] = struct{}{}
	m.logger.Info("tool permission granted", "user", user, "permission", perm.String())
	return nil
}

// Revoke removes a direct tool permission. Returns false if the subject
// never held it.
func (m *ToolPermissionManager) Revoke(user string, perm ToolPermission) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.grants[user]
	if !ok {
		return false
	}
	if _, held := set[perm]; !held {
		return false
	}
	delete(set, perm)
	if len(set) == 0 {
		delete(m.grants, user)
	}
	m.logger.Info("tool permission revoked", "user", user, "permission", perm.String())
	return true
}

// GrantGroup gives a subject the action on every tool in the named group.
func (m *ToolPermissionManager) GrantGroup(user, group, action string) error {
	m.mu.RLock()
	_, ok := m.groups[group]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	return m.Grant(user, ToolPermission{Tool: group, Action: action})
}

// UserGrants returns a subject's direct tool permissions, sorted.
func (m *ToolPermissionManager) UserGrants(user string) []ToolPermission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ToolPermission, 0, len(m.grants[user]))
	for p := range m.grants[user] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SetPolicy registers the permissions required to use one tool. A nil or
// empty list clears the policy.
func (m *ToolPermissionManager) SetPolicy(tool string, required []ToolPermission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(required) == 0 {
		delete(m.policies, tool)
		return
	}
	m.policies[tool] = append([]ToolPermission(nil), required...)
	m.logger.Info("tool policy registered", "tool", tool, "requirements", len(required))
}

// Policy returns the registered requirements for one tool.
func (m *ToolPermissionManager) Policy(tool string) []ToolPermission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ToolPermission(nil), m.policies[tool]...)
}

// CheckTool reports whether the subject may perform action on the named
// tool. The server argument narrows server-scoped grants and group patterns;
// it may be empty.
func (m *ToolPermissionManager) CheckTool(user, tool, action, server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// An explicit policy must be satisfied by a direct grant even when the
	// subject's roles grant the generic tool action.
	if required, ok := m.policies[tool]; ok {
		held := false
		for _, req := range required {
			if _, has := m.grants[user][req]; has {
				held = true
				break
			}
		}
		if !held {
			return false
		}
	}

	if m.roles != nil && m.roles.CheckPermission(user, "tool", action) {
		return true
	}

	for perm := range m.grants[user] {
		if perm.Matches(tool, action, server) {
			return true
		}
	}

	for _, g := range m.groups {
		if !g.MatchesTool(tool, server) {
			continue
		}
		if _, ok := m.grants[user][ToolPermission{Tool: g.Name, Action: action}]; ok {
			return true
		}
		if _, ok := m.grants[user][ToolPermission{Tool: g.Name, Action: Wildcard}]; ok {
			return true
		}
	}
	return false
}

// AccessibleTools filters the given tool names down to those the subject may
// use for the action.
func (m *ToolPermissionManager) AccessibleTools(user string, tools []string, action, server string) []string {
	accessible := make([]string, 0, len(tools))
	for _, tool := range tools {
		if m.CheckTool(user, tool, action, server) {
			accessible = append(accessible, tool)
		}
	}
	return accessible
}
