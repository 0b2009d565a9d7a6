// ABOUTME: Permission type with a structural wildcard sentinel.
// ABOUTME: Comparable (resource, action) pairs usable as set members.

package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Wildcard is the sentinel value matching any concrete resource or action.
const Wildcard = "*"

// ErrInvalidPermission indicates a malformed permission string or an empty
// field.
var ErrInvalidPermission = errors.New("authz: invalid permission")

// Permission grants one action on one resource. Either field may be the
// Wildcard sentinel. The zero value is invalid.
type Permission struct {
	Resource string
	Action   string
}

// NewPermission validates and builds a permission.
func NewPermission(resource, action string) (Permission, error) {
	if resource == "" || action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action are required", ErrInvalidPermission)
	}
	return Permission{Resource: resource, Action: action}, nil
}

// ParsePermission parses the "resource:action" form.
func ParsePermission(s string) (Permission, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok {
		return Permission{}, fmt.Errorf("%w: %q, want resource:action", ErrInvalidPermission, s)
	}
	return NewPermission(resource, action)
}

// String renders the "resource:action" form.
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// Matches reports whether this permission covers the requested pair. Each
// field matches on equality or when the stored field is the wildcard; both
// fields must match.
func (p Permission) Matches(resource, action string) bool {
	resourceMatch := p.Resource == Wildcard || p.Resource == resource
	actionMatch := p.Action == Wildcard || p.Action == action
	return resourceMatch && actionMatch
}

// PermissionSet is a set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Add inserts a permission.
func (s PermissionSet) Add(p Permission) { s[p] = struct{}{} }

// Remove deletes a permission.
func (s PermissionSet) Remove(p Permission) { delete(s, p) }

// Contains reports exact membership, wildcards compared structurally.
func (s PermissionSet) Contains(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Matches reports whether any member covers the requested pair.
func (s PermissionSet) Matches(resource, action string) bool {
	for p := range s {
		if p.Matches(resource, action) {
			return true
		}
	}
	return false
}

// List returns the permissions in "resource:action" form, sorted.
func (s PermissionSet) List() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// Union merges other into a new set.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}
