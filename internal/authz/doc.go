// Package authz provides role-based authorization for aggregated
// capability invocations.
//
// # Permissions
//
// A Permission is a (resource, action) pair. Either field may hold the
// Wildcard sentinel, which matches any concrete value; matching is a
// structural comparison, never string pattern matching. Permissions are
// comparable and usable as set members.
//
// # Roles
//
// Roles hold a direct permission set and may inherit from parent roles. The
// effective permission set of a role is its direct set unioned with the
// effective sets of all parents, transitively. The parent graph is kept
// acyclic: any create or edit that would introduce a cycle is rejected with
// ErrCycle, detected by an iterative depth-first traversal.
//
// # Enforcement
//
// The Enforcer gates invocations. Handlers never check roles themselves;
// they are wrapped with RequirePermission(resource, action), which consults
// the AuthContext carried in the request context. Authorization failures
// always surface as ErrForbidden. Enforcement can be disabled globally for
// development without changing call sites.
//
// # Tool-level permissions
//
// ToolPermissionManager layers fine-grained, pattern-matched grants on top
// of the role model. A grant names a tool pattern (path.Match syntax), an
// action, and optionally a server pattern. Tool groups name sets of tools by
// pattern so one grant covers all of them. A per-tool policy inverts the
// default: the named tool then requires an explicit grant even from subjects
// whose roles carry the generic tool action.
//
// # Identity
//
// The package never authenticates. An external collaborator constructs the
// AuthContext (subject plus scopes) and attaches it with WithAuth; FromContext
// retrieves it in handlers.
package authz
