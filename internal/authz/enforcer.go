// ABOUTME: Enforcement gate wrapping aggregated-capability invocations.
// ABOUTME: Middleware form composes into any request-processing pipeline.

package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrForbidden indicates the subject lacks the required permission. It is
// never downgraded to a warning or bypassed while enforcement is enabled.
var ErrForbidden = errors.New("authz: forbidden")

// Handler processes one gated invocation.
type Handler func(ctx context.Context) (any, error)

// Middleware wraps a Handler with cross-cutting behavior.
type Middleware func(Handler) Handler

// Enforcer gates invocations against the role manager. Enforcement can be
// disabled globally (development mode) without changing call sites.
type Enforcer struct {
	manager *RoleManager
	logger  *slog.Logger

	mu      sync.RWMutex
	enforce bool
}

// NewEnforcer creates an enforcer with enforcement enabled.
func NewEnforcer(manager *RoleManager, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		manager: manager,
		logger:  logger.With("component", "enforcer"),
		enforce: true,
	}
}

// SetEnforcement toggles enforcement globally.
func (e *Enforcer) SetEnforcement(on bool) {
	e.mu.Lock()
	e.enforce = on
	e.mu.Unlock()
	e.logger.Info("enforcement toggled", "enabled", on)
}

// Enabled reports whether enforcement is active.
func (e *Enforcer) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enforce
}

// Authorize checks the AuthContext carried in ctx against the requested
// (resource, action). Returns nil when allowed, an error wrapping
// ErrForbidden otherwise.
func (e *Enforcer) Authorize(ctx context.Context, resource, action string) error {
	if !e.Enabled() {
		return nil
	}

	auth := FromContext(ctx)
	if auth == nil {
		return fmt.Errorf("%w: no auth context", ErrForbidden)
	}

	// A wildcard token scope bypasses role lookup entirely.
	if auth.HasScope(Wildcard) {
		return nil
	}

	if !e.manager.CheckPermission(auth.Subject, resource, action) {
		e.logger.Warn("permission denied",
			"subject", auth.Subject,
			"resource", resource,
			"action", action,
		)
		return fmt.Errorf("%w: %s lacks %s:%s", ErrForbidden, auth.Subject, resource, action)
	}
	return nil
}

// RequirePermission returns middleware that rejects the invocation with
// ErrForbidden before the handler runs, unless the caller's AuthContext
// grants (resource, action).
func (e *Enforcer) RequirePermission(resource, action string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context) (any, error) {
			if err := e.Authorize(ctx, resource, action); err != nil {
				return nil, err
			}
			return next(ctx)
		}
	}
}
