// ABOUTME: Runtime assembly: builds the store, authz, registry, supervisor stack.
// ABOUTME: Owns the serve loop with periodic health checks and graceful shutdown.

package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/mcp-composer/internal/authz"
	"github.com/2389/mcp-composer/internal/config"
	"github.com/2389/mcp-composer/internal/registry"
	"github.com/2389/mcp-composer/internal/store"
	"github.com/2389/mcp-composer/internal/supervisor"
)

// healthInterval is how often every running server is probed.
const healthInterval = 30 * time.Second

// Runtime holds the assembled composer stack for the serve command.
type Runtime struct {
	logger   *slog.Logger
	store    *store.SQLiteStore
	manager  *authz.RoleManager
	composer *Composer
	sup      *supervisor.Supervisor
}

// NewRuntime assembles the full stack from configuration: persistence,
// authorization, the capability registry, the supervisor, and the composer
// wiring them together.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	r := &Runtime{logger: logger}

	if cfg.Database.Path != "" {
		st, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		r.store = st
	}

	r.manager = authz.NewRoleManager(logger)
	if r.store != nil {
		roles, err := r.store.LoadRoles(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading roles: %w", err)
		}
		assignments, err := r.store.LoadAssignments(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading assignments: %w", err)
		}
		r.manager.Hydrate(roles, assignments)
		r.manager.SetStore(r.store)
	}
	if err := r.manager.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrapping roles: %w", err)
	}
	if err := r.applyAuthzConfig(ctx, cfg.Authz); err != nil {
		return nil, err
	}

	enforcer := authz.NewEnforcer(r.manager, logger)
	enforcer.SetEnforcement(cfg.Authz.Enabled)

	toolAuthz := authz.NewToolPermissionManager(r.manager, logger)
	if err := applyToolAuthzConfig(toolAuthz, cfg.Authz); err != nil {
		return nil, err
	}

	regCfg := cfg.RegistryConfig()
	regCfg.Logger = logger
	if r.store != nil {
		regCfg.Sink = r.store.ConflictSink()
	}
	reg := registry.New(regCfg)

	r.sup = supervisor.New(logger)
	r.composer = New(Options{
		Supervisor:  r.sup,
		Registry:    reg,
		Enforcer:    enforcer,
		ToolAuthz:   toolAuthz,
		Logger:      logger,
		CallTimeout: cfg.CallTimeout,
		Aliases:     cfg.Composition.Aliases,
	})

	for _, desc := range cfg.Descriptors() {
		if err := r.sup.Add(desc); err != nil {
			return nil, fmt.Errorf("adding server %s: %w", desc.ID, err)
		}
	}

	return r, nil
}

// applyAuthzConfig installs configured roles and assignments on top of the
// defaults. Configured roles replace same-named existing definitions.
func (r *Runtime) applyAuthzConfig(ctx context.Context, cfg config.AuthzConfig) error {
	for _, rc := range cfg.Roles {
		perms := authz.NewPermissionSet()
		for _, ps := range rc.Permissions {
			p, err := authz.ParsePermission(ps)
			if err != nil {
				return fmt.Errorf("role %s: %w", rc.Name, err)
			}
			perms.Add(p)
		}

		err := r.manager.CreateRole(ctx, rc.Name, perms, rc.Description, rc.Parents)
		if errors.Is(err, authz.ErrRoleExists) {
			err = r.manager.UpdateRole(ctx, rc.Name, perms, rc.Description, rc.Parents)
		}
		if err != nil {
			return fmt.Errorf("configuring role %s: %w", rc.Name, err)
		}
	}

	for user, roles := range cfg.Assignments {
		for _, role := range roles {
			if err := r.manager.AssignRole(ctx, user, role); err != nil {
				return fmt.Errorf("assigning %s to %s: %w", role, user, err)
			}
		}
	}
	return nil
}

// applyToolAuthzConfig installs configured tool groups and per-user tool
// grants.
func applyToolAuthzConfig(m *authz.ToolPermissionManager, cfg config.AuthzConfig) error {
	for _, gc := range cfg.ToolGroups {
		err := m.CreateGroup(authz.ToolGroup{
			Name:          gc.Name,
			Patterns:      gc.Patterns,
			ServerPattern: gc.ServerPattern,
			Description:   gc.Description,
		})
		if err != nil {
			return fmt.Errorf("configuring tool group %s: %w", gc.Name, err)
		}
	}
	for user, perms := range cfg.ToolGrants {
		for _, ps := range perms {
			p, err := authz.ParseToolPermission(ps)
			if err != nil {
				return fmt.Errorf("tool grant for %s: %w", user, err)
			}
			if err := m.Grant(user, p); err != nil {
				return fmt.Errorf("tool grant for %s: %w", user, err)
			}
		}
	}
	return nil
}

// Composer returns the assembled composer.
func (r *Runtime) Composer() *Composer { return r.composer }

// Run starts every auto-start server and blocks until ctx is cancelled,
// then stops everything gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	defer func() {
		if r.store != nil {
			if err := r.store.Close(); err != nil {
				r.logger.Error("closing store", "error", err)
			}
		}
	}()

	if err := r.composer.StartAll(ctx); err != nil {
		r.logger.Error("some servers failed to start", "error", err)
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return r.composer.StopAll(stopCtx)
		case <-ticker.C:
			r.checkHealth(ctx)
		}
	}
}

// checkHealth probes every running server once.
func (r *Runtime) checkHealth(ctx context.Context) {
	for _, status := range r.sup.List() {
		if status.State != supervisor.StateRunning {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		health, err := r.sup.HealthCheck(probeCtx, status.ID)
		cancel()
		if err != nil {
			r.logger.Warn("health check failed", "server", status.ID,
				"health", health, "error", err)
		}
	}
}
