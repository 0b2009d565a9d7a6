// ABOUTME: Orchestrator wiring supervisor, transports, registry, and authz.
// ABOUTME: Runs discovery on session open and routes invocations to owners.

package composer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/mcp-composer/internal/authz"
	"github.com/2389/mcp-composer/internal/protocol"
	"github.com/2389/mcp-composer/internal/registry"
	"github.com/2389/mcp-composer/internal/supervisor"
	"github.com/2389/mcp-composer/internal/transport"
)

// ErrServerUnavailable indicates the capability's owner has no live session.
var ErrServerUnavailable = errors.New("composer: server unavailable")

// clientName and clientVersion identify the composer during the initialize
// handshake with downstream servers.
const (
	clientName      = "mcp-composer"
	clientVersion   = "0.1.0"
	protocolVersion = "2024-11-05"
)

// discoveryTimeout bounds the whole handshake for one session.
const discoveryTimeout = 30 * time.Second

// stopGrace is the graceful shutdown window handed to the supervisor.
const stopGrace = 10 * time.Second

// Options configures a Composer.
type Options struct {
	Supervisor *supervisor.Supervisor
	Registry   *registry.Registry
	Enforcer   *authz.Enforcer
	// ToolAuthz, if set, adds per-tool permission checks on top of the
	// enforcer's generic gate.
	ToolAuthz   *authz.ToolPermissionManager
	Logger      *slog.Logger
	CallTimeout time.Duration
	// Aliases installed after each discovery round; targets may not exist
	// until their server comes up.
	Aliases map[string]string
}

// Composer aggregates capabilities from supervised servers into one
// namespace and routes invocations back to the owning server.
type Composer struct {
	logger      *slog.Logger
	supervisor  *supervisor.Supervisor
	registry    *registry.Registry
	enforcer    *authz.Enforcer
	toolAuthz   *authz.ToolPermissionManager
	callTimeout time.Duration
	aliases     map[string]string

	mu       sync.RWMutex
	sessions map[string]*serverSession
}

// New creates a composer and installs it as the supervisor's listener and
// pinger.
func New(opts Options) *Composer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	callTimeout := opts.CallTimeout
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}

	c := &Composer{
		logger:      logger.With("component", "composer"),
		supervisor:  opts.Supervisor,
		registry:    opts.Registry,
		enforcer:    opts.Enforcer,
		toolAuthz:   opts.ToolAuthz,
		callTimeout: callTimeout,
		aliases:     opts.Aliases,
		sessions:    make(map[string]*serverSession),
	}
	c.supervisor.SetListener(c)
	c.supervisor.SetPinger(c.ping)
	return c
}

// SessionOpened runs the discovery handshake for a freshly started server
// and registers its capabilities.
func (c *Composer) SessionOpened(id string, session transport.Session) {
	ss := newServerSession(id, session, c.logger)

	c.mu.Lock()
	if old, ok := c.sessions[id]; ok {
		old.close()
	}
	c.sessions[id] = ss
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
		defer cancel()
		if err := c.discover(ctx, id, ss); err != nil {
			c.logger.Error("discovery failed", "server", id, "error", err)
		}
	}()
}

// SessionClosed cancels in-flight calls to the server and withdraws its
// capabilities from the namespace.
func (c *Composer) SessionClosed(id string) {
	c.mu.Lock()
	ss, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	if ok {
		ss.close()
	}

	removed := c.registry.RemoveServer(id)
	if len(removed) > 0 {
		c.logger.Info("withdrew capabilities", "server", id, "count", len(removed))
	}
}

// discover performs initialize, sends the initialized notification, then
// lists and registers the server's tools, prompts, and resources.
func (c *Composer) discover(ctx context.Context, id string, ss *serverSession) error {
	resp, err := ss.request(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      protocol.ClientInfo{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return fmt.Errorf("decoding initialize result: %w", err)
	}
	if err := ss.notify(protocol.MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	version := init.ServerInfo.Version

	if resp, err := ss.request(ctx, protocol.MethodListTools, nil); err != nil {
		c.logger.Warn("tools/list failed", "server", id, "error", err)
	} else {
		var result protocol.ListToolsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("decoding tools/list result: %w", err)
		}
		for _, tool := range result.Tools {
			c.register(&registry.Capability{
				Name:        tool.Name,
				Kind:        registry.KindTool,
				ServerID:    id,
				Version:     version,
				Description: tool.Description,
				Schema:      tool.InputSchema,
			})
		}
	}

	if resp, err := ss.request(ctx, protocol.MethodListPrompts, nil); err != nil {
		c.logger.Debug("prompts/list not supported", "server", id, "error", err)
	} else {
		var result protocol.ListPromptsResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("decoding prompts/list result: %w", err)
		}
		for _, prompt := range result.Prompts {
			c.register(&registry.Capability{
				Name:        prompt.Name,
				Kind:        registry.KindPrompt,
				ServerID:    id,
				Version:     version,
				Description: prompt.Description,
			})
		}
	}

	if resp, err := ss.request(ctx, protocol.MethodListResources, nil); err != nil {
		c.logger.Debug("resources/list not supported", "server", id, "error", err)
	} else {
		var result protocol.ListResourcesResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("decoding resources/list result: %w", err)
		}
		for _, res := range result.Resources {
			c.register(&registry.Capability{
				Name:        res.Name,
				Kind:        registry.KindResource,
				ServerID:    id,
				Version:     version,
				Description: res.Description,
				URI:         res.URI,
			})
		}
	}

	c.installAliases()

	c.logger.Info("server composed", "server", id,
		"name", init.ServerInfo.Name, "version", version)
	return nil
}

// register adds one capability to the namespace. A rejected registration
// (error strategy) is logged and skipped; the rest of the server's
// capabilities still compose.
func (c *Composer) register(cap *registry.Capability) {
	resolved, err := c.registry.Register(cap)
	if err != nil {
		c.logger.Error("capability rejected", "server", cap.ServerID,
			"kind", cap.Kind, "name", cap.Name, "error", err)
		return
	}
	if resolved == "" {
		// Dropped under ignore or a custom resolver; the existing mapping
		// stays in place.
		c.logger.Info("capability shadowed", "server", cap.ServerID,
			"kind", cap.Kind, "name", cap.Name)
		return
	}
	if resolved != cap.Name {
		c.logger.Info("capability renamed", "server", cap.ServerID,
			"name", cap.Name, "resolved", resolved)
	}
}

// installAliases applies configured aliases whose targets now exist.
func (c *Composer) installAliases() {
	for alias, target := range c.aliases {
		if err := c.registry.AddAlias(alias, target); err != nil {
			c.logger.Debug("alias target not yet available", "alias", alias, "target", target)
		}
	}
}

// ping implements the supervisor's health probe over the live session.
func (c *Composer) ping(ctx context.Context, id string) error {
	ss, err := c.session(id)
	if err != nil {
		return err
	}
	_, err = ss.request(ctx, protocol.MethodPing, nil)
	return err
}

// session returns the live session for a server id.
func (c *Composer) session(id string) (*serverSession, error) {
	c.mu.RLock()
	ss, ok := c.sessions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerUnavailable, id)
	}
	return ss, nil
}

// resolve maps a public name, alias, or name@version reference to its
// capability.
func (c *Composer) resolve(name string) (registry.Capability, error) {
	if base, version, ok := strings.Cut(name, "@"); ok {
		if cap, found := c.registry.LookupVersion(base, version); found {
			return cap, nil
		}
		return registry.Capability{}, fmt.Errorf("%w: %s", registry.ErrCapabilityNotFound, name)
	}
	cap, found := c.registry.Lookup(name)
	if !found {
		return registry.Capability{}, fmt.Errorf("%w: %s", registry.ErrCapabilityNotFound, name)
	}
	return cap, nil
}

// invoke routes one request to the owner of the named capability.
func (c *Composer) invoke(ctx context.Context, cap registry.Capability, method string, params any) (json.RawMessage, error) {
	ss, err := c.session(cap.ServerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp, err := ss.request(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// CallTool executes a tool by its public name, alias, or name@version
// reference. The caller's identity is taken from ctx for authorization.
func (c *Composer) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := c.enforcer.Authorize(ctx, "tool", "execute"); err != nil {
		return nil, err
	}
	cap, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	if cap.Kind != registry.KindTool {
		return nil, fmt.Errorf("%w: %s is a %s", registry.ErrCapabilityNotFound, name, cap.Kind)
	}
	if err := c.authorizeTool(ctx, cap); err != nil {
		return nil, err
	}
	return c.invoke(ctx, cap, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      cap.Name,
		Arguments: args,
	})
}

// authorizeTool applies per-tool permission checks against the public name.
// Wildcard-scoped callers pass, matching the enforcer's bypass.
func (c *Composer) authorizeTool(ctx context.Context, cap registry.Capability) error {
	if c.toolAuthz == nil || !c.enforcer.Enabled() {
		return nil
	}
	auth := authz.FromContext(ctx)
	if auth == nil || auth.HasScope(authz.Wildcard) {
		return nil
	}
	if !c.toolAuthz.CheckTool(auth.Subject, cap.ResolvedName, "execute", cap.ServerID) {
		return fmt.Errorf("%w: %s may not execute %s", authz.ErrForbidden, auth.Subject, cap.ResolvedName)
	}
	return nil
}

// AccessibleTools lists the tools the caller may execute.
func (c *Composer) AccessibleTools(ctx context.Context) ([]string, error) {
	if err := c.enforcer.Authorize(ctx, "tool", "list"); err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for _, cap := range c.registry.List() {
		if cap.Kind != registry.KindTool {
			continue
		}
		if err := c.authorizeTool(ctx, cap); err != nil {
			continue
		}
		names = append(names, cap.ResolvedName)
	}
	return names, nil
}

// GetPrompt fetches a prompt by its public name.
func (c *Composer) GetPrompt(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := c.enforcer.Authorize(ctx, "prompt", "read"); err != nil {
		return nil, err
	}
	cap, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	if cap.Kind != registry.KindPrompt {
		return nil, fmt.Errorf("%w: %s is a %s", registry.ErrCapabilityNotFound, name, cap.Kind)
	}
	return c.invoke(ctx, cap, protocol.MethodGetPrompt, protocol.GetPromptParams{
		Name:      cap.Name,
		Arguments: args,
	})
}

// ReadResource reads a resource by its public name.
func (c *Composer) ReadResource(ctx context.Context, name string) (json.RawMessage, error) {
	if err := c.enforcer.Authorize(ctx, "resource", "read"); err != nil {
		return nil, err
	}
	cap, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	if cap.Kind != registry.KindResource {
		return nil, fmt.Errorf("%w: %s is a %s", registry.ErrCapabilityNotFound, name, cap.Kind)
	}
	return c.invoke(ctx, cap, protocol.MethodReadResource, protocol.ReadResourceParams{
		URI: cap.URI,
	})
}

// ListCapabilities returns the aggregated namespace. Requires list access.
func (c *Composer) ListCapabilities(ctx context.Context) ([]registry.Capability, error) {
	if err := c.enforcer.Authorize(ctx, "tool", "list"); err != nil {
		return nil, err
	}
	return c.registry.List(), nil
}

// StartAll launches every auto-start server.
func (c *Composer) StartAll(ctx context.Context) error {
	return c.supervisor.StartAll(ctx)
}

// StopAll gracefully stops every server.
func (c *Composer) StopAll(ctx context.Context) error {
	return c.supervisor.StopAll(ctx, stopGrace)
}

// Restart restarts one server. Requires restart access.
func (c *Composer) Restart(ctx context.Context, id string) error {
	if err := c.enforcer.Authorize(ctx, "server", "restart"); err != nil {
		return err
	}
	return c.supervisor.Restart(ctx, id, stopGrace)
}

// ListStatus returns every server's lifecycle status.
func (c *Composer) ListStatus() []supervisor.Status {
	return c.supervisor.List()
}

// Summary returns namespace statistics for diagnostics.
func (c *Composer) Summary() registry.Summary {
	return c.registry.Summarize()
}

// History returns the append-only conflict history.
func (c *Composer) History() []registry.ConflictRecord {
	return c.registry.History()
}
