// ABOUTME: Tests for the composition orchestrator
// ABOUTME: Covers discovery, routing, cancellation, and authorization gating

package composer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/2389/mcp-composer/internal/authz"
	"github.com/2389/mcp-composer/internal/config"
	"github.com/2389/mcp-composer/internal/protocol"
	"github.com/2389/mcp-composer/internal/registry"
	"github.com/2389/mcp-composer/internal/supervisor"
	"github.com/2389/mcp-composer/internal/transport"
)

// fakeSession is a scripted in-memory MCP server.
type fakeSession struct {
	handler func(*protocol.Message) *protocol.Message

	inbound   chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []*protocol.Message
}

func newFakeSession(handler func(*protocol.Message) *protocol.Message) *fakeSession {
	return &fakeSession{
		handler: handler,
		inbound: make(chan *protocol.Message, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeSession) Kind() transport.Kind { return transport.KindStdio }

func (f *fakeSession) Send(msg *protocol.Message) error {
	select {
	case <-f.done:
		return transport.ErrChannelClosed
	default:
	}

	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()

	if msg.IsRequest() && f.handler != nil {
		if resp := f.handler(msg); resp != nil {
			f.inbound <- resp
		}
	}
	return nil
}

func (f *fakeSession) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.done:
		return nil, transport.ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	methods := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		methods = append(methods, m.Method)
	}
	return methods
}

// serverHandler scripts a server exposing the given tools.
func serverHandler(version string, tools []protocol.ToolDefinition) func(*protocol.Message) *protocol.Message {
	return func(msg *protocol.Message) *protocol.Message {
		respond := func(result any) *protocol.Message {
			resp, err := protocol.NewResponse(msg.ID, result)
			if err != nil {
				panic(err)
			}
			return resp
		}
		switch msg.Method {
		case protocol.MethodInitialize:
			return respond(protocol.InitializeResult{
				ProtocolVersion: "2024-11-05",
				ServerInfo:      protocol.ServerInfo{Name: "fake", Version: version},
			})
		case protocol.MethodListTools:
			return respond(protocol.ListToolsResult{Tools: tools})
		case protocol.MethodListPrompts:
			return respond(protocol.ListPromptsResult{})
		case protocol.MethodListResources:
			return respond(protocol.ListResourcesResult{})
		case protocol.MethodCallTool:
			var params protocol.CallToolParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return protocol.NewErrorResponse(msg.ID, -32602, "bad params")
			}
			return respond(map[string]string{"called": params.Name})
		case protocol.MethodPing:
			return respond(struct{}{})
		}
		return protocol.NewErrorResponse(msg.ID, -32601, "method not found")
	}
}

func newTestComposer(t *testing.T, enforce bool) (*Composer, *registry.Registry, *authz.RoleManager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	manager := authz.NewRoleManager(logger)
	if err := manager.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	enforcer := authz.NewEnforcer(manager, logger)
	enforcer.SetEnforcement(enforce)

	reg := registry.New(registry.Config{Logger: logger})
	sup := supervisor.New(logger)

	c := New(Options{
		Supervisor:  sup,
		Registry:    reg,
		Enforcer:    enforcer,
		Logger:      logger,
		CallTimeout: 2 * time.Second,
	})
	return c, reg, manager
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDiscovery_RegistersCapabilities(t *testing.T) {
	c, reg, _ := newTestComposer(t, false)

	fake := newFakeSession(serverHandler("1.2.0", []protocol.ToolDefinition{
		{Name: "read", Description: "read a file"},
		{Name: "write"},
	}))
	c.SessionOpened("fs", fake)

	waitFor(t, func() bool { return len(reg.List()) == 2 }, "capabilities not registered")

	cap, ok := reg.Lookup("read")
	if !ok {
		t.Fatal("read not found")
	}
	if cap.ServerID != "fs" || cap.Version != "1.2.0" {
		t.Errorf("capability = %+v", cap)
	}

	methods := fake.sentMethods()
	if methods[0] != protocol.MethodInitialize {
		t.Errorf("first method = %q, want initialize", methods[0])
	}
	if methods[1] != protocol.MethodInitialized {
		t.Errorf("second method = %q, want initialized notification", methods[1])
	}
}

func TestRegister_ShadowedIsNotARename(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(lockedWriter{&mu, &buf}, nil))

	manager := authz.NewRoleManager(logger)
	enforcer := authz.NewEnforcer(manager, logger)
	enforcer.SetEnforcement(false)
	reg := registry.New(registry.Config{DefaultStrategy: registry.StrategyIgnore, Logger: logger})
	sup := supervisor.New(logger)
	c := New(Options{Supervisor: sup, Registry: reg, Enforcer: enforcer, Logger: logger})

	c.register(&registry.Capability{Name: "read", Kind: registry.KindTool, ServerID: "fs"})
	c.register(&registry.Capability{Name: "read", Kind: registry.KindTool, ServerID: "db"})

	// The first registration wins; the second is dropped, not renamed.
	if cap, ok := reg.Lookup("read"); !ok || cap.ServerID != "fs" {
		t.Fatalf("Lookup(read) = %+v, %v", cap, ok)
	}
	mu.Lock()
	logged := buf.String()
	mu.Unlock()
	if !strings.Contains(logged, "capability shadowed") {
		t.Error("dropped registration should log as shadowed")
	}
	if strings.Contains(logged, "capability renamed") {
		t.Error("dropped registration must not log as renamed")
	}
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestCallTool_RoutesToOwner(t *testing.T) {
	c, reg, _ := newTestComposer(t, false)

	fake := newFakeSession(serverHandler("1.0.0", []protocol.ToolDefinition{{Name: "read"}}))
	c.SessionOpened("fs", fake)
	waitFor(t, func() bool { return len(reg.List()) == 1 }, "capability not registered")

	result, err := c.CallTool(context.Background(), "read", json.RawMessage(`{"path":"/tmp/x"}`))
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	// The owner sees its original tool name.
	if decoded["called"] != "read" {
		t.Errorf("called = %q, want read", decoded["called"])
	}
}

func TestCallTool_UnknownName(t *testing.T) {
	c, _, _ := newTestComposer(t, false)

	_, err := c.CallTool(context.Background(), "nope", nil)
	if !errors.Is(err, registry.ErrCapabilityNotFound) {
		t.Errorf("error = %v, want ErrCapabilityNotFound", err)
	}
}

func TestCallTool_CancelledOnSessionClose(t *testing.T) {
	c, reg, _ := newTestComposer(t, false)

	var silent sync.Once
	handler := serverHandler("1.0.0", []protocol.ToolDefinition{{Name: "slow"}})
	fake := newFakeSession(nil)
	fake.handler = func(msg *protocol.Message) *protocol.Message {
		if msg.Method == protocol.MethodCallTool {
			// Swallow the call so it stays in flight, then cut the session.
			silent.Do(func() {
				go func() {
					time.Sleep(50 * time.Millisecond)
					fake.Close()
					c.SessionClosed("fs")
				}()
			})
			return nil
		}
		return handler(msg)
	}

	c.SessionOpened("fs", fake)
	waitFor(t, func() bool { return len(reg.List()) == 1 }, "capability not registered")

	_, err := c.CallTool(context.Background(), "slow", nil)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}
}

func TestSessionClosed_WithdrawsCapabilities(t *testing.T) {
	c, reg, _ := newTestComposer(t, false)

	fake := newFakeSession(serverHandler("1.0.0", []protocol.ToolDefinition{{Name: "read"}}))
	c.SessionOpened("fs", fake)
	waitFor(t, func() bool { return len(reg.List()) == 1 }, "capability not registered")

	fake.Close()
	c.SessionClosed("fs")

	if caps := reg.List(); len(caps) != 0 {
		t.Errorf("capabilities remain after close: %v", caps)
	}
	if _, err := c.CallTool(context.Background(), "read", nil); err == nil {
		t.Error("CallTool should fail after withdrawal")
	}
}

func TestCallTool_AuthorizationGate(t *testing.T) {
	c, reg, manager := newTestComposer(t, true)

	fake := newFakeSession(serverHandler("1.0.0", []protocol.ToolDefinition{{Name: "read"}}))
	c.SessionOpened("fs", fake)
	waitFor(t, func() bool { return len(reg.List()) == 1 }, "capability not registered")

	// No auth context: denied.
	if _, err := c.CallTool(context.Background(), "read", nil); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}

	// Subject without the permission: denied.
	ctx := authz.WithAuth(context.Background(), &authz.AuthContext{Subject: "mallory"})
	if _, err := c.CallTool(ctx, "read", nil); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}

	// Subject holding the user role: allowed.
	if err := manager.AssignRole(context.Background(), "alice", "user"); err != nil {
		t.Fatalf("assigning role: %v", err)
	}
	ctxOK := authz.WithAuth(context.Background(), &authz.AuthContext{Subject: "alice"})
	if _, err := c.CallTool(ctxOK, "read", nil); err != nil {
		t.Errorf("CallTool with user role failed: %v", err)
	}
}

func TestCallTool_PerToolPermissions(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	manager := authz.NewRoleManager(logger)
	if err := manager.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	enforcer := authz.NewEnforcer(manager, logger)
	toolAuthz := authz.NewToolPermissionManager(manager, logger)
	reg := registry.New(registry.Config{Logger: logger})
	sup := supervisor.New(logger)
	c := New(Options{
		Supervisor:  sup,
		Registry:    reg,
		Enforcer:    enforcer,
		ToolAuthz:   toolAuthz,
		Logger:      logger,
		CallTimeout: 2 * time.Second,
	})

	fake := newFakeSession(serverHandler("1.0.0", []protocol.ToolDefinition{
		{Name: "read"},
		{Name: "drop_tables"},
	}))
	c.SessionOpened("db", fake)
	waitFor(t, func() bool { return len(reg.List()) == 2 }, "capabilities not registered")

	if err := manager.AssignRole(context.Background(), "alice", "user"); err != nil {
		t.Fatal(err)
	}
	ctx := authz.WithAuth(context.Background(), &authz.AuthContext{Subject: "alice"})

	// The user role's generic tool:execute grant covers unguarded tools.
	if _, err := c.CallTool(ctx, "read", nil); err != nil {
		t.Fatalf("CallTool(read) failed: %v", err)
	}

	// A policy-guarded tool needs an explicit grant on top of the role.
	required := authz.ToolPermission{Tool: "drop_tables", Action: "execute"}
	toolAuthz.SetPolicy("drop_tables", []authz.ToolPermission{required})
	if _, err := c.CallTool(ctx, "drop_tables", nil); !errors.Is(err, authz.ErrForbidden) {
		t.Errorf("error = %v, want ErrForbidden", err)
	}

	accessible, err := c.AccessibleTools(ctx)
	if err != nil {
		t.Fatalf("AccessibleTools failed: %v", err)
	}
	if len(accessible) != 1 || accessible[0] != "read" {
		t.Errorf("accessible = %v, want [read]", accessible)
	}

	if err := toolAuthz.Grant("alice", required); err != nil {
		t.Fatal(err)
	}
	if _, err := c.CallTool(ctx, "drop_tables", nil); err != nil {
		t.Errorf("CallTool after grant failed: %v", err)
	}
}

func TestApplyToolAuthzConfig(t *testing.T) {
	m := authz.NewToolPermissionManager(nil, nil)
	cfg := config.AuthzConfig{
		ToolGroups: []config.ToolGroupConfig{
			{Name: "billing", Patterns: []string{"invoice_*"}},
		},
		ToolGrants: map[string][]string{
			"alice": {"billing:execute", "data_*:query:execute"},
		},
	}
	if err := applyToolAuthzConfig(m, cfg); err != nil {
		t.Fatalf("applyToolAuthzConfig failed: %v", err)
	}

	if !m.CheckTool("alice", "invoice_create", "execute", "") {
		t.Error("configured group grant should allow invoice_create")
	}
	if !m.CheckTool("alice", "query", "execute", "data_server") {
		t.Error("configured server-scoped grant should allow")
	}
	if m.CheckTool("alice", "query", "execute", "fs") {
		t.Error("server-scoped grant should deny other servers")
	}

	bad := config.AuthzConfig{ToolGrants: map[string][]string{"bob": {"nonsense"}}}
	if err := applyToolAuthzConfig(authz.NewToolPermissionManager(nil, nil), bad); err == nil {
		t.Error("malformed tool grant should fail")
	}
}

func TestResolve_VersionReference(t *testing.T) {
	c, reg, _ := newTestComposer(t, false)

	one := newFakeSession(serverHandler("1.0.0", []protocol.ToolDefinition{{Name: "read"}}))
	c.SessionOpened("fs-v1", one)
	waitFor(t, func() bool { return len(reg.List()) == 1 }, "first server not registered")

	two := newFakeSession(serverHandler("2.0.0", []protocol.ToolDefinition{{Name: "read"}}))
	c.SessionOpened("fs-v2", two)
	waitFor(t, func() bool { return len(reg.List()) == 2 }, "second server not registered")

	cap, err := c.resolve("read@1.0.0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if cap.ServerID != "fs-v1" {
		t.Errorf("resolved server = %q, want fs-v1", cap.ServerID)
	}

	if _, err := c.resolve("read@9.9.9"); !errors.Is(err, registry.ErrCapabilityNotFound) {
		t.Errorf("error = %v, want ErrCapabilityNotFound", err)
	}
}

func TestPing_UsesSession(t *testing.T) {
	c, reg, _ := newTestComposer(t, false)

	fake := newFakeSession(serverHandler("1.0.0", nil))
	c.SessionOpened("fs", fake)
	waitFor(t, func() bool {
		for _, m := range fake.sentMethods() {
			if m == protocol.MethodListResources {
				return true
			}
		}
		return false
	}, "discovery did not finish")
	_ = reg

	if err := c.ping(context.Background(), "fs"); err != nil {
		t.Errorf("ping failed: %v", err)
	}
	if err := c.ping(context.Background(), "ghost"); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("error = %v, want ErrServerUnavailable", err)
	}
}
