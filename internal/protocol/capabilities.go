// ABOUTME: MCP capability payload types used during discovery and invocation.
// ABOUTME: Covers initialize, tools/prompts/resources listing, and tool calls.

package protocol

import "encoding/json"

// Discovery and invocation method names.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodPing          = "ping"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodListPrompts   = "prompts/list"
	MethodGetPrompt     = "prompts/get"
	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"
)

// InitializeParams is sent as the first request on every new session.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the composer to a downstream server.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ServerInfo identifies a downstream server and its version tag.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDefinition describes a callable tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// PromptDefinition describes a prompt template.
type PromptDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ResourceDefinition describes a readable resource.
type ResourceDefinition struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListToolsResult is the tools/list response payload.
type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ListPromptsResult is the prompts/list response payload.
type ListPromptsResult struct {
	Prompts []PromptDefinition `json:"prompts"`
}

// ListResourcesResult is the resources/list response payload.
type ListResourcesResult struct {
	Resources []ResourceDefinition `json:"resources"`
}

// CallToolParams is the tools/call request payload. Name carries the owning
// server's original tool name, not the composer's resolved name.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// GetPromptParams is the prompts/get request payload.
type GetPromptParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ReadResourceParams is the resources/read request payload.
type ReadResourceParams struct {
	URI string `json:"uri"`
}
