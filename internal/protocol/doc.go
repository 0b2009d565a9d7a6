// Package protocol defines the JSON-RPC 2.0 envelope and the MCP capability
// payloads exchanged with composed servers.
//
// # Envelope
//
// All traffic to and from a composed server is newline-delimited JSON-RPC 2.0.
// A Message is a union of request, response, and notification: a request has
// ID and Method set, a response has ID plus Result or Error, a notification
// has Method but no ID.
//
// # Capability payloads
//
// Servers describe their capabilities during the discovery handshake:
//
//	initialize      -> InitializeResult (server info, protocol version)
//	tools/list      -> ListToolsResult
//	prompts/list    -> ListPromptsResult
//	resources/list  -> ListResourcesResult
//
// Invocations use tools/call, prompts/get, and resources/read with the
// owning server's original (pre-resolution) capability name.
package protocol
