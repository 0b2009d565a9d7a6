// Package transport provides the bidirectional message channel abstraction
// between the composer and its downstream MCP servers.
//
// # Sessions
//
// A Session is one open channel to one logical server. Two variants exist:
//
//   - StdioSession: frames newline-delimited JSON-RPC over the stdin/stdout
//     pipes of a child process. The send and receive paths are independent so
//     neither blocks the other. Process exit fails any pending Receive with
//     ErrChannelClosed.
//
//   - SSESession: client session to a streaming (Server-Sent-Events) server.
//     Inbound messages arrive on a GET event stream; outbound messages are
//     POSTed to the server's message endpoint.
//
// The Hub is the server-side counterpart of the streaming variant: it hosts
// one logical server endpoint with any number of simultaneous subscribers.
// Send fans out to every subscriber; a subscriber disconnect removes only
// that subscriber.
//
// # Failure semantics
//
// Transient write failures are retried a bounded number of times. Persistent
// failure closes the session; Done() is closed and every subsequent or
// pending call fails with ErrChannelClosed. The supervisor watches Done() as
// its liveness signal and applies restart policy.
package transport
