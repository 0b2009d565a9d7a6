// Package composer ties the pieces together: it listens for supervisor
// session events, runs the MCP discovery handshake against each server that
// comes up, folds the discovered tools, prompts, and resources into the
// shared registry, and routes invocations back to the owning server over its
// session with per-call timeouts and authorization checks.
//
// When a server's session closes, whether by stop or by crash, every
// in-flight call against it fails with ErrCancelled and its capabilities are
// withdrawn from the namespace atomically.
package composer
