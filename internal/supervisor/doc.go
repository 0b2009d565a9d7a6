// Package supervisor owns the lifecycle of composed servers.
//
// # State machine
//
// Every managed server moves through:
//
//	Stopped -> Starting -> Running -> Stopping -> Stopped
//
// with Running -> Crashed on unexpected exit, and Crashed -> Starting
// (restart) or Crashed -> Failed (terminal) once the retry budget is
// exhausted. Stopped (explicit) and Failed (retry exhaustion) are the only
// terminal states.
//
// # Restart policy
//
// Each descriptor carries a policy in {never, on-failure, always} with a
// bounded retry budget and a backoff delay that doubles per consecutive
// crash. Exceeding the budget transitions the server permanently to Failed;
// it is reported to the caller and never retried again.
//
// # Transports
//
// Subprocess-backed servers are spawned with stdin/stdout pipes and get a
// transport.StdioSession; streaming-backed servers get a transport.SSESession
// connected to their endpoint. Session teardown is the liveness signal: the
// supervisor watches it to detect crashes and apply restart policy.
//
// # Concurrency
//
// Lifecycle operations on the same server id are serialized by a per-server
// mutex; operations on different servers proceed independently.
package supervisor
