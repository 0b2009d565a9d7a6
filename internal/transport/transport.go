// ABOUTME: Session contract shared by the stdio and streaming transports.
// ABOUTME: Defines sentinel errors and the per-session liveness signal.

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/2389/mcp-composer/internal/protocol"
)

// ErrChannelClosed indicates the session has been torn down. Pending and
// subsequent Send/Receive calls fail with this error.
var ErrChannelClosed = errors.New("transport: channel closed")

// ErrConnectFailed indicates a session could not be established.
var ErrConnectFailed = errors.New("transport: connect failed")

// ErrAlreadyConnected indicates Connect was called on a live session.
var ErrAlreadyConnected = errors.New("transport: already connected")

// Kind identifies the channel variant behind a session.
type Kind string

const (
	KindStdio     Kind = "stdio"
	KindStreaming Kind = "streaming"
)

const (
	// writeRetries bounds retry attempts for transient write failures
	// before the session is closed as dead.
	writeRetries = 3

	// writeRetryDelay is the pause between write retry attempts.
	writeRetryDelay = 50 * time.Millisecond
)

// Session is an open bidirectional channel to one logical server.
//
// Receive yields the next inbound message in FIFO order, suspending the
// caller until a message arrives, the context is done, or the channel
// closes. The inbound sequence is finite per connection and is not
// restartable across reconnects.
type Session interface {
	// Kind reports the channel variant.
	Kind() Kind

	// Send enqueues one framed message. Returns ErrChannelClosed if the
	// session has been torn down.
	Send(msg *protocol.Message) error

	// Receive returns the next inbound message. Returns ErrChannelClosed
	// once the channel is closed and drained, or ctx.Err() on cancellation.
	Receive(ctx context.Context) (*protocol.Message, error)

	// Close tears down the session and releases all underlying resources.
	// Safe to call multiple times.
	Close() error

	// Done is closed when the session is torn down, whether by Close or by
	// channel failure. Used by the supervisor as a liveness signal.
	Done() <-chan struct{}
}
