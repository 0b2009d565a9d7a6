// ABOUTME: Subprocess-pipe session framing JSON-RPC over stdin/stdout.
// ABOUTME: Independent read and write paths; process exit fails pending reads.

package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/mcp-composer/internal/protocol"
)

const (
	// inboundBufferSize is the channel buffer between the reader goroutine
	// and Receive callers.
	inboundBufferSize = 64

	// maxFrameSize bounds a single newline-delimited message.
	maxFrameSize = 4 * 1024 * 1024
)

// StdioSession frames newline-delimited JSON-RPC messages over the pipes of
// a child process. The caller (the process supervisor) owns the process and
// hands the session its stdin and stdout; the session owns the pipes from
// then on and closes them on teardown.
type StdioSession struct {
	serverID string
	stdin    io.WriteCloser
	logger   *slog.Logger

	inbound chan *protocol.Message
	done    chan struct{}

	writeMu   sync.Mutex // serializes frame writes
	closeOnce sync.Once
}

// NewStdioSession creates a session over the given pipes and starts the
// reader loop. stdout reaching EOF (process exit) tears the session down.
func NewStdioSession(serverID string, stdin io.WriteCloser, stdout io.Reader, logger *slog.Logger) *StdioSession {
	if logger == nil {
		logger = slog.Default()
	}
	s := &StdioSession{
		serverID: serverID,
		stdin:    stdin,
		logger:   logger.With("component", "transport", "server_id", serverID),
		inbound:  make(chan *protocol.Message, inboundBufferSize),
		done:     make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s
}

// Kind reports KindStdio.
func (s *StdioSession) Kind() Kind { return KindStdio }

// readLoop decodes frames from stdout until EOF or a read error, then tears
// the session down so pending Receive calls resolve with ErrChannelClosed.
func (s *StdioSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			s.logger.Warn("discarding malformed frame", "error", err)
			continue
		}
		select {
		case s.inbound <- msg:
		case <-s.done:
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("read loop ended", "error", err)
	}
	s.teardown()
	// Only the reader closes inbound, so Receive never races a send on a
	// closed channel.
	close(s.inbound)
}

// Send writes one framed message to the child's stdin. Transient write
// failures are retried a bounded number of times; persistent failure closes
// the session and returns ErrChannelClosed.
func (s *StdioSession) Send(msg *protocol.Message) error {
	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if _, lastErr = s.stdin.Write(data); lastErr == nil {
			return nil
		}
		s.logger.Warn("write failed, retrying",
			"attempt", attempt+1,
			"error", lastErr,
		)
		time.Sleep(writeRetryDelay)
	}

	s.logger.Error("write failed permanently, closing session", "error", lastErr)
	s.teardown()
	return ErrChannelClosed
}

// Receive returns the next inbound message in arrival order. Messages
// buffered before teardown are still delivered; once drained, Receive
// returns ErrChannelClosed.
func (s *StdioSession) Receive(ctx context.Context) (*protocol.Message, error) {
	// Drain buffered messages ahead of the teardown signal.
	select {
	case msg, ok := <-s.inbound:
		if !ok {
			return nil, ErrChannelClosed
		}
		return msg, nil
	default:
	}

	select {
	case msg, ok := <-s.inbound:
		if !ok {
			return nil, ErrChannelClosed
		}
		return msg, nil
	case <-s.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the session. Safe to call multiple times.
func (s *StdioSession) Close() error {
	s.teardown()
	return nil
}

// Done is closed when the session is torn down.
func (s *StdioSession) Done() <-chan struct{} { return s.done }

func (s *StdioSession) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.stdin.Close(); err != nil {
			s.logger.Debug("closing stdin", "error", err)
		}
	})
}
