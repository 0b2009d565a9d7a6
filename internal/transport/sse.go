// ABOUTME: Client session for streaming-backed servers over Server-Sent Events.
// ABOUTME: Inbound frames arrive on a GET event stream; outbound frames are POSTed.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/mcp-composer/internal/protocol"
)

// SSESession connects the composer to a remote streaming server. The server
// pushes JSON-RPC envelopes as SSE data events; the session POSTs outbound
// envelopes to the companion message endpoint.
type SSESession struct {
	serverID   string
	eventsURL  string
	messageURL string
	client     *http.Client
	logger     *slog.Logger

	inbound chan *protocol.Message
	done    chan struct{}
	cancel  context.CancelFunc

	connectMu sync.Mutex
	connected bool
	closeOnce sync.Once
}

// NewSSESession creates an unconnected session for the given endpoints.
// messageURL may be empty, in which case eventsURL + "/message" is used.
func NewSSESession(serverID, eventsURL, messageURL string, logger *slog.Logger) *SSESession {
	if logger == nil {
		logger = slog.Default()
	}
	if messageURL == "" {
		messageURL = eventsURL + "/message"
	}
	return &SSESession{
		serverID:   serverID,
		eventsURL:  eventsURL,
		messageURL: messageURL,
		client:     &http.Client{},
		logger:     logger.With("component", "transport", "server_id", serverID),
		inbound:    make(chan *protocol.Message, inboundBufferSize),
		done:       make(chan struct{}),
	}
}

// Kind reports KindStreaming.
func (s *SSESession) Kind() Kind { return KindStreaming }

// Connect opens the event stream. The returned error wraps ErrConnectFailed
// when the endpoint is unreachable or rejects the subscription.
func (s *SSESession) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	if s.connected {
		return ErrAlreadyConnected
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.eventsURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("%w: unexpected status %d", ErrConnectFailed, resp.StatusCode)
	}

	s.cancel = cancel
	s.connected = true
	go s.readLoop(resp.Body)

	s.logger.Info("sse session connected", "url", s.eventsURL)
	return nil
}

// readLoop parses SSE data events into inbound messages until the stream
// ends, then tears the session down.
func (s *SSESession) readLoop(body io.ReadCloser) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var data []byte
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			// Event boundary: dispatch accumulated payload.
			if len(data) > 0 {
				s.dispatch(data)
				data = nil
			}
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimPrefix(line, []byte("data:"))
			payload = bytes.TrimPrefix(payload, []byte(" "))
			data = append(data, payload...)
		default:
			// Comment or field we don't use (event:, id:, retry:).
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug("event stream ended", "error", err)
	}
	s.teardown()
	close(s.inbound)
}

func (s *SSESession) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("discarding malformed event", "error", err)
		return
	}
	select {
	case s.inbound <- msg:
	case <-s.done:
	}
}

// Send POSTs one envelope to the message endpoint. Transient failures are
// retried a bounded number of times; persistent failure closes the session
// and returns ErrChannelClosed.
func (s *SSESession) Send(msg *protocol.Message) error {
	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		lastErr = s.post(data)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("post failed, retrying",
			"attempt", attempt+1,
			"error", lastErr,
		)
		time.Sleep(writeRetryDelay)
	}

	s.logger.Error("post failed permanently, closing session", "error", lastErr)
	s.Close()
	return ErrChannelClosed
}

func (s *SSESession) post(data []byte) error {
	resp, err := s.client.Post(s.messageURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Receive returns the next inbound message in arrival order.
func (s *SSESession) Receive(ctx context.Context) (*protocol.Message, error) {
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

// Close tears down the session and the underlying event stream.
func (s *SSESession) Close() error {
	s.teardown()
	return nil
}

// Done is closed when the session is torn down.
func (s *SSESession) Done() <-chan struct{} { return s.done }

func (s *SSESession) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.connectMu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.connectMu.Unlock()
	})
}
