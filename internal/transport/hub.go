// ABOUTME: Multi-subscriber broadcast session for one logical streaming server.
// ABOUTME: Send fans out to every SSE subscriber; POSTs feed the inbound queue.

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/mcp-composer/internal/protocol"
)

// subscriberBufferSize is the per-subscriber event buffer. Slow subscribers
// that fall this far behind have events dropped rather than stalling the
// fan-out.
const subscriberBufferSize = 64

// Hub is the server side of the streaming variant: one logical server
// endpoint with any number of simultaneous subscriber connections. It
// implements both Session (for the composer) and http.Handler (for the
// serving layer): GET requests open an event stream, POST requests deliver
// inbound envelopes.
type Hub struct {
	serverID string
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan []byte

	inbound   chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a broadcast session for the given logical server id.
func NewHub(serverID string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		serverID:    serverID,
		logger:      logger.With("component", "hub", "server_id", serverID),
		subscribers: make(map[string]chan []byte),
		inbound:     make(chan *protocol.Message, inboundBufferSize),
		done:        make(chan struct{}),
	}
}

// Kind reports KindStreaming.
func (h *Hub) Kind() Kind { return KindStreaming }

// SubscriberCount reports the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// subscribe registers a new subscriber channel and returns its id.
func (h *Hub) subscribe() (string, chan []byte, error) {
	select {
	case <-h.done:
		return "", nil, ErrChannelClosed
	default:
	}

	id := uuid.New().String()
	ch := make(chan []byte, subscriberBufferSize)

	h.mu.Lock()
	h.subscribers[id] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "sub_id", id)
	return id, ch, nil
}

// unsubscribe removes a subscriber without affecting others.
func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
	h.mu.Unlock()
	h.logger.Debug("subscriber removed", "sub_id", id)
}

// Send fans one framed envelope out to every connected subscriber.
// Non-blocking per subscriber: events are dropped for subscribers whose
// buffers are full.
func (h *Hub) Send(msg *protocol.Message) error {
	select {
	case <-h.done:
		return ErrChannelClosed
	default:
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	// Fan out under the read lock; sends are non-blocking, and holding the
	// lock keeps unsubscribe from closing a channel mid-send.
	h.mu.RLock()
	for _, ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			h.logger.Debug("dropped event for slow subscriber")
		}
	}
	h.mu.RUnlock()
	return nil
}

// Receive returns the next envelope POSTed by any subscriber.
func (h *Hub) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg, ok := <-h.inbound:
		if !ok {
			return nil, ErrChannelClosed
		}
		return msg, nil
	default:
	}

	select {
	case msg, ok := <-h.inbound:
		if !ok {
			return nil, ErrChannelClosed
		}
		return msg, nil
	case <-h.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the hub and disconnects every subscriber.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, ch := range h.subscribers {
			delete(h.subscribers, id)
			close(ch)
		}
		h.mu.Unlock()
	})
	return nil
}

// Done is closed when the hub is torn down.
func (h *Hub) Done() <-chan struct{} { return h.done }

// ServeHTTP implements the wire surface: GET opens an event stream that
// receives every Send until the client disconnects or the hub closes; POST
// accepts one JSON-RPC envelope for Receive.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveStream(w, r)
	case http.MethodPost:
		h.serveMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch, err := h.subscribe()
	if err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) serveMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	select {
	case h.inbound <- msg:
		w.WriteHeader(http.StatusAccepted)
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
	case <-r.Context().Done():
	}
}
