// ABOUTME: Per-server session pump with request/response correlation.
// ABOUTME: One receive loop per live session routes responses to waiting callers.

package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/mcp-composer/internal/protocol"
	"github.com/2389/mcp-composer/internal/transport"
)

// ErrCancelled indicates an in-flight call was cut short because the owning
// server's session closed.
var ErrCancelled = errors.New("composer: call cancelled")

// serverSession wraps a transport session with a correlation table so
// multiple callers can have requests in flight concurrently.
type serverSession struct {
	serverID string
	session  transport.Session
	logger   *slog.Logger

	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan *protocol.Message
	closed  bool
}

func newServerSession(serverID string, session transport.Session, logger *slog.Logger) *serverSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &serverSession{
		serverID: serverID,
		session:  session,
		logger:   logger.With("server", serverID),
		cancel:   cancel,
		pending:  make(map[string]chan *protocol.Message),
	}
	go s.pump(ctx)
	return s
}

// pump reads from the session until it closes, routing responses to their
// pending channels. Server-initiated pings are answered inline; other
// server-initiated traffic is logged and dropped.
func (s *serverSession) pump(ctx context.Context) {
	defer s.failAll(ErrCancelled)

	for {
		msg, err := s.session.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrChannelClosed) && !errors.Is(err, context.Canceled) {
				s.logger.Warn("session receive failed", "error", err)
			}
			return
		}

		switch {
		case msg.IsResponse():
			s.resolve(msg)
		case msg.IsRequest() && msg.Method == protocol.MethodPing:
			resp, err := protocol.NewResponse(msg.ID, struct{}{})
			if err == nil {
				if err := s.session.Send(resp); err != nil {
					s.logger.Warn("failed to answer ping", "error", err)
				}
			}
		default:
			s.logger.Debug("dropping unsolicited message", "method", msg.Method)
		}
	}
}

// resolve delivers a response to the caller waiting on its id.
func (s *serverSession) resolve(msg *protocol.Message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("response for unknown request", "id", msg.ID)
		return
	}
	ch <- msg
}

// request sends a request and blocks until its response arrives, the context
// expires, or the session closes.
func (s *serverSession) request(ctx context.Context, method string, params any) (*protocol.Message, error) {
	req, err := protocol.NewRequest(method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Message, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrCancelled
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()

	if err := s.session.Send(req); err != nil {
		s.drop(req.ID)
		return nil, fmt.Errorf("sending %s to %s: %w", method, s.serverID, err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrCancelled
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s on %s: %w", method, s.serverID, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		s.drop(req.ID)
		return nil, ctx.Err()
	case <-s.session.Done():
		s.drop(req.ID)
		return nil, ErrCancelled
	}
}

// notify sends a notification without waiting for a response.
func (s *serverSession) notify(method string, params any) error {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.session.Send(msg)
}

// drop abandons a pending request.
func (s *serverSession) drop(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// failAll wakes every pending caller with a nil response, which surfaces as
// the given error. Called once when the pump exits.
func (s *serverSession) failAll(err error) {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan *protocol.Message)
	s.mu.Unlock()

	for id, ch := range pending {
		close(ch)
		s.logger.Debug("cancelled in-flight request", "id", id, "reason", err)
	}
}

// close stops the pump. The underlying session is owned by the supervisor
// and is not closed here.
func (s *serverSession) close() {
	s.cancel()
}
