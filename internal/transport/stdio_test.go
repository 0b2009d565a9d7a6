// ABOUTME: Tests for the subprocess-pipe session
// ABOUTME: Covers framing, ordering, buffered drain after exit, and write failure teardown

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/2389/mcp-composer/internal/protocol"
)

// failingWriter errors on every write.
type failingWriter struct{ closed bool }

func (f *failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
func (f *failingWriter) Close() error              { f.closed = true; return nil }

// pipeWriter captures frames written to stdin.
type captureWriter struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	c.frames = append(c.frames, buf)
	return len(p), nil
}

func (c *captureWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestStdioSession_SendFrames(t *testing.T) {
	stdin := &captureWriter{}
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	s := NewStdioSession("fs", stdin, stdoutR, nil)
	defer s.Close()

	req, err := protocol.NewRequest("tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	stdin.mu.Lock()
	defer stdin.mu.Unlock()
	if len(stdin.frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(stdin.frames))
	}
	frame := stdin.frames[0]
	if frame[len(frame)-1] != '\n' {
		t.Error("frame should be newline-terminated")
	}
	decoded, err := protocol.Decode(frame[:len(frame)-1])
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	if decoded.Method != "tools/list" {
		t.Errorf("method = %q", decoded.Method)
	}
}

func TestStdioSession_ReceiveInOrder(t *testing.T) {
	stdin := &captureWriter{}
	stdoutR, stdoutW := io.Pipe()

	s := NewStdioSession("fs", stdin, stdoutR, nil)
	defer s.Close()

	go func() {
		for i := 0; i < 3; i++ {
			fmt.Fprintf(stdoutW, `{"jsonrpc":"2.0","id":"%d","result":{}}`+"\n", i)
		}
		stdoutW.Close()
	}()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		msg, err := s.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d failed: %v", i, err)
		}
		if msg.ID != fmt.Sprint(i) {
			t.Errorf("message %d id = %q", i, msg.ID)
		}
	}
}

func TestStdioSession_BufferedDrainAfterExit(t *testing.T) {
	stdin := &captureWriter{}
	stdoutR, stdoutW := io.Pipe()

	s := NewStdioSession("fs", stdin, stdoutR, nil)

	go func() {
		fmt.Fprintln(stdoutW, `{"jsonrpc":"2.0","id":"a","result":{}}`)
		stdoutW.Close() // process exit
	}()

	// Wait for teardown.
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not tear down on EOF")
	}

	// The buffered message is still delivered, then ErrChannelClosed.
	msg, err := s.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.ID != "a" {
		t.Errorf("id = %q", msg.ID)
	}
	if _, err := s.Receive(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
}

func TestStdioSession_PendingReceiveFailsOnExit(t *testing.T) {
	stdin := &captureWriter{}
	stdoutR, stdoutW := io.Pipe()

	s := NewStdioSession("fs", stdin, stdoutR, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	stdoutW.Close() // abrupt exit with nothing buffered

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("error = %v, want ErrChannelClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Receive did not resolve")
	}
}

func TestStdioSession_MalformedFramesSkipped(t *testing.T) {
	stdin := &captureWriter{}
	stdoutR, stdoutW := io.Pipe()

	s := NewStdioSession("fs", stdin, stdoutR, nil)
	defer s.Close()

	go func() {
		fmt.Fprintln(stdoutW, `this is not json`)
		fmt.Fprintln(stdoutW, `{"jsonrpc":"2.0","id":"good","result":{}}`)
		stdoutW.Close()
	}()

	msg, err := s.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.ID != "good" {
		t.Errorf("id = %q, want good", msg.ID)
	}
}

func TestStdioSession_SendAfterClose(t *testing.T) {
	stdin := &captureWriter{}
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	s := NewStdioSession("fs", stdin, stdoutR, nil)
	s.Close()

	req, _ := protocol.NewRequest("ping", nil)
	if err := s.Send(req); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}
	if !stdin.closed {
		t.Error("stdin should be closed on teardown")
	}
}

func TestStdioSession_WriteFailureClosesSession(t *testing.T) {
	stdin := &failingWriter{}
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	s := NewStdioSession("fs", stdin, stdoutR, nil)

	req, _ := protocol.NewRequest("ping", nil)
	if err := s.Send(req); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("error = %v, want ErrChannelClosed", err)
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Error("session should tear down after exhausting retries")
	}
}

func TestStdioSession_ReceiveContextCancel(t *testing.T) {
	stdin := &captureWriter{}
	stdoutR, stdoutW := io.Pipe()
	defer stdoutW.Close()

	s := NewStdioSession("fs", stdin, stdoutR, nil)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}
