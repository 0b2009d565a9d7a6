// ABOUTME: Tests for the multi-subscriber broadcast hub
// ABOUTME: Covers fan-out, subscriber isolation, POST ingestion, and shutdown

package transport

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/mcp-composer/internal/protocol"
)

func clientGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	return http.DefaultClient.Do(req)
}

func clientPost(ctx context.Context, url, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

// openStream subscribes to the hub over a real HTTP connection and returns
// a line channel for received SSE data events.
func openStream(t *testing.T, url string) (<-chan string, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string, 16)

	resp, err := clientGet(ctx, url)
	if err != nil {
		cancel()
		t.Fatalf("opening stream: %v", err)
	}

	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
			}
		}
		close(lines)
	}()

	return lines, cancel
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub("stream", nil)
	defer h.Close()

	srv := httptest.NewServer(h)
	defer srv.Close()

	first, cancelFirst := openStream(t, srv.URL)
	defer cancelFirst()
	second, cancelSecond := openStream(t, srv.URL)
	defer cancelSecond()

	waitSubscribers(t, h, 2)

	msg, _ := protocol.NewRequest("notify", map[string]string{"event": "hello"})
	if err := h.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	for name, ch := range map[string]<-chan string{"first": first, "second": second} {
		select {
		case data := <-ch:
			decoded, err := protocol.Decode([]byte(data))
			if err != nil {
				t.Fatalf("%s: decoding event: %v", name, err)
			}
			if decoded.Method != "notify" {
				t.Errorf("%s: method = %q", name, decoded.Method)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscriber did not receive event", name)
		}
	}
}

func TestHub_UnsubscribeLeavesOthers(t *testing.T) {
	h := NewHub("stream", nil)
	defer h.Close()

	srv := httptest.NewServer(h)
	defer srv.Close()

	first, cancelFirst := openStream(t, srv.URL)
	second, cancelSecond := openStream(t, srv.URL)
	defer cancelSecond()

	waitSubscribers(t, h, 2)
	cancelFirst()
	for range first {
	}
	waitSubscribers(t, h, 1)

	// The survivor still receives events.
	msg, _ := protocol.NewRequest("notify", nil)
	if err := h.Send(msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case <-second:
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber did not receive event")
	}
}

func TestHub_PostFeedsReceive(t *testing.T) {
	h := NewHub("stream", nil)
	defer h.Close()

	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `{"jsonrpc":"2.0","id":"42","result":{"ok":true}}`
	resp, err := clientPost(context.Background(), srv.URL, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 202 {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	msg, err := h.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.ID != "42" {
		t.Errorf("id = %q, want 42", msg.ID)
	}
}

func TestHub_PostMalformed(t *testing.T) {
	h := NewHub("stream", nil)
	defer h.Close()

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := clientPost(context.Background(), srv.URL, "not json")
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHub_CloseDisconnectsAll(t *testing.T) {
	h := NewHub("stream", nil)

	srv := httptest.NewServer(h)
	defer srv.Close()

	stream, cancelStream := openStream(t, srv.URL)
	defer cancelStream()
	waitSubscribers(t, h, 1)

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Stream ends.
	select {
	case _, ok := <-stream:
		if ok {
			// Drain until closed.
			for range stream {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end on close")
	}

	// Further operations fail.
	msg, _ := protocol.NewRequest("notify", nil)
	if err := h.Send(msg); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Send error = %v, want ErrChannelClosed", err)
	}
	if _, err := h.Receive(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Receive error = %v, want ErrChannelClosed", err)
	}

	// New subscriptions are refused.
	resp, err := clientGet(context.Background(), srv.URL)
	if err == nil {
		if resp.StatusCode != 503 {
			t.Errorf("subscribe status = %d, want 503", resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func waitSubscribers(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SubscriberCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count never reached %d", want)
}
