package reexport

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitSubscribers(t *testing.T, exp *Exporter, pipelineID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if exp.Subscribers(pipelineID) == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("subscribers=%d want %d", exp.Subscribers(pipelineID), n)
}

func TestWebsocketSubscribe(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 8}, WithLogger(discard))
	srv := NewServer(exp, time.Second, discard)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/subscribe/swaps?key=pool-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitSubscribers(t, exp, "swaps", 1)

	_ = exp.Publish(context.Background(), output(1, "pool-2"))
	_ = exp.Publish(context.Background(), output(2, "pool-1"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"id":"out-2"`) {
		t.Fatalf("unexpected message %s", msg)
	}

	_ = exp.Close(context.Background())
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	srv.Wait()
}

func TestWebsocketClientDisconnectReleasesQueue(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 8}, WithLogger(discard))
	ts := httptest.NewServer(NewServer(exp, time.Second, discard).Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/subscribe/swaps", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribers(t, exp, "swaps", 1)
	conn.Close()
	waitSubscribers(t, exp, "swaps", 0)
}

func TestUnknownPipelineIs404(t *testing.T) {
	exp := New([]string{"swaps"}, Config{}, WithLogger(discard))
	ts := httptest.NewServer(NewServer(exp, time.Second, discard).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestServerSentEvents(t *testing.T) {
	exp := New([]string{"swaps"}, Config{Capacity: 8}, WithLogger(discard))
	srv := NewServer(exp, 20*time.Millisecond, discard)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events/swaps")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	waitSubscribers(t, exp, "swaps", 1)
	_ = exp.Publish(context.Background(), output(7, "pool-1"))

	reader := bufio.NewReader(resp.Body)
	var sawKeepalive, sawData bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !(sawData && sawKeepalive) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "data: ") && strings.Contains(line, `"id":"out-7"`):
			sawData = true
		case strings.HasPrefix(line, ": keepalive"):
			sawKeepalive = true
		}
	}
	if !sawData || !sawKeepalive {
		t.Fatalf("data=%v keepalive=%v", sawData, sawKeepalive)
	}
	_ = exp.Close(context.Background())
}
