package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coderelay/relay/internal/observability"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
}

// wsPair spins up a hub-backed websocket server and returns a
// connected client.
func wsPair(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error = %v", err)
			return
		}
		h.Subscribe(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func waitForCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for h.Count() != want {
		select {
		case <-deadline:
			t.Fatalf("Count() = %d, want %d", h.Count(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := NewHub(DefaultOptions(), quietLogger(), nil)
	t.Cleanup(h.Close)
	client := wsPair(t, h)
	waitForCount(t, h, 1)

	for i := 0; i < 5; i++ {
		h.Publish("session.transition", map[string]int{"seq": i})
	}

	for i := 0; i < 5; i++ {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() #%d error = %v", i, err)
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal error = %v", err)
		}
		if env.Type != "session.transition" {
			t.Errorf("type = %q", env.Type)
		}
		payload, ok := env.Payload.(map[string]any)
		if !ok || payload["seq"] != float64(i) {
			t.Errorf("event #%d payload = %v, want seq %d", i, env.Payload, i)
		}
		if env.Timestamp.IsZero() {
			t.Error("timestamp missing")
		}
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	h := NewHub(DefaultOptions(), quietLogger(), nil)
	t.Cleanup(h.Close)
	a := wsPair(t, h)
	b := wsPair(t, h)
	waitForCount(t, h, 2)

	h.Publish("ping.test", "hello")

	for name, client := range map[string]*websocket.Conn{"a": a, "b": b} {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("subscriber %s ReadMessage() error = %v", name, err)
		}
		if !strings.Contains(string(raw), "hello") {
			t.Errorf("subscriber %s got %s", name, raw)
		}
	}
}

func TestDisconnectReapsSubscriber(t *testing.T) {
	h := NewHub(DefaultOptions(), quietLogger(), nil)
	t.Cleanup(h.Close)
	client := wsPair(t, h)
	waitForCount(t, h, 1)

	client.Close()
	waitForCount(t, h, 0)
}

func TestHeartbeatReapsUnresponsiveSubscriber(t *testing.T) {
	h := NewHub(Options{
		HeartbeatInterval: 20 * time.Millisecond,
		SendQueueSize:     8,
		WriteTimeout:      100 * time.Millisecond,
	}, quietLogger(), nil)
	t.Cleanup(h.Close)

	// The client never reads, so pings are never answered with pongs.
	wsPair(t, h)
	waitForCount(t, h, 1)
	waitForCount(t, h, 0)
}

func TestSlowConsumerDropped(t *testing.T) {
	h := NewHub(Options{
		HeartbeatInterval: time.Minute,
		SendQueueSize:     1,
		WriteTimeout:      50 * time.Millisecond,
	}, quietLogger(), nil)
	t.Cleanup(h.Close)

	wsPair(t, h)
	waitForCount(t, h, 1)

	// Flood far past the send queue plus socket buffering; the
	// non-reading client must eventually be dropped instead of
	// blocking the publisher.
	payload := strings.Repeat("x", 64<<10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.Publish("flood", fmt.Sprintf("%d-%s", i, payload))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow consumer")
	}
	waitForCount(t, h, 0)
}
