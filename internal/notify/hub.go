// Package notify fans session lifecycle events out to live websocket
// subscribers. Each subscriber gets a dedicated writer goroutine and a
// bounded send queue; a slow consumer is dropped rather than blocking
// the publisher.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coderelay/relay/internal/observability"
)

// Envelope is the wire format pushed to subscribers.
type Envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Options tunes the hub.
type Options struct {
	// HeartbeatInterval is the ping cadence. A connection that missed
	// a pong by the next tick is reaped.
	HeartbeatInterval time.Duration
	// SendQueueSize bounds the per-subscriber send queue.
	SendQueueSize int
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
}

// DefaultOptions returns the hub defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		SendQueueSize:     32,
		WriteTimeout:      10 * time.Second,
	}
}

type subscriber struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	closeOne sync.Once

	mu       sync.Mutex
	lastPong time.Time
}

// Hub owns the subscriber set.
type Hub struct {
	opts    Options
	logger  *observability.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	subs map[string]*subscriber

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewHub creates the hub and starts its heartbeat loop.
func NewHub(opts Options, logger *observability.Logger, metrics *observability.Metrics) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultOptions().HeartbeatInterval
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultOptions().SendQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		subs:    map[string]*subscriber{},
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	h.wg.Add(1)
	go h.heartbeat()
	return h
}

// Close drops all subscribers and stops the heartbeat loop.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for _, sub := range h.subs {
		h.dropLocked(sub, "shutdown")
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// Subscribe registers a connection and starts its writer and reader
// pumps. The hub owns the connection from this point on.
func (h *Hub) Subscribe(conn *websocket.Conn) string {
	sub := &subscriber{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, h.opts.SendQueueSize),
		done:     make(chan struct{}),
		lastPong: h.now(),
	}
	conn.SetPongHandler(func(string) error {
		sub.mu.Lock()
		sub.lastPong = h.now()
		sub.mu.Unlock()
		return nil
	})

	h.mu.Lock()
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()
	h.updateGauge(count)

	h.wg.Add(2)
	go h.writePump(sub)
	go h.readPump(sub)

	h.logger.Info(h.ctx, "subscriber connected", "subscriber_id", sub.id, "subscribers", count)
	return sub.id
}

// Publish serializes the event once and enqueues it to every live
// subscriber. Subscribers whose queue is full are dropped.
func (h *Hub) Publish(eventType string, payload any) {
	raw, err := json.Marshal(Envelope{
		Type:      eventType,
		Payload:   payload,
		Timestamp: h.now().UTC(),
	})
	if err != nil {
		h.logger.Error(h.ctx, "event serialization failed", "event_type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.send <- raw:
		default:
			h.dropLocked(sub, "send queue full")
		}
	}
}

// Count reports the live subscriber count.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// writePump is the single writer for one connection.
func (h *Hub) writePump(sub *subscriber) {
	defer h.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-sub.send:
			if !ok {
				return
			}
			_ = sub.conn.SetWriteDeadline(h.now().Add(h.opts.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.drop(sub, "write failed")
				return
			}
		}
	}
}

// readPump consumes inbound frames so pongs and close frames are
// processed; payloads are ignored.
func (h *Hub) readPump(sub *subscriber) {
	defer h.wg.Done()
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			h.drop(sub, "connection closed")
			return
		}
	}
}

// heartbeat pings every subscriber each interval and reaps those that
// missed the previous pong window.
func (h *Hub) heartbeat() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := h.now().Add(-2 * h.opts.HeartbeatInterval)
		h.mu.Lock()
		for _, sub := range h.subs {
			sub.mu.Lock()
			stale := sub.lastPong.Before(cutoff)
			sub.mu.Unlock()
			if stale {
				h.dropLocked(sub, "heartbeat timeout")
				continue
			}
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, h.now().Add(h.opts.WriteTimeout)); err != nil {
				h.dropLocked(sub, "ping failed")
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) drop(sub *subscriber, reason string) {
	h.mu.Lock()
	h.dropLocked(sub, reason)
	h.mu.Unlock()
}

// dropLocked removes and closes one subscriber. Callers hold h.mu.
func (h *Hub) dropLocked(sub *subscriber, reason string) {
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		h.updateGauge(len(h.subs))
		h.logger.Info(h.ctx, "subscriber dropped", "subscriber_id", sub.id, "reason", reason)
	}
	sub.closeOne.Do(func() {
		close(sub.done)
		_ = sub.conn.Close()
	})
}

func (h *Hub) updateGauge(count int) {
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(count))
	}
}
