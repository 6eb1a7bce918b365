package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/metrics"
)

const (
	// flushInterval is the per-connection batch flush period.
	flushInterval = 50 * time.Millisecond
	// batchMaxSize forces an immediate flush when a batch fills up.
	batchMaxSize = 20
	// maxQueuedEvents caps a connection's buffer; overflow evicts the
	// oldest non-critical event.
	maxQueuedEvents = 1000
	// maxBufferBytes marks a connection as congested once this many bytes
	// are queued but not yet written.
	maxBufferBytes = 1 << 20

	wsWriteTimeout = 10 * time.Second
)

// isCritical reports whether an event must survive backpressure dropping.
func isCritical(eventType string) bool {
	switch eventType {
	case events.EventResponseOK, events.EventResponseError,
		events.EventKernelReady, events.EventProcessList:
		return true
	}
	return false
}

// CommandFunc executes one client command and returns the reply event type
// and payload.
type CommandFunc func(ctx context.Context, cmd Command) (string, any, error)

// Command is one client-sent WebSocket command.
type Command struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// Hub fans bus events out to WebSocket clients with per-connection
// batching and backpressure.
type Hub struct {
	bus      *events.Bus
	dispatch CommandFunc
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

// NewHub creates a hub. Run must be started for events to flow.
func NewHub(bus *events.Bus, dispatch CommandFunc, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:      bus,
		dispatch: dispatch,
		metrics:  m,
		conns:    make(map[string]*wsConn),
		logger:   logger.With("component", "ws"),
	}
}

// Run consumes the bus and feeds every connection until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe("*", events.DefaultBuffer)
	defer h.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			h.mu.Lock()
			for _, conn := range h.conns {
				conn.enqueue(ev)
			}
			h.mu.Unlock()
		}
	}
}

// ConnectionCount returns the number of open client connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close tears down every client connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// HandleConnection owns one upgraded WebSocket until it closes.
func (h *Hub) HandleConnection(ctx context.Context, sock *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sock.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	conn := newWSConn(sock, h.logger)
	h.conns[conn.id] = conn
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.WSConnections.Dec()
		}
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go conn.writeLoop(connCtx)

	conn.enqueue(events.Event{
		ID:   uuid.New().String(),
		Type: events.EventKernelReady,
		Time: time.Now().UTC(),
		Data: map[string]any{"connection_id": conn.id},
	})

	// Read loop. Processes client commands until the socket closes.
	for {
		_, data, err := sock.Read(connCtx)
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			conn.reply(events.EventResponseError, "", map[string]any{"message": "invalid command"})
			continue
		}
		h.runCommand(connCtx, conn, cmd)
	}
}

func (h *Hub) runCommand(ctx context.Context, conn *wsConn, cmd Command) {
	if h.dispatch == nil {
		conn.reply(events.EventResponseError, cmd.ID, map[string]any{"message": "commands not available"})
		return
	}
	replyType, data, err := h.dispatch(ctx, cmd)
	if err != nil {
		conn.reply(events.EventResponseError, cmd.ID, map[string]any{"message": err.Error()})
		return
	}
	conn.reply(replyType, cmd.ID, map[string]any{"data": data})
}

// wsConn is one client connection with its batching buffer.
type wsConn struct {
	id     string
	sock   *websocket.Conn
	logger *slog.Logger

	mu       sync.Mutex
	buffer   []events.Event
	buffered int64 // bytes queued but not yet written
	kick     chan struct{}
	closed   bool
}

func newWSConn(sock *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		id:     uuid.New().String(),
		sock:   sock,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// eventSize approximates an event's wire size for congestion accounting.
func eventSize(ev events.Event) int64 {
	data, err := json.Marshal(ev)
	if err != nil {
		return 256
	}
	return int64(len(data))
}

// enqueue buffers an event for the next flush. A full batch flushes
// immediately; a congested connection drops non-critical events.
func (c *wsConn) enqueue(ev events.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	critical := isCritical(ev.Type)
	if c.buffered > maxBufferBytes && !critical {
		c.mu.Unlock()
		return
	}
	c.buffer = append(c.buffer, ev)
	c.buffered += eventSize(ev)
	if len(c.buffer) > maxQueuedEvents {
		c.evictLocked()
	}
	full := len(c.buffer) >= batchMaxSize
	c.mu.Unlock()

	if full {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// evictLocked removes the oldest non-critical event, or the oldest event
// outright when everything buffered is critical.
func (c *wsConn) evictLocked() {
	for i, ev := range c.buffer {
		if !isCritical(ev.Type) {
			c.buffered -= eventSize(ev)
			c.buffer = append(c.buffer[:i], c.buffer[i+1:]...)
			return
		}
	}
	c.buffered -= eventSize(c.buffer[0])
	c.buffer = c.buffer[1:]
}

// reply sends a command response. Responses are critical events.
func (c *wsConn) reply(eventType, correlationID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = correlationID
	c.enqueue(events.Event{
		ID:   uuid.New().String(),
		Type: eventType,
		Time: time.Now().UTC(),
		Data: data,
	})
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// writeLoop flushes the batch buffer every flushInterval, or sooner when
// kicked by a full batch or a command reply.
func (c *wsConn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if err := c.flush(ctx); err != nil {
			c.close(websocket.StatusAbnormalClosure, "write failed")
			return
		}
	}
}

// flush writes the pending batch. Under congestion the batch is reduced to
// critical events only.
func (c *wsConn) flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.buffer
	c.buffer = nil
	congested := c.buffered > maxBufferBytes
	if congested {
		kept := batch[:0]
		for _, ev := range batch {
			if isCritical(ev.Type) {
				kept = append(kept, ev)
			}
		}
		batch = kept
	}
	c.buffered = 0
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var payload any = batch
	if len(batch) == 1 {
		payload = batch[0]
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) close(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.buffer = nil
	c.mu.Unlock()
	_ = c.sock.Close(code, reason)
}
