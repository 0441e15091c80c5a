package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tabterm/internal/panetree"
)

const (
	writeDeadline      = 5 * time.Second
	readDeadline       = 90 * time.Second // three missed pings
	pingInterval       = 30 * time.Second
	maxReadMessageSize = 64 * 1024
	inputTimeout       = 5 * time.Second
)

// EventSnapshot is sent to every client right after it connects.
const EventSnapshot = "workspace:snapshot"

var wsUpgrader = websocket.Upgrader{
	// The server binds to loopback; browsers and webviews send varying origins.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// PaneInput receives keystrokes and size changes from the client.
// *workspace.Registry implements it.
type PaneInput interface {
	WritePane(ctx context.Context, id panetree.NodeID, data []byte) error
	ResizePane(ctx context.Context, id panetree.NodeID, cols, rows int) error
}

// HubOptions configures the WebSocket server.
type HubOptions struct {
	// Addr is the listen address. "127.0.0.1:0" lets the OS pick a port.
	Addr string
	// Snapshot returns the payload of the EventSnapshot greeting. Nil skips it.
	Snapshot func() any
	// Panes handles input and resize messages. Nil rejects them.
	Panes PaneInput
	// Replay returns buffered output sent to a pane's new subscriber before
	// live data. Nil disables replay.
	Replay func(paneID string) []byte
}

// Hub serves one renderer connection at a time. A new connection replaces
// the current one so a reloading renderer reconnects cleanly.
//
// Lock ordering: writeMu -> mu. Any failed write disconnects the client.
type Hub struct {
	opts HubOptions

	mu         sync.RWMutex
	conn       *websocket.Conn
	subscribed map[string]bool

	// writeMu serializes writes; gorilla/websocket allows one writer.
	writeMu sync.Mutex

	server    *http.Server
	url       string
	closeOnce sync.Once
}

// NewHub returns an unstarted Hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Hub{
		opts:       opts,
		subscribed: make(map[string]bool),
	}
}

// Start listens on the configured address. Request handlers see ctx as their
// base context; the server runs until Stop.
func (h *Hub) Start(ctx context.Context) error {
	if h.server != nil {
		return errors.New("wsserver: already started")
	}
	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen: %w", err)
	}
	h.url = fmt.Sprintf("ws://%s/ws", ln.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if serveErr := h.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("[DEBUG-WS] server error", "error", serveErr)
		}
	}()

	slog.Info("[DEBUG-WS] server started", "url", h.url)
	return nil
}

// Stop closes the active connection and shuts the server down. Idempotent;
// a stopped Hub cannot be restarted.
func (h *Hub) Stop() error {
	var stopErr error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		conn := h.conn
		h.conn = nil
		h.subscribed = make(map[string]bool)
		h.mu.Unlock()
		if conn != nil {
			h.closeConn(conn, "stop")
		}

		if h.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("wsserver: shutdown: %w", err)
			}
		}
		slog.Info("[DEBUG-WS] server stopped")
	})
	return stopErr
}

// URL returns the WebSocket URL, or "" before Start.
func (h *Hub) URL() string {
	return h.url
}

// HasActiveConnection reports whether a client is connected.
func (h *Hub) HasActiveConnection() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

func (h *Hub) current() *websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn
}

// clearIfCurrent forgets conn unless it was already replaced.
func (h *Hub) clearIfCurrent(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return false
	}
	h.conn = nil
	h.subscribed = make(map[string]bool)
	return true
}

func (h *Hub) closeConn(conn *websocket.Conn, reason string) {
	if err := conn.Close(); err != nil {
		slog.Debug("[DEBUG-WS] connection close", "reason", reason, "error", err)
	}
}

// write sends one message under writeMu with a deadline. On failure the
// connection is dropped.
func (h *Hub) write(conn *websocket.Conn, messageType int, payload []byte, what string) bool {
	h.writeMu.Lock()
	err := conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err == nil {
		err = conn.WriteMessage(messageType, payload)
		if clearErr := conn.SetWriteDeadline(time.Time{}); clearErr != nil {
			slog.Debug("[DEBUG-WS] clear write deadline failed", "error", clearErr)
		}
	}
	h.writeMu.Unlock()

	if err != nil {
		slog.Warn("[DEBUG-WS] write failed, closing connection", "what", what, "error", err)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "write error: "+what)
		return false
	}
	return true
}

// Emit implements workspace.EventEmitter by forwarding the event as JSON.
// Events are dropped when no client is connected.
func (h *Hub) Emit(name string, payload any) {
	conn := h.current()
	if conn == nil {
		return
	}
	h.sendEvent(conn, name, payload)
}

func (h *Hub) sendEvent(conn *websocket.Conn, name string, payload any) {
	raw, err := json.Marshal(eventMsg{Type: "event", Name: name, Payload: payload})
	if err != nil {
		slog.Warn("[DEBUG-WS] failed to marshal event", "event", name, "error", err)
		return
	}
	h.write(conn, websocket.TextMessage, raw, name)
}

// BroadcastPaneData sends pane output if the client subscribed to paneID.
func (h *Hub) BroadcastPaneData(paneID string, data []byte) {
	if len(data) == 0 {
		return
	}
	h.mu.RLock()
	conn := h.conn
	subscribed := h.subscribed[paneID]
	h.mu.RUnlock()
	if conn == nil || !subscribed {
		return
	}

	frame, err := EncodePaneData(paneID, data)
	if err != nil {
		slog.Warn("[DEBUG-WS] failed to encode pane data", "paneId", paneID, "error", err)
		return
	}
	h.write(conn, websocket.BinaryMessage, frame, "pane data")
}

func (h *Hub) sendError(conn *websocket.Conn, message string) {
	raw, err := json.Marshal(errorMsg{Type: "error", Message: message})
	if err != nil {
		return
	}
	h.write(conn, websocket.TextMessage, raw, "error")
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[DEBUG-WS] upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		h.closeConn(conn, "initial SetReadDeadline failure")
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	h.mu.Lock()
	oldConn := h.conn
	h.conn = conn
	h.subscribed = make(map[string]bool)
	h.mu.Unlock()
	if oldConn != nil {
		h.closeConn(oldConn, "replaced by new connection")
	}
	slog.Info("[DEBUG-WS] client connected", "remoteAddr", conn.RemoteAddr())

	if h.opts.Snapshot != nil {
		h.sendEvent(conn, EventSnapshot, h.opts.Snapshot())
	}

	pingDone := make(chan struct{})
	go h.pingLoop(conn, pingDone)

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsserver handleWS recovered", "panic", rec, "stack", string(debug.Stack()))
		}
		close(pingDone)
		h.clearIfCurrent(conn)
		h.closeConn(conn, "read pump exit")
		slog.Info("[DEBUG-WS] client disconnected")
	}()

	for {
		msgType, raw, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[DEBUG-WS] read error", "error", readErr)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(conn, fmt.Sprintf("invalid JSON: %s", err))
			continue
		}
		h.handleMessage(r.Context(), conn, msg)
	}
}

func (h *Hub) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsserver pingLoop recovered", "panic", rec, "stack", string(debug.Stack()))
			h.clearIfCurrent(conn)
			h.closeConn(conn, "pingLoop panic recovery")
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !h.write(conn, websocket.PingMessage, nil, "ping") {
				return
			}
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, conn *websocket.Conn, msg clientMsg) {
	switch msg.Action {
	case subscribeAction, unsubscribeAction:
		h.handleSubscription(conn, msg)
	case inputAction, resizeAction:
		if err := h.handlePaneInput(ctx, msg); err != nil {
			slog.Debug("[DEBUG-WS] pane input rejected", "action", msg.Action, "paneId", msg.PaneID, "error", err)
			h.sendError(conn, err.Error())
		}
	default:
		h.sendError(conn, fmt.Sprintf("unknown action: %q", msg.Action))
	}
}

func (h *Hub) handleSubscription(conn *websocket.Conn, msg clientMsg) {
	h.mu.Lock()
	// Messages from a replaced connection are stale.
	if h.conn != conn {
		h.mu.Unlock()
		return
	}
	var added []string
	for _, id := range msg.PaneIDs {
		if id == "" {
			continue
		}
		if msg.Action == subscribeAction {
			if !h.subscribed[id] {
				added = append(added, id)
			}
			h.subscribed[id] = true
		} else {
			delete(h.subscribed, id)
		}
	}
	h.mu.Unlock()

	if h.opts.Replay == nil {
		return
	}
	for _, id := range added {
		data := h.opts.Replay(id)
		if len(data) == 0 {
			continue
		}
		frame, err := EncodePaneData(id, data)
		if err != nil {
			slog.Warn("[DEBUG-WS] failed to encode replay", "paneId", id, "error", err)
			continue
		}
		if !h.write(conn, websocket.BinaryMessage, frame, "replay") {
			return
		}
	}
}

func (h *Hub) handlePaneInput(ctx context.Context, msg clientMsg) error {
	if h.opts.Panes == nil {
		return errors.New("pane input is not supported")
	}
	id, err := panetree.ParseNodeID(msg.PaneID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, inputTimeout)
	defer cancel()
	if msg.Action == inputAction {
		return h.opts.Panes.WritePane(ctx, id, []byte(msg.Data))
	}
	if msg.Cols <= 0 || msg.Rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", msg.Cols, msg.Rows)
	}
	return h.opts.Panes.ResizePane(ctx, id, msg.Cols, msg.Rows)
}
