package wsserver

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tabterm/internal/panetree"
)

const testListenAddr = "127.0.0.1:0"

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fn()
}

func waitForConnection(t *testing.T, hub *Hub) {
	t.Helper()
	if !waitForCondition(t, 2*time.Second, hub.HasActiveConnection) {
		t.Fatal("timed out waiting for hub to register connection")
	}
}

func waitForSubscribed(t *testing.T, hub *Hub, paneID string, want bool) {
	t.Helper()
	if !waitForCondition(t, 2*time.Second, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return hub.subscribed[paneID] == want
	}) {
		t.Fatalf("timed out waiting for subscribed[%q] = %v", paneID, want)
	}
}

func startHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	opts.Addr = testListenAddr
	hub := NewHub(opts)
	if err := hub.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := hub.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
	return hub
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(hub.URL(), nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitForConnection(t, hub)
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return msgType, raw
}

func readText(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	msgType, raw := readMessage(t, conn)
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return out
}

func readEventName(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	msg := readText(t, conn)
	name, _ := msg["name"].(string)
	return name
}

type recordedInput struct {
	mu      sync.Mutex
	writes  map[panetree.NodeID]string
	resizes map[panetree.NodeID][2]int
}

func newRecordedInput() *recordedInput {
	return &recordedInput{writes: map[panetree.NodeID]string{}, resizes: map[panetree.NodeID][2]int{}}
}

func (r *recordedInput) WritePane(_ context.Context, id panetree.NodeID, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes[id] += string(data)
	return nil
}

func (r *recordedInput) ResizePane(_ context.Context, id panetree.NodeID, cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes[id] = [2]int{cols, rows}
	return nil
}

func TestStartStop(t *testing.T) {
	hub := NewHub(HubOptions{Addr: testListenAddr})
	if err := hub.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !strings.HasPrefix(hub.URL(), "ws://127.0.0.1:") {
		t.Fatalf("URL() = %q", hub.URL())
	}
	if err := hub.Start(t.Context()); err == nil {
		t.Fatal("second Start() expected error")
	}
	if err := hub.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestNewHubDefaultAddr(t *testing.T) {
	if got := NewHub(HubOptions{}).opts.Addr; got != "127.0.0.1:0" {
		t.Fatalf("Addr = %q", got)
	}
}

func TestStartPortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	hub := NewHub(HubOptions{Addr: ln.Addr().String()})
	if err := hub.Start(t.Context()); err == nil {
		hub.Stop()
		t.Fatal("Start() on a used port expected error")
	}
}

func TestConnectSendsSnapshot(t *testing.T) {
	hub := startHub(t, HubOptions{Snapshot: func() any { return []string{"@1", "@2"} }})
	conn := dialHub(t, hub)

	msg := readText(t, conn)
	if msg["type"] != "event" || msg["name"] != EventSnapshot {
		t.Fatalf("greeting = %v", msg)
	}
	if payload, _ := msg["payload"].([]any); len(payload) != 2 {
		t.Fatalf("payload = %v", msg["payload"])
	}
}

func TestEmitForwardsEvents(t *testing.T) {
	hub := startHub(t, HubOptions{})
	hub.Emit("workspace:tab-created", map[string]any{"id": 1})

	conn := dialHub(t, hub)
	hub.Emit("workspace:tab-switched", map[string]any{"id": 2})
	msg := readText(t, conn)
	if msg["name"] != "workspace:tab-switched" {
		t.Fatalf("event = %v; events emitted before connecting must be dropped", msg)
	}
}

func TestBroadcastRespectsSubscriptions(t *testing.T) {
	hub := startHub(t, HubOptions{})
	conn := dialHub(t, hub)

	// Writes reach the client in call order, so a marker event proves that
	// nothing was sent before it.
	hub.BroadcastPaneData("%1", []byte("before subscribe"))
	hub.Emit("marker-1", nil)
	if got := readEventName(t, conn); got != "marker-1" {
		t.Fatalf("first message = %q, want marker-1", got)
	}

	sendJSON(t, conn, clientMsg{Action: subscribeAction, PaneIDs: []string{"%1", ""}})
	waitForSubscribed(t, hub, "%1", true)
	hub.BroadcastPaneData("%1", []byte("hello"))
	hub.BroadcastPaneData("%1", nil)
	hub.BroadcastPaneData("%2", []byte("other pane"))
	hub.Emit("marker-2", nil)

	msgType, frame := readMessage(t, conn)
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	paneID, data, err := DecodePaneData(frame)
	if err != nil || paneID != "%1" || string(data) != "hello" {
		t.Fatalf("frame = %q %q %v", paneID, data, err)
	}
	if got := readEventName(t, conn); got != "marker-2" {
		t.Fatalf("next message = %q, want marker-2", got)
	}

	sendJSON(t, conn, clientMsg{Action: unsubscribeAction, PaneIDs: []string{"%1"}})
	waitForSubscribed(t, hub, "%1", false)
	hub.BroadcastPaneData("%1", []byte("after"))
	hub.Emit("marker-3", nil)
	if got := readEventName(t, conn); got != "marker-3" {
		t.Fatalf("next message = %q, want marker-3", got)
	}
}

func TestBroadcastWithoutConnection(t *testing.T) {
	hub := startHub(t, HubOptions{})
	hub.BroadcastPaneData("%0", []byte("dropped"))
}

func TestConnectionReplacement(t *testing.T) {
	hub := startHub(t, HubOptions{})
	first := dialHub(t, hub)
	sendJSON(t, first, clientMsg{Action: subscribeAction, PaneIDs: []string{"%1"}})
	waitForSubscribed(t, hub, "%1", true)

	second, _, err := websocket.DefaultDialer.Dial(hub.URL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if err := first.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("replaced connection should be closed")
	}
	waitForSubscribed(t, hub, "%1", false)
	waitForConnection(t, hub)
}

func TestClientDisconnectClearsConnection(t *testing.T) {
	hub := startHub(t, HubOptions{})
	conn := dialHub(t, hub)
	conn.Close()
	if !waitForCondition(t, 2*time.Second, func() bool { return !hub.HasActiveConnection() }) {
		t.Fatal("connection not cleared after client disconnect")
	}
}

func TestInvalidMessages(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{name: "invalid json", raw: "{nope", wantMsg: "invalid JSON"},
		{name: "unknown action", raw: `{"action":"explode"}`, wantMsg: "unknown action"},
		{name: "input without handler", raw: `{"action":"input","paneId":"%1","data":"x"}`, wantMsg: "not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := startHub(t, HubOptions{})
			conn := dialHub(t, hub)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatal(err)
			}
			msg := readText(t, conn)
			if msg["type"] != "error" || !strings.Contains(msg["message"].(string), tt.wantMsg) {
				t.Fatalf("reply = %v", msg)
			}
			if !hub.HasActiveConnection() {
				t.Fatal("invalid messages must not drop the connection")
			}
		})
	}
}

func TestPaneInputIsRouted(t *testing.T) {
	input := newRecordedInput()
	hub := startHub(t, HubOptions{Panes: input})
	conn := dialHub(t, hub)

	sendJSON(t, conn, clientMsg{Action: inputAction, PaneID: "%3", Data: "ls\r"})
	sendJSON(t, conn, clientMsg{Action: resizeAction, PaneID: "%3", Cols: 120, Rows: 40})
	if !waitForCondition(t, 2*time.Second, func() bool {
		input.mu.Lock()
		defer input.mu.Unlock()
		return input.writes[3] == "ls\r" && input.resizes[3] == [2]int{120, 40}
	}) {
		t.Fatalf("writes = %v, resizes = %v", input.writes, input.resizes)
	}
}

func TestPaneInputValidation(t *testing.T) {
	hub := startHub(t, HubOptions{Panes: newRecordedInput()})
	conn := dialHub(t, hub)
	tests := []clientMsg{
		{Action: inputAction, PaneID: "pane-one", Data: "x"},
		{Action: resizeAction, PaneID: "%1", Cols: 0, Rows: 10},
	}
	for _, msg := range tests {
		sendJSON(t, conn, msg)
		if reply := readText(t, conn); reply["type"] != "error" {
			t.Fatalf("reply to %+v = %v, want error", msg, reply)
		}
	}
}

func TestStopClosesClient(t *testing.T) {
	hub := NewHub(HubOptions{Addr: testListenAddr})
	if err := hub.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	conn := dialHub(t, hub)
	if err := hub.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("client should be disconnected after Stop")
	}
	if hub.HasActiveConnection() {
		t.Fatal("HasActiveConnection() = true after Stop")
	}
}

func TestSubscribeReplaysBufferedOutput(t *testing.T) {
	buffered := map[string]string{"%1": "prompt$ ", "%3": "build ok\r\n"}
	hub := startHub(t, HubOptions{Replay: func(paneID string) []byte {
		if s, ok := buffered[paneID]; ok {
			return []byte(s)
		}
		return nil
	}})
	conn := dialHub(t, hub)

	readFrame := func() (string, string) {
		t.Helper()
		msgType, frame := readMessage(t, conn)
		if msgType != websocket.BinaryMessage {
			t.Fatalf("message type = %d, want binary", msgType)
		}
		paneID, data, err := DecodePaneData(frame)
		if err != nil {
			t.Fatalf("DecodePaneData() error = %v", err)
		}
		return paneID, string(data)
	}

	sendJSON(t, conn, clientMsg{Action: subscribeAction, PaneIDs: []string{"%1"}})
	if id, data := readFrame(); id != "%1" || data != "prompt$ " {
		t.Fatalf("replay = %q %q", id, data)
	}

	// %1 is already subscribed and %2 has nothing buffered, so the next frame
	// must be the replay for %3.
	sendJSON(t, conn, clientMsg{Action: subscribeAction, PaneIDs: []string{"%1", "%2"}})
	sendJSON(t, conn, clientMsg{Action: subscribeAction, PaneIDs: []string{"%3"}})
	if id, data := readFrame(); id != "%3" || data != "build ok\r\n" {
		t.Fatalf("replay = %q %q", id, data)
	}
}
