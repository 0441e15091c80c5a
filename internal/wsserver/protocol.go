// Package wsserver streams workspace events and pane output to a single
// renderer over a WebSocket, and accepts pane input from it.
//
// Text frames carry JSON. Server to client: {"type":"event","name":...,
// "payload":...} for workspace changes and {"type":"error","message":...}.
// Client to server: {"action":"subscribe"|"unsubscribe","paneIds":[...]},
// {"action":"input","paneId":"%1","data":"ls\r"} and
// {"action":"resize","paneId":"%1","cols":80,"rows":24}.
//
// Binary frames carry pane output: [1 byte: len(paneID)][paneID][data].
package wsserver

import (
	"errors"
	"fmt"
)

const maxPaneIDLen = 255

const (
	subscribeAction   = "subscribe"
	unsubscribeAction = "unsubscribe"
	inputAction       = "input"
	resizeAction      = "resize"
)

// clientMsg is any JSON message a client may send.
type clientMsg struct {
	Action  string   `json:"action"`
	PaneIDs []string `json:"paneIds,omitempty"`
	PaneID  string   `json:"paneId,omitempty"`
	Data    string   `json:"data,omitempty"`
	Cols    int      `json:"cols,omitempty"`
	Rows    int      `json:"rows,omitempty"`
}

// eventMsg wraps a workspace event for the client.
type eventMsg struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodePaneData builds a binary pane output frame.
func EncodePaneData(paneID string, data []byte) ([]byte, error) {
	if paneID == "" {
		return nil, errors.New("wsserver: encode pane data: paneID must not be empty")
	}
	if len(paneID) > maxPaneIDLen {
		return nil, fmt.Errorf("wsserver: encode pane data: paneID longer than %d bytes", maxPaneIDLen)
	}
	buf := make([]byte, 1+len(paneID)+len(data))
	buf[0] = byte(len(paneID))
	copy(buf[1:], paneID)
	copy(buf[1+len(paneID):], data)
	return buf, nil
}

// DecodePaneData parses a frame built by EncodePaneData. The returned data
// shares memory with frame.
func DecodePaneData(frame []byte) (paneID string, data []byte, err error) {
	if len(frame) < 1 {
		return "", nil, errors.New("wsserver: decode pane data: empty frame")
	}
	idLen := int(frame[0])
	if idLen == 0 || len(frame) < 1+idLen {
		return "", nil, fmt.Errorf("wsserver: decode pane data: frame too short for paneID length %d (frame length %d)", idLen, len(frame))
	}
	return string(frame[1 : 1+idLen]), frame[1+idLen:], nil
}
