package ipc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"regexp"
	"strconv"
	"strings"
)

// SocketEnv overrides the default control endpoint for clients and the server.
const SocketEnv = "TABTERM_SOCKET"

var invalidNameRune = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Request is a single control command.
type Request struct {
	Command string         `json:"command"`
	Flags   map[string]any `json:"flags,omitempty"` // string or bool values
	Args    []string       `json:"args,omitempty"`
}

// Response is the result of one command, shaped like a CLI invocation.
type Response struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// CommandExecutor handles a request and returns a response.
type CommandExecutor interface {
	Execute(req Request) Response
}

// CommandExecutorFunc adapts a function into CommandExecutor.
type CommandExecutorFunc func(req Request) Response

func (f CommandExecutorFunc) Execute(req Request) Response { return f(req) }

// sanitizeName normalizes username-like values used in socket and pipe names.
func sanitizeName(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return invalidNameRune.ReplaceAllString(value, "_")
}

func currentUsername() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	if current, err := user.Current(); err == nil {
		return current.Username
	}
	return ""
}

// DefaultAddress returns the control endpoint: SocketEnv if set and valid,
// otherwise a per-user default.
func DefaultAddress() string {
	if v := strings.TrimSpace(os.Getenv(SocketEnv)); v != "" {
		if validAddress(v) {
			return v
		}
		slog.Warn("[ipc] "+SocketEnv+" rejected: value does not match allowed pattern", "value", v)
	}
	return defaultAddress(sanitizeName(currentUsername()))
}

func encodeRequest(req Request) ([]byte, error) {
	return json.Marshal(req)
}

func decodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, err
	}
	if req.Flags == nil {
		req.Flags = map[string]any{}
	}
	return req, nil
}

func encodeResponse(resp Response) ([]byte, error) {
	return json.Marshal(resp)
}

func decodeResponse(raw []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// flagString returns a string flag, accepting numbers and bools as well.
func flagString(flags map[string]any, name string) string {
	switch v := flags[name].(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// flagBool treats true, "true", "1" and "yes" as set.
func flagBool(flags map[string]any, name string) bool {
	switch v := flags[name].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		}
	}
	return false
}
