package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"tabterm/internal/panetree"
	"tabterm/internal/session"
	"tabterm/internal/sessionlog"
	"tabterm/internal/workspace"
)

const defaultCommandTimeout = 30 * time.Second

// LogSource returns recently captured log entries, oldest first.
type LogSource interface {
	Recent(limit int) []sessionlog.Entry
}

// Router executes control commands against a workspace registry.
type Router struct {
	ctx      context.Context
	registry *workspace.Registry
	logs     LogSource
	handlers map[string]func(ctx context.Context, req Request) Response
}

// NewRouter returns a Router. Commands run with a context derived from ctx;
// logs may be nil.
func NewRouter(ctx context.Context, registry *workspace.Registry, logs LogSource) *Router {
	r := &Router{ctx: ctx, registry: registry, logs: logs}
	r.handlers = map[string]func(context.Context, Request) Response{
		"new-tab":       r.handleNewTab,
		"close-tab":     r.handleCloseTab,
		"switch-tab":    r.handleSwitchTab,
		"rename-tab":    r.handleRenameTab,
		"split":         r.handleSplit,
		"close-pane":    r.handleClosePane,
		"focus-pane":    r.handleFocusPane,
		"select-layout": r.handleSelectLayout,
		"resize-split":  r.handleResizeSplit,
		"send-keys":     r.handleSendKeys,
		"list":          r.handleList,
		"logs":          r.handleLogs,
	}
	return r
}

// Commands returns the supported command names.
func (r *Router) Commands() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}

// Execute implements CommandExecutor.
func (r *Router) Execute(req Request) Response {
	handler, ok := r.handlers[req.Command]
	if !ok {
		return errorf("unknown command: %s", req.Command)
	}
	if req.Flags == nil {
		req.Flags = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(r.ctx, defaultCommandTimeout)
	defer cancel()
	return handler(ctx, req)
}

func okResponse(stdout string) Response {
	if stdout != "" && !strings.HasSuffix(stdout, "\n") {
		stdout += "\n"
	}
	return Response{Stdout: stdout}
}

func errorf(format string, args ...any) Response {
	return Response{ExitCode: 1, Stderr: fmt.Sprintf(format, args...) + "\n"}
}

func errResponse(err error) Response {
	return errorf("%v", err)
}

func (r *Router) tabArg(req Request) (workspace.TabID, error) {
	if len(req.Args) > 0 {
		return workspace.ParseTabID(req.Args[0])
	}
	active, ok := r.registry.ActiveTab()
	if !ok {
		return 0, workspace.ErrNoActiveTab
	}
	return active.ID, nil
}

func (r *Router) handleNewTab(ctx context.Context, req Request) Response {
	opts := session.CreateOptions{
		Shell:      flagString(req.Flags, "shell"),
		WorkingDir: flagString(req.Flags, "cwd"),
	}
	snap, err := r.registry.CreateTab(ctx, opts)
	if err != nil {
		return errResponse(err)
	}
	if title := flagString(req.Flags, "title"); title != "" {
		if snap, err = r.registry.RenameTab(snap.ID, title); err != nil {
			return errResponse(err)
		}
	}
	return okResponse(snap.ID.String())
}

func (r *Router) handleCloseTab(ctx context.Context, req Request) Response {
	id, err := r.tabArg(req)
	if err != nil {
		return errResponse(err)
	}
	result, err := r.registry.CloseTab(ctx, id)
	if err != nil {
		return errResponse(err)
	}
	resp := okResponse(result.TabID.String())
	if result.CleanupIncomplete() {
		resp.Stderr = fmt.Sprintf("warning: %d session(s) may still be running: %v\n", len(result.Report.Failed), result.Report.Err())
	}
	return resp
}

func (r *Router) handleSwitchTab(_ context.Context, req Request) Response {
	if len(req.Args) == 0 {
		return errorf("switch-tab: tab id required")
	}
	id, err := workspace.ParseTabID(req.Args[0])
	if err != nil {
		return errResponse(err)
	}
	if !r.registry.SwitchTab(id) {
		return errorf("switch-tab: %s: %v", id, workspace.ErrTabNotFound)
	}
	return okResponse(id.String())
}

func (r *Router) handleRenameTab(_ context.Context, req Request) Response {
	if len(req.Args) == 0 {
		return errorf("rename-tab: tab id required")
	}
	id, err := workspace.ParseTabID(req.Args[0])
	if err != nil {
		return errResponse(err)
	}
	snap, err := r.registry.RenameTab(id, strings.Join(req.Args[1:], " "))
	if err != nil {
		return errResponse(err)
	}
	return okResponse(snap.Title)
}

func (r *Router) handleSplit(ctx context.Context, req Request) Response {
	direction := panetree.Vertical
	if value := flagString(req.Flags, "direction"); value != "" {
		parsed, err := panetree.ParseDirection(value)
		if err != nil {
			return errResponse(err)
		}
		direction = parsed
	}
	result, err := r.registry.SplitActivePane(ctx, direction)
	if err != nil {
		return errResponse(err)
	}
	return okResponse(result.NewPaneID.String())
}

func (r *Router) handleClosePane(ctx context.Context, _ Request) Response {
	result, err := r.registry.CloseActivePane(ctx)
	if err != nil {
		return errResponse(err)
	}
	out := result.ClosedPaneID.String()
	if result.Recreated {
		out += " -> " + result.NewPaneID.String()
	}
	resp := okResponse(out)
	if result.CleanupIncomplete() {
		resp.Stderr = fmt.Sprintf("warning: session may still be running: %v\n", result.CleanupErr)
	}
	return resp
}

// handleFocusPane resolves the pane first, switching tabs when it lives in
// another one.
func (r *Router) handleFocusPane(_ context.Context, req Request) Response {
	if len(req.Args) == 0 {
		return errorf("focus-pane: pane id required")
	}
	id, err := panetree.ParseNodeID(req.Args[0])
	if err != nil {
		return errResponse(err)
	}
	snap, node, ok := r.registry.FindPane(id)
	if !ok {
		return errorf("focus-pane: %s: %v", id, workspace.ErrPaneNotFound)
	}
	if !node.IsLeaf() {
		return errorf("focus-pane: %s: %v", id, panetree.ErrNotLeaf)
	}
	if !snap.IsActive && !r.registry.SwitchTab(snap.ID) {
		return errorf("focus-pane: %s: %v", snap.ID, workspace.ErrTabNotFound)
	}
	if err := r.registry.FocusPane(id); err != nil {
		return errResponse(err)
	}
	return okResponse(id.String())
}

func (r *Router) handleSelectLayout(_ context.Context, req Request) Response {
	if len(req.Args) == 0 {
		return errorf("select-layout: preset required")
	}
	preset, err := panetree.ParsePreset(req.Args[0])
	if err != nil {
		return errResponse(err)
	}
	if _, err := r.registry.ArrangeActiveTab(preset); err != nil {
		return errResponse(err)
	}
	return okResponse("")
}

func (r *Router) handleResizeSplit(_ context.Context, req Request) Response {
	if len(req.Args) != 3 {
		return errorf("resize-split: usage: resize-split <split-id> <first> <second>")
	}
	id, err := panetree.ParseNodeID(req.Args[0])
	if err != nil {
		return errResponse(err)
	}
	var sizes [2]float64
	for i, raw := range req.Args[1:] {
		if sizes[i], err = strconv.ParseFloat(raw, 64); err != nil {
			return errorf("resize-split: invalid size %q", raw)
		}
	}
	if _, err := r.registry.ResizeSplit(id, sizes); err != nil {
		return errResponse(err)
	}
	return okResponse("")
}

func (r *Router) handleSendKeys(ctx context.Context, req Request) Response {
	if len(req.Args) == 0 {
		return errorf("send-keys: pane id required")
	}
	id, err := panetree.ParseNodeID(req.Args[0])
	if err != nil {
		return errResponse(err)
	}
	text := strings.Join(req.Args[1:], " ")
	if flagBool(req.Flags, "enter") {
		text += "\r"
	}
	if err := r.registry.WritePane(ctx, id, []byte(text)); err != nil {
		return errResponse(err)
	}
	return okResponse("")
}

func (r *Router) handleList(_ context.Context, req Request) Response {
	tabs := r.registry.Tabs()
	if flagBool(req.Flags, "json") {
		raw, err := json.Marshal(tabs)
		if err != nil {
			return errResponse(err)
		}
		return okResponse(string(raw))
	}
	var b strings.Builder
	for _, tab := range tabs {
		leaves := panetree.Leaves(tab.Root)
		fmt.Fprintf(&b, "%s: %s [%d panes]", tab.ID, tab.Title, len(leaves))
		if tab.IsActive {
			b.WriteString(" (active)")
		}
		if tab.State != workspace.TabStable {
			fmt.Fprintf(&b, " (%s)", tab.State)
		}
		b.WriteByte('\n')
		for _, leaf := range leaves {
			fmt.Fprintf(&b, "  %s", leaf.ID)
			if leaf.ID == tab.ActivePaneID {
				b.WriteString(" (active)")
			}
			b.WriteByte('\n')
		}
	}
	return Response{Stdout: b.String()}
}

func (r *Router) handleLogs(_ context.Context, req Request) Response {
	if r.logs == nil {
		return errResponse(errors.New("logs: log capture disabled"))
	}
	limit := 0
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 0 {
			return errorf("logs: invalid limit %q", req.Args[0])
		}
		limit = n
	}
	var b strings.Builder
	for _, e := range r.logs.Recent(limit) {
		fmt.Fprintf(&b, "%s %s %s", e.Time.Format(time.RFC3339), e.Level, e.Message)
		for _, key := range slices.Sorted(maps.Keys(e.Attrs)) {
			fmt.Fprintf(&b, " %s=%s", key, e.Attrs[key])
		}
		b.WriteByte('\n')
	}
	return Response{Stdout: b.String()}
}
