package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"tabterm/internal/config"
	"tabterm/internal/ipc"
	"tabterm/internal/lifecycle"
	"tabterm/internal/panestate"
	"tabterm/internal/panetree"
	"tabterm/internal/ptyservice"
	"tabterm/internal/session"
	"tabterm/internal/workerutil"
	"tabterm/internal/workspace"
	"tabterm/internal/wsserver"
)

const (
	// EventPaneExited is emitted when a pane's shell exits on its own.
	// Payload: map[string]any{"tabId", "paneId"}.
	EventPaneExited = "workspace:pane-exited"

	shutdownTimeout = 10 * time.Second
)

// daemonOptions configures a daemon. A nil Start runs real shells.
type daemonOptions struct {
	Config     config.Config
	ConfigPath string
	Socket     string
	Logs       ipc.LogSource
	Start      ptyservice.StartFunc
}

// daemon wires the session service, workspace registry and both control
// surfaces together.
type daemon struct {
	opts     daemonOptions
	sessions *ptyservice.Service
	registry *workspace.Registry
	hub      *wsserver.Hub
	replay   *panestate.Manager
	ipc      *ipc.Server
	workers  *workerutil.Group
}

func newDaemon(ctx context.Context, opts daemonOptions) *daemon {
	d := &daemon{opts: opts, replay: panestate.NewManager(0)}
	d.workers = workerutil.NewGroup(ctx, workerutil.Policy{})

	// Callbacks only fire once a session exists, which is after every
	// component below has been assigned.
	d.sessions = ptyservice.New(ctx, ptyservice.Options{
		OnOutput: d.forwardOutput,
		OnExit:   d.sessionExited,
		Start:    opts.Start,
	})
	coordinator := lifecycle.NewCoordinator(d.sessions, nil, lifecycle.Options{
		DestroyTimeout: opts.Config.DestroyTimeout,
	})
	d.hub = wsserver.NewHub(wsserver.HubOptions{
		Addr:     opts.Config.WebSocketAddr,
		Snapshot: func() any { return d.registry.Tabs() },
		Panes:    paneInput{d},
		Replay:   d.replayPane,
	})
	d.registry = workspace.NewRegistry(coordinator, workspace.Options{
		Defaults: opts.Config.SessionDefaults(),
		Emitter:  workspace.EventEmitterFunc(d.emit),
	})

	socket := opts.Socket
	if socket == "" {
		socket = opts.Config.SocketPath
	}
	if socket == "" {
		socket = ipc.DefaultAddress()
	}
	router := ipc.NewRouter(ctx, d.registry, opts.Logs)
	d.ipc = ipc.NewServer(socket, ipc.CommandExecutorFunc(func(req ipc.Request) ipc.Response {
		if req.Command == "info" {
			return d.info()
		}
		return router.Execute(req)
	}))
	return d
}

// paneInput defers registry lookup so the hub can be built before the registry.
type paneInput struct{ d *daemon }

func (p paneInput) WritePane(ctx context.Context, id panetree.NodeID, data []byte) error {
	return p.d.registry.WritePane(ctx, id, data)
}

func (p paneInput) ResizePane(ctx context.Context, id panetree.NodeID, cols, rows int) error {
	return p.d.registry.ResizePane(ctx, id, cols, rows)
}

// start brings up both surfaces and opens the first tab.
func (d *daemon) start(ctx context.Context) error {
	if err := d.hub.Start(ctx); err != nil {
		return err
	}
	if err := d.ipc.Start(); err != nil {
		return err
	}
	if d.opts.ConfigPath != "" {
		d.workers.Go("config-watch", func(ctx context.Context) {
			if err := config.Watch(ctx, d.opts.ConfigPath, d.applyConfig); err != nil {
				slog.Warn("[WARN-CONFIG] config watch stopped", "error", err)
			}
		})
	}
	if _, err := d.registry.CreateTab(ctx, session.CreateOptions{}); err != nil {
		slog.Warn("[WARN-PANE] failed to open initial tab", "error", err)
	}
	slog.Info("[DEBUG-LIFECYCLE] daemon started",
		"socket", d.ipc.Address(),
		"websocket", d.hub.URL(),
	)
	return nil
}

// shutdown stops accepting commands, then tears down every session.
func (d *daemon) shutdown() error {
	var errs []error
	if err := d.ipc.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop control socket: %w", err))
	}
	d.workers.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close workspace: %w", err))
	}
	if err := d.hub.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := d.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	slog.Info("[DEBUG-LIFECYCLE] daemon stopped")
	return errors.Join(errs...)
}

func (d *daemon) applyConfig(cfg config.Config) {
	d.registry.SetDefaults(cfg.SessionDefaults())
	if !debugMode {
		logLevel.Set(cfg.SlogLevel())
	}
}

func (d *daemon) forwardOutput(handle session.Handle, data []byte) {
	_, paneID, ok := d.registry.PaneForSession(handle)
	if !ok {
		return
	}
	d.replay.Feed(paneID, data)
	d.hub.BroadcastPaneData(paneID.String(), data)
}

func (d *daemon) replayPane(paneID string) []byte {
	id, err := panetree.ParseNodeID(paneID)
	if err != nil {
		return nil
	}
	return d.replay.Snapshot(id)
}

// emit forwards registry events to the renderer and drops replay buffers of
// panes that no longer exist.
func (d *daemon) emit(name string, payload any) {
	switch name {
	case workspace.EventTabClosed, workspace.EventLayoutChanged, workspace.EventTabRecreated:
		alive := make(map[panetree.NodeID]struct{})
		for _, tab := range d.registry.Tabs() {
			for _, leaf := range panetree.Leaves(tab.Root) {
				alive[leaf.ID] = struct{}{}
			}
		}
		if dropped := d.replay.RetainPanes(alive); dropped > 0 {
			slog.Debug("[DEBUG-LIFECYCLE] dropped replay buffers", "count", dropped)
		}
	}
	d.hub.Emit(name, payload)
}

func (d *daemon) sessionExited(handle session.Handle) {
	tabID, paneID, ok := d.registry.PaneForSession(handle)
	if !ok {
		slog.Debug("[DEBUG-LIFECYCLE] unowned session exited", "session", handle)
		return
	}
	slog.Info("[DEBUG-LIFECYCLE] shell exited", "tabId", tabID, "paneId", paneID, "session", handle)
	d.hub.Emit(EventPaneExited, map[string]any{
		"tabId":  tabID.String(),
		"paneId": paneID.String(),
	})
}

type daemonInfo struct {
	PID       int    `json:"pid"`
	Socket    string `json:"socket"`
	WebSocket string `json:"websocket"`
	Config    string `json:"config,omitempty"`
	Sessions  int    `json:"sessions"`
}

func (d *daemon) info() ipc.Response {
	raw, err := json.Marshal(daemonInfo{
		PID:       os.Getpid(),
		Socket:    d.ipc.Address(),
		WebSocket: d.hub.URL(),
		Config:    d.opts.ConfigPath,
		Sessions:  d.sessions.Len(),
	})
	if err != nil {
		return ipc.Response{ExitCode: 1, Stderr: err.Error() + "\n"}
	}
	return ipc.Response{Stdout: string(raw) + "\n"}
}
