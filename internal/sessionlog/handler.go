// Package sessionlog keeps the recent warnings of a running workspace so that
// control clients can see, for example, which pane closes left sessions behind.
package sessionlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Source  string            `json:"source,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Sink receives captured entries.
type Sink interface {
	Add(Entry)
}

// TeeHandler forwards every record to a base handler and copies records at or
// above a threshold into a Sink.
type TeeHandler struct {
	base     slog.Handler
	sink     Sink
	minLevel slog.Level
	group    string
	attrs    []slog.Attr
}

// NewTeeHandler wraps base. A nil sink makes the handler a plain pass-through.
func NewTeeHandler(base slog.Handler, minLevel slog.Level, sink Sink) *TeeHandler {
	return &TeeHandler{base: base, sink: sink, minLevel: minLevel}
}

// Enabled defers to the base handler; the tee threshold never hides records.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)
	if h.sink == nil || record.Level < h.minLevel {
		return err
	}

	entry := Entry{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
		Source:  h.group,
	}
	if n := len(h.attrs) + record.NumAttrs(); n > 0 {
		entry.Attrs = make(map[string]string, n)
		for _, a := range h.attrs {
			entry.Attrs[a.Key] = a.Value.String()
		}
		record.Attrs(func(a slog.Attr) bool {
			entry.Attrs[a.Key] = a.Value.String()
			return true
		})
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				// stderr, not slog: logging here would re-enter this handler.
				fmt.Fprintf(os.Stderr, "[session-log] sink panicked: %v\n%s\n", r, debug.Stack())
			}
		}()
		h.sink.Add(entry)
	}()
	return err
}

// WithAttrs implements slog.Handler.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	out := *h
	out.base = h.base.WithAttrs(attrs)
	out.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &out
}

// WithGroup implements slog.Handler.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	out.base = h.base.WithGroup(name)
	out.group = strings.TrimPrefix(h.group+"."+name, ".")
	return &out
}
