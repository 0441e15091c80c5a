package sessionlog

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type panickingSink struct{}

func (panickingSink) Add(Entry) { panic("sink exploded") }

func newTestLogger(minLevel slog.Level, sink Sink) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewTeeHandler(base, minLevel, sink)), &buf
}

func TestTeeHandlerCapturesAtOrAboveThreshold(t *testing.T) {
	tests := []struct {
		name    string
		log     func(*slog.Logger)
		wantLen int
	}{
		{name: "debug is not captured", log: func(l *slog.Logger) { l.Debug("d") }, wantLen: 0},
		{name: "info is not captured", log: func(l *slog.Logger) { l.Info("i") }, wantLen: 0},
		{name: "warn is captured", log: func(l *slog.Logger) { l.Warn("w") }, wantLen: 1},
		{name: "error is captured", log: func(l *slog.Logger) { l.Error("e") }, wantLen: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring := NewRing(10)
			logger, buf := newTestLogger(slog.LevelWarn, ring)
			tt.log(logger)
			if got := len(ring.Recent(0)); got != tt.wantLen {
				t.Fatalf("captured = %d, want %d", got, tt.wantLen)
			}
			if buf.Len() == 0 {
				t.Fatal("base handler must receive every record")
			}
		})
	}
}

func TestTeeHandlerRecordsAttrsAndGroup(t *testing.T) {
	ring := NewRing(10)
	logger, _ := newTestLogger(slog.LevelWarn, ring)
	logger.With("tabId", "@1").WithGroup("pane").Warn("[WARN-PANE] cleanup may be incomplete", "session", "sess-3")

	entries := ring.Recent(0)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != "WARN" || !strings.Contains(e.Message, "cleanup may be incomplete") {
		t.Fatalf("entry = %+v", e)
	}
	if e.Source != "pane" {
		t.Fatalf("source = %q, want pane", e.Source)
	}
	if e.Attrs["tabId"] != "@1" || e.Attrs["session"] != "sess-3" {
		t.Fatalf("attrs = %v", e.Attrs)
	}
}

func TestTeeHandlerNestedGroups(t *testing.T) {
	ring := NewRing(4)
	logger, _ := newTestLogger(slog.LevelWarn, ring)
	logger.WithGroup("ipc").WithGroup("conn").Error("boom")
	if got := ring.Recent(0)[0].Source; got != "ipc.conn" {
		t.Fatalf("source = %q, want ipc.conn", got)
	}
}

func TestTeeHandlerSurvivesSinkPanic(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelWarn, panickingSink{})
	logger.Warn("still logged")
	if !strings.Contains(buf.String(), "still logged") {
		t.Fatalf("base output = %q", buf.String())
	}
}

func TestTeeHandlerNilSinkPassesThrough(t *testing.T) {
	logger, buf := newTestLogger(slog.LevelWarn, nil)
	logger.Error("plain")
	if !strings.Contains(buf.String(), "plain") {
		t.Fatalf("base output = %q", buf.String())
	}
}

func TestRingKeepsMostRecent(t *testing.T) {
	ring := NewRing(3)
	for i := range 5 {
		ring.Add(Entry{Time: time.Unix(int64(i), 0), Message: fmt.Sprintf("m%d", i)})
	}
	got := ring.Recent(0)
	if len(got) != 3 || got[0].Message != "m2" || got[2].Message != "m4" {
		t.Fatalf("Recent(0) = %+v", got)
	}
	if last := ring.Recent(1); len(last) != 1 || last[0].Message != "m4" {
		t.Fatalf("Recent(1) = %+v", last)
	}
	if empty := NewRing(0).Recent(0); len(empty) != 0 {
		t.Fatalf("empty ring = %+v", empty)
	}
}
