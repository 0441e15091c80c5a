package ipc

import (
	"bufio"
	"encoding/json"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
		wantEOF bool
	}{
		{name: "within limit", input: `{"command":"list"}` + "\n", want: `{"command":"list"}` + "\n"},
		{name: "eof without delimiter", input: `{"command":"list"}`, want: `{"command":"list"}`},
		{name: "empty input", input: "", wantEOF: true},
		{name: "oversized", input: strings.Repeat("a", maxRequestBytes+1) + "\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := bufio.NewReaderSize(strings.NewReader(tt.input), maxRequestBytes+1)
			raw, err := readFrame(reader, maxRequestBytes)
			if tt.wantEOF {
				if err != io.EOF {
					t.Fatalf("readFrame() error = %v, want io.EOF", err)
				}
				return
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("readFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), "exceeds") {
					t.Fatalf("readFrame() error = %q, want 'exceeds' message", err)
				}
				return
			}
			if string(raw) != tt.want {
				t.Fatalf("readFrame() = %q, want %q", raw, tt.want)
			}
		})
	}
}

func TestDecodeRequestInitializesFlags(t *testing.T) {
	req, err := decodeRequest([]byte(`{"command":"list"}`))
	if err != nil {
		t.Fatalf("decodeRequest() error = %v", err)
	}
	if req.Flags == nil || len(req.Flags) != 0 {
		t.Fatalf("Flags = %v, want empty map", req.Flags)
	}
}

func TestDecodeRequestPreservesValues(t *testing.T) {
	raw, err := json.Marshal(Request{
		Command: "send-keys",
		Flags:   map[string]any{"enter": true},
		Args:    []string{"%1", "ls", "-la"},
	})
	if err != nil {
		t.Fatal(err)
	}
	req, err := decodeRequest(raw)
	if err != nil {
		t.Fatalf("decodeRequest() error = %v", err)
	}
	if req.Command != "send-keys" || len(req.Args) != 3 || !flagBool(req.Flags, "enter") {
		t.Fatalf("req = %+v", req)
	}
}

func TestFlagHelpers(t *testing.T) {
	flags := map[string]any{
		"s":     "text",
		"b":     true,
		"n":     float64(3),
		"yes":   "yes",
		"no":    "0",
		"other": []any{1},
	}
	tests := []struct {
		name     string
		wantStr  string
		wantBool bool
	}{
		{name: "s", wantStr: "text"},
		{name: "b", wantStr: "true", wantBool: true},
		{name: "n", wantStr: "3"},
		{name: "yes", wantStr: "yes", wantBool: true},
		{name: "no", wantStr: "0"},
		{name: "missing", wantStr: ""},
		{name: "other", wantStr: "[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := flagString(flags, tt.name); got != tt.wantStr {
				t.Fatalf("flagString() = %q, want %q", got, tt.wantStr)
			}
			if got := flagBool(flags, tt.name); got != tt.wantBool {
				t.Fatalf("flagBool() = %v, want %v", got, tt.wantBool)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{in: "alice", want: "alice"},
		{in: "unit user!", want: "unit_user_"},
		{in: "  ", want: "unknown"},
		{in: "dom\\bob", want: "dom_bob"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Fatalf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDefaultAddress(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix socket paths")
	}
	t.Run("env override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ctl.sock")
		t.Setenv(SocketEnv, path)
		if got := DefaultAddress(); got != path {
			t.Fatalf("DefaultAddress() = %q, want %q", got, path)
		}
	})
	t.Run("relative override rejected", func(t *testing.T) {
		t.Setenv(SocketEnv, "ctl.sock")
		t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
		t.Setenv("USER", "unit tester")
		if got, want := DefaultAddress(), "/run/user/1000/tabterm-unit_tester.sock"; got != want {
			t.Fatalf("DefaultAddress() = %q, want %q", got, want)
		}
	})
}
