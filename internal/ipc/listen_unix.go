//go:build !windows

package ipc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

const defaultDialTimeout = 3 * time.Second

// listen creates a unix socket only the current user can connect to. A stale
// socket left by a crashed daemon is replaced; a live one is an error.
func listen(address string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
		return nil, err
	}
	if _, err := os.Lstat(address); err == nil {
		if conn, dialErr := net.DialTimeout("unix", address, time.Second); dialErr == nil {
			conn.Close()
			return nil, errors.New("another tabterm daemon is already listening")
		}
		if err := os.Remove(address); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(address, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	return listener, nil
}

func dial(address string) (net.Conn, error) {
	return net.DialTimeout("unix", address, defaultDialTimeout)
}

func cleanupAddress(address string) {
	if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("[ipc] failed to remove socket file", "path", address, "error", err)
	}
}
