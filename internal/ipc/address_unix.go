//go:build !windows

package ipc

import (
	"os"
	"path/filepath"
	"strings"
)

func defaultAddress(user string) string {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tabterm-"+user+".sock")
}

// validAddress accepts absolute socket paths.
func validAddress(value string) bool {
	return filepath.IsAbs(value) && !strings.ContainsRune(value, '\x00')
}
