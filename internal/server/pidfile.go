package server

import (
	"fmt"
	"os"
	"strings"
)

// pidFilePath derives the pidfile location from the socket path, so both
// artifacts live (and are cleaned up) together.
func pidFilePath(socketPath string) string {
	return strings.TrimSuffix(socketPath, ".sock") + ".pid"
}

// writePidFile records the daemon's pid atomically: write to a temp file,
// fsync, rename. External liveness checks must never observe a partial
// write.
func writePidFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("server: create pidfile: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("server: write pidfile: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("server: sync pidfile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("server: close pidfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("server: publish pidfile: %w", err)
	}
	return nil
}
