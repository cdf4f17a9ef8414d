package util

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return !info.IsDir()
}

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// SetupCloseHandler creates a channel that receives
// interrupt and terminate signals from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// RuntimeDir returns the per-user runtime directory used for the command socket.
// XDG_RUNTIME_DIR is preferred, falling back to a uid-scoped temp directory so
// two sessions never collide
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}

	return filepath.Join(os.TempDir(), fmt.Sprintf("mixd-%d", os.Getuid()))
}

// ShmDir returns the directory backing the shared memory segment.
// /dev/shm is tmpfs on every mainstream distribution; when it's missing
// (containers, exotic setups) the segment degrades to a regular temp file
func ShmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}
