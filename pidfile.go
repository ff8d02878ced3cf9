package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o700
)

// writePIDFile records the current PID at path and holds an exclusive flock
// on it for the lifetime of the watch daemon. The returned release func
// removes the file and drops the lock.
func writePIDFile(path string) (release func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty: no data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another autolog watch is already running (%s is locked)", path)
	}

	fail := func(step string, err error) (func(), error) {
		f.Close()
		return nil, fmt.Errorf("%s PID file: %w", step, err)
	}

	if err := f.Truncate(0); err != nil {
		return fail("truncating", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fail("writing", err)
	}

	if err := f.Sync(); err != nil {
		return fail("syncing", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// readPIDFile returns the PID stored at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// sendSIGHUP asks the running watch daemon to reload its configuration.
// A PID file naming a dead process is removed.
func sendSIGHUP(pidPath string) (int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("no running daemon found (no PID file at %s)", pidPath)
		}

		return 0, err
	}

	if !processAlive(pid) {
		os.Remove(pidPath)

		return 0, fmt.Errorf("daemon (PID %d) is not running, stale PID file removed", pid)
	}

	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("signalling daemon (PID %d): %w", pid, err)
	}

	return pid, nil
}

// processAlive reports whether a process with pid exists.
func processAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, syscall.Signal(0)) == nil
}
