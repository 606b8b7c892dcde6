// Package pidfile enforces the single-instance guarantee through an
// exclusively flock'd file holding the owning process ID. Operators stop
// a running daemon with `kill $(</tmp/upnpd.pid)`.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another process holds the lock.
var ErrAlreadyRunning = errors.New("pidfile: another instance is already running")

// Lock is an acquired instance lock. It must be released on every exit
// path of the process.
type Lock struct {
	path string
	f    *os.File
}

// Acquire opens (creating if absent) the pid file at path and takes an
// exclusive non-blocking lock on it. It never waits: contention is
// reported immediately as ErrAlreadyRunning so the caller can exit and
// point the operator at the recorded PID.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("pidfile: lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		releaseFile(f, path)
		return nil, fmt.Errorf("pidfile: truncate %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		releaseFile(f, path)
		return nil, fmt.Errorf("pidfile: write %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the pid file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the pid file and drops the lock. Safe to call once on
// any exit path; the file is removed before unlocking so a racing starter
// never reads a stale PID from an unlocked file.
func (l *Lock) Release() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	releaseFile(f, l.path)
	return nil
}

func releaseFile(f *os.File, path string) {
	_ = os.Remove(path)
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

// ReadPID returns the process ID recorded in the pid file at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: %s: malformed pid: %w", path, err)
	}
	return pid, nil
}

// Check probes the lock at path without keeping it. It reports whether a
// live instance holds it and, if so, the PID it recorded.
func Check(path string) (pid int, running bool, err error) {
	lock, err := Acquire(path)
	if errors.Is(err, ErrAlreadyRunning) {
		pid, err := ReadPID(path)
		if err != nil {
			return 0, true, err
		}
		return pid, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	_ = lock.Release()
	return 0, false, nil
}
