// Package proc is the supervisor's view of the OS process table and the
// spawner of detached peer processes.
//
// Liveness is always queried fresh; nothing here caches process state.
package proc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrProcessGone   = errors.New("proc: process gone")
	ErrUnknownSignal = errors.New("proc: unknown signal")
)

// DefaultSignal is what a stop sends when no signal is named.
const DefaultSignal = unix.SIGTERM

var signalsByName = map[string]syscall.Signal{
	"TERM": unix.SIGTERM,
	"INT":  unix.SIGINT,
	"KILL": unix.SIGKILL,
	"HUP":  unix.SIGHUP,
	"QUIT": unix.SIGQUIT,
	"USR1": unix.SIGUSR1,
	"USR2": unix.SIGUSR2,
}

// Alive reports whether pid names a running process. EPERM means the
// process exists but belongs to someone else. Zombies count as dead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := unix.Kill(pid, 0); err {
	case nil, unix.EPERM:
		return !zombie(pid)
	default:
		return false
	}
}

// ParseSignal accepts names with or without the SIG prefix, in any case.
// An empty name is SIGTERM.
func ParseSignal(name string) (syscall.Signal, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return DefaultSignal, nil
	}
	key = strings.TrimPrefix(key, "SIG")
	sig, ok := signalsByName[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return sig, nil
}

// SignalName renders sig the way ParseSignal accepts it.
func SignalName(sig syscall.Signal) string {
	for name, s := range signalsByName {
		if s == sig {
			return "SIG" + name
		}
	}
	return fmt.Sprintf("signal %d", int(sig))
}

func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: pid %d", ErrProcessGone, pid)
		}
		return fmt.Errorf("proc: signal %d: %w", pid, err)
	}
	return nil
}

// WaitExit polls Alive until pid is gone or timeout elapses. It reports
// whether the process exited.
func WaitExit(ctx context.Context, pid int, timeout, poll time.Duration) bool {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if !Alive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !Alive(pid)
		case <-ticker.C:
		}
	}
}
