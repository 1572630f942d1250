package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/peerctl/internal/registry"
	"github.com/danmuck/peerctl/internal/storelock"
)

var (
	ErrConfig           = errors.New("supervisor: invalid config")
	ErrAlreadyRunning   = errors.New("supervisor: already running")
	ErrSpawn            = errors.New("supervisor: spawn failed")
	ErrReadinessTimeout = errors.New("supervisor: readiness timeout")
	ErrAuth             = errors.New("supervisor: control channel auth failed")
	ErrStopTimeout      = errors.New("supervisor: stop timeout")
	ErrNotFound         = errors.New("supervisor: peer not found")
	ErrCrashed          = errors.New("supervisor: peer exited before ready")
	ErrNotRunning       = errors.New("supervisor: peer not running")
	ErrUnhealthy        = errors.New("supervisor: peer running but not healthy")
)

// ConfigError is returned before any side effect happens.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// AlreadyRunningError names the live holder of a store.
type AlreadyRunningError struct {
	Store string
	PID   int
	Name  string
}

func (e *AlreadyRunningError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("store %q already running as %q (pid %d)", e.Store, e.Name, e.PID)
	}
	return fmt.Sprintf("store %q already running (pid %d)", e.Store, e.PID)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning || target == storelock.ErrAlreadyRunning
}

type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// ReadinessTimeoutError leaves the process running and the lock held.
type ReadinessTimeoutError struct {
	Name     string
	PID      int
	Endpoint string
	Timeout  time.Duration
	Err      error
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("peer %s (pid %d) not ready within %s at %s: %v", e.Name, e.PID, e.Timeout, e.Endpoint, e.Err)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.Err }

func (e *ReadinessTimeoutError) Is(target error) bool { return target == ErrReadinessTimeout }

type AuthError struct {
	Name     string
	Endpoint string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("control channel auth failed for %s at %s: %v", e.Name, e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// StopTimeoutError means the signal was delivered but the process outlived
// the wait. Nothing is escalated.
type StopTimeoutError struct {
	Name   string
	PID    int
	Signal string
	Wait   time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("peer %s (pid %d) still running %s after %s", e.Name, e.PID, e.Wait, e.Signal)
}

func (e *StopTimeoutError) Is(target error) bool { return target == ErrStopTimeout }

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("peer %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == registry.ErrNotFound
}

// CrashedError is returned when the peer exits while readiness is probed.
// Its lock and token are already cleaned up.
type CrashedError struct {
	Name string
	PID  int
	Log  string
	Err  error
}

func (e *CrashedError) Error() string {
	return fmt.Sprintf("peer %s (pid %d) exited before ready, see %s", e.Name, e.PID, e.Log)
}

func (e *CrashedError) Unwrap() error { return e.Err }

func (e *CrashedError) Is(target error) bool { return target == ErrCrashed }

// UnhealthyError is returned by Start for a live peer whose last start did
// not reach running. The peer must be stopped before it can start again.
type UnhealthyError struct {
	Name      string
	PID       int
	State     registry.State
	LastError string
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("peer %s (pid %d) is alive in state %s after a failed start: %s; stop it first",
		e.Name, e.PID, e.State, e.LastError)
}

func (e *UnhealthyError) Is(target error) bool { return target == ErrUnhealthy }
