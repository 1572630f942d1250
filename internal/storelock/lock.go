// Package storelock keeps at most one live holder per identity store.
//
// Coordination happens only through the lock directory: a lock file is
// published with link(2), which fails if the name exists, and stale locks
// are reclaimed under a per-store flock guard. Independent peerctl
// invocations share nothing else.
package storelock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/peerctl/internal/proc"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const maxAcquireAttempts = 4

var (
	ErrAlreadyRunning = errors.New("storelock: store already running")
	ErrNotHolder      = errors.New("storelock: lock not held by pid")
	ErrInvalidStore   = errors.New("storelock: invalid store id")
)

// Holder is the content of a lock file.
type Holder struct {
	Store      string    `json:"store"`
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	AcquiredAt time.Time `json:"acquired_at"`
	Path       string    `json:"-"`
}

// AlreadyRunningError names the live holder that blocked an acquire.
type AlreadyRunningError struct {
	Store string
	PID   int
	Name  string
}

func (e *AlreadyRunningError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("store %q already running (pid %d, name %q)", e.Store, e.PID, e.Name)
	}
	return fmt.Sprintf("store %q already running (pid %d)", e.Store, e.PID)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Registry is a directory of store lock files.
type Registry struct {
	dir   string
	alive func(int) bool
}

type Option func(*Registry)

// WithAliveFunc replaces the process table oracle.
func WithAliveFunc(fn func(int) bool) Option {
	return func(r *Registry) {
		if fn != nil {
			r.alive = fn
		}
	}
}

func New(dir string, opts ...Option) *Registry {
	r := &Registry{dir: dir, alive: proc.Alive}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Dir() string {
	return r.dir
}

// Path returns the lock file path for store.
func (r *Registry) Path(store string) string {
	return filepath.Join(r.dir, EncodeStore(store)+".lock")
}

// Acquire publishes a lock for store held by pid. A lock whose holder is
// dead, or whose content cannot be decoded, is reclaimed.
func (r *Registry) Acquire(store, name string, pid int) (Holder, error) {
	if strings.TrimSpace(store) == "" {
		return Holder{}, ErrInvalidStore
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Holder{}, fmt.Errorf("storelock: create dir: %w", err)
	}
	path := r.Path(store)
	h := Holder{Store: store, PID: pid, Name: name, AcquiredAt: time.Now().UTC(), Path: path}

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		err := r.publish(path, h)
		if err == nil {
			log.Debug().Str("store", store).Int("pid", pid).Str("name", name).Msg("storelock.acquire")
			return h, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return Holder{}, err
		}
		current, readErr := readHolder(path)
		if readErr == nil && r.alive(current.PID) {
			return Holder{}, &AlreadyRunningError{Store: store, PID: current.PID, Name: current.Name}
		}
		if errors.Is(readErr, fs.ErrNotExist) {
			continue
		}
		if err := r.reclaim(store, path); err != nil {
			return Holder{}, err
		}
	}
	return Holder{}, fmt.Errorf("storelock: acquire %q: lock contended", store)
}

// reclaim removes a stale lock. The lock is re-read under the guard so a
// lock published after the caller's read is never removed.
func (r *Registry) reclaim(store, path string) error {
	return r.withGuard(store, func() error {
		current, err := readHolder(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err == nil && r.alive(current.PID):
			return &AlreadyRunningError{Store: store, PID: current.PID, Name: current.Name}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storelock: remove stale lock: %w", err)
		}
		log.Info().Str("store", store).Int("stale_pid", current.PID).Str("stale_name", current.Name).Msg("storelock.reclaim")
		return nil
	})
}

// Rebind moves the lock from fromPID to toPID.
func (r *Registry) Rebind(store string, fromPID, toPID int) error {
	path := r.Path(store)
	return r.withGuard(store, func() error {
		current, err := readHolder(path)
		if err != nil {
			return fmt.Errorf("storelock: rebind %q: %w", store, err)
		}
		if current.PID != fromPID {
			return fmt.Errorf("%w: store %q held by %d, not %d", ErrNotHolder, store, current.PID, fromPID)
		}
		current.PID = toPID
		tmp, err := r.writeTemp(path, current)
		if err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("storelock: rebind %q: %w", store, err)
		}
		return nil
	})
}

// Release removes the lock when it is held by pid. pid <= 0 releases
// unconditionally. Releasing an absent lock is not an error.
func (r *Registry) Release(store string, pid int) error {
	path := r.Path(store)
	return r.withGuard(store, func() error {
		current, err := readHolder(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if pid > 0 && (err != nil || current.PID != pid) {
			log.Debug().Str("store", store).Int("pid", pid).Int("holder", current.PID).Msg("storelock.release.skip")
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storelock: release %q: %w", store, err)
		}
		log.Debug().Str("store", store).Int("pid", pid).Msg("storelock.release")
		return nil
	})
}

// Holder returns the current lock content for store, if any. Liveness of
// the holder is not checked.
func (r *Registry) Holder(store string) (Holder, bool, error) {
	h, err := readHolder(r.Path(store))
	if errors.Is(err, fs.ErrNotExist) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, err
	}
	return h, true, nil
}

func (r *Registry) publish(path string, h Holder) error {
	tmp, err := r.writeTemp(path, h)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("storelock: publish %s: %w", path, err)
	}
	return nil
}

func (r *Registry) writeTemp(path string, h Holder) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("storelock: encode holder: %w", err)
	}
	f, err := os.CreateTemp(r.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("storelock: temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("storelock: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("storelock: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("storelock: close temp: %w", err)
	}
	return f.Name(), nil
}

func (r *Registry) withGuard(store string, fn func() error) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("storelock: create dir: %w", err)
	}
	guard := filepath.Join(r.dir, EncodeStore(store)+".guard")
	f, err := os.OpenFile(guard, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("storelock: open guard: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("storelock: flock guard: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func readHolder(path string) (Holder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, err
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return Holder{}, fmt.Errorf("storelock: decode %s: %w", path, err)
	}
	if h.PID <= 0 {
		return Holder{}, fmt.Errorf("storelock: decode %s: missing pid", path)
	}
	h.Path = path
	return h, nil
}

// EncodeStore maps a store id to a file name that cannot leave the lock
// directory. Bytes outside [A-Za-z0-9._-] become %XX, and a leading dot is
// escaped so "." and ".." stay inside.
func EncodeStore(store string) string {
	var b strings.Builder
	for i := 0; i < len(store); i++ {
		c := store[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
