// Package registry persists one record per managed peer under
// <state>/peers/<name>/. Nothing is cached between calls; every read goes
// to disk so separate peerctl invocations agree.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/danmuck/peerctl/internal/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	recordFile = "record.json"
	logFile    = "peer.log"
	tokenFile  = "sc-bridge.token"
	guardExt   = ".guard"
)

var (
	ErrNotFound      = errors.New("registry: peer not found")
	ErrInvalidRecord = errors.New("registry: invalid record")
)

type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

// Live reports whether s expects a running process.
func (s State) Live() bool {
	switch s {
	case StateStarting, StateReady, StateRunning, StateStopping:
		return true
	default:
		return false
	}
}

// Record is the durable view of one peer. It is overwritten on restart.
type Record struct {
	Name       string            `json:"name"`
	Store      string            `json:"store"`
	PID        int               `json:"pid"`
	InstanceID string            `json:"instance_id"`
	State      State             `json:"state"`
	Config     config.PeerConfig `json:"config"`
	LogPath    string            `json:"log_path"`
	Endpoint   string            `json:"endpoint"`
	TokenPath  string            `json:"token_path"`
	StartedAt  time.Time         `json:"started_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	StoppedAt  *time.Time        `json:"stopped_at,omitempty"`
	ExitSignal string            `json:"exit_signal,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

func (r Record) Validate() error {
	if err := config.ValidateID("name", r.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := config.ValidateID("store", r.Store); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.State == "" {
		return fmt.Errorf("%w: missing state", ErrInvalidRecord)
	}
	return nil
}

// Registry is a directory of peer directories.
type Registry struct {
	dir string
}

func New(dir string) *Registry {
	return &Registry{dir: dir}
}

func (r *Registry) Dir() string {
	return r.dir
}

// PeerDir is where name's record, log and token live. Callers validate name
// with config.ValidateID first.
func (r *Registry) PeerDir(name string) string {
	return filepath.Join(r.dir, name)
}

func (r *Registry) LogPath(name string) string {
	return filepath.Join(r.PeerDir(name), logFile)
}

func (r *Registry) TokenPath(name string) string {
	return filepath.Join(r.PeerDir(name), tokenFile)
}

// guardPath sits beside the peer directories, so Remove never unlinks a
// guard that is held. Valid names never start with '.', so it cannot clash
// with a peer directory.
func (r *Registry) guardPath(name string) string {
	return filepath.Join(r.dir, "."+name+guardExt)
}

// WithName runs fn while holding an exclusive flock for name. The lock is
// per open file, so it serializes goroutines as well as processes, and the
// kernel drops it if the holder dies.
func (r *Registry) WithName(name string, fn func() error) error {
	if err := config.ValidateID("name", name); err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("registry: create dir: %w", err)
	}
	f, err := os.OpenFile(r.guardPath(name), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("registry: open guard: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("registry: flock guard %s: %w", name, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func (r *Registry) recordPath(name string) string {
	return filepath.Join(r.PeerDir(name), recordFile)
}

// Upsert replaces name's record atomically: readers see the old or the new
// record, never a partial one.
func (r *Registry) Upsert(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	dir := r.PeerDir(rec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry: create peer dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encode %s: %w", rec.Name, err)
	}
	tmp, err := os.CreateTemp(dir, "."+recordFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("registry: temp record: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("registry: chmod record: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("registry: write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("registry: sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("registry: close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.recordPath(rec.Name)); err != nil {
		cleanup()
		return fmt.Errorf("registry: publish record: %w", err)
	}
	log.Debug().Str("name", rec.Name).Str("state", string(rec.State)).Int("pid", rec.PID).Msg("registry.upsert")
	return nil
}

func (r *Registry) Get(name string) (Record, error) {
	if err := config.ValidateID("name", name); err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data, err := os.ReadFile(r.recordPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Record{}, fmt.Errorf("registry: read %s: %w", name, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, name, err)
	}
	return rec, nil
}

// List returns every readable record sorted by name. Directories without a
// record, or with a corrupt one, are skipped.
func (r *Registry) List() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := r.Get(e.Name())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.Warn().Err(err).Str("name", e.Name()).Msg("registry.list.skip")
			}
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove deletes name's directory. Removing an absent peer is not an error.
func (r *Registry) Remove(name string) error {
	if err := config.ValidateID("name", name); err != nil {
		return err
	}
	if err := os.RemoveAll(r.PeerDir(name)); err != nil {
		return fmt.Errorf("registry: remove %s: %w", name, err)
	}
	return nil
}
