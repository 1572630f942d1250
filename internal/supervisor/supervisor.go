// Package supervisor starts, stops, restarts and reports peer processes.
//
// Every call is self-contained: state lives in the peer registry and the
// store lock directory, and liveness comes from the process table at the
// moment it is needed. Separate peerctl invocations therefore coordinate
// without talking to each other.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/peerctl/internal/auth"
	"github.com/danmuck/peerctl/internal/bridge"
	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/proc"
	"github.com/danmuck/peerctl/internal/protocol/session"
	"github.com/danmuck/peerctl/internal/readiness"
	"github.com/danmuck/peerctl/internal/registry"
	"github.com/danmuck/peerctl/internal/storelock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStopWait = 2 * time.Second
	DefaultLogLines = 50
	maxLogLine      = 1 << 20
)

type Supervisor struct {
	cfg     config.Supervisor
	locks   *storelock.Registry
	peers   *registry.Registry
	spawner *proc.Spawner
	prober  *readiness.Prober
	session session.Config
	alive   func(int) bool
	selfPID int
}

// New resolves the state and store directories to absolute paths so peers
// and later invocations agree on them regardless of working directory.
func New(cfg config.Supervisor) *Supervisor {
	if abs, err := filepath.Abs(cfg.StateDir); err == nil {
		cfg.StateDir = abs
	}
	if cfg.StoresDir != "" {
		if abs, err := filepath.Abs(cfg.StoresDir); err == nil {
			cfg.StoresDir = abs
		}
	}
	sess := session.Config{
		Backoff: session.BackoffConfig{
			InitialDelay: time.Duration(cfg.ReadyInitialMS) * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Duration(cfg.ReadyMaxMS) * time.Millisecond,
		},
	}.WithDefaults()
	prober := readiness.NewProber(sess)
	return &Supervisor{
		cfg:     cfg,
		locks:   storelock.New(cfg.LocksDir()),
		peers:   registry.New(cfg.PeersDir()),
		spawner: proc.NewSpawner(),
		prober:  prober,
		session: sess,
		alive:   proc.Alive,
		selfPID: os.Getpid(),
	}
}

func (s *Supervisor) Config() config.Supervisor {
	return s.cfg
}

type StartRequest struct {
	Peer config.PeerConfig
}

// Start launches a peer and returns once its control channel answers info
// for the configured store.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	peer := req.Peer
	if peer.SCHost == "" {
		peer.SCHost = s.cfg.SCHost
	}
	peer = peer.WithDefaults()
	if err := peer.Validate(); err != nil {
		return StartResult{}, &ConfigError{Err: err}
	}
	logger := log.With().Str("name", peer.Name).Str("store", peer.Store).Logger()

	var out StartResult
	err := s.peers.WithName(peer.Name, func() error {
		var err error
		out, err = s.start(ctx, logger, peer)
		return err
	})
	return out, err
}

// start runs under the per-name guard, so two starts of one name never both
// pass the registry check.
func (s *Supervisor) start(ctx context.Context, logger zerolog.Logger, peer config.PeerConfig) (StartResult, error) {
	existing, err := s.peers.Get(peer.Name)
	switch {
	case err == nil:
		if existing.State.Live() && s.alive(existing.PID) {
			if existing.Store != peer.Store {
				return StartResult{}, &ConfigError{
					Err: fmt.Errorf("peer %q is running with store %q", peer.Name, existing.Store),
				}
			}
			if existing.State != registry.StateRunning && existing.LastError != "" {
				return StartResult{}, &UnhealthyError{
					Name:      existing.Name,
					PID:       existing.PID,
					State:     existing.State,
					LastError: existing.LastError,
				}
			}
			logger.Info().Int("pid", existing.PID).Msg("supervisor.start.already_running")
			return startResult(TypeAlreadyRunning, existing), nil
		}
	case errors.Is(err, registry.ErrInvalidRecord):
		logger.Warn().Err(err).Msg("supervisor.start.replace_record")
	case !errors.Is(err, registry.ErrNotFound):
		return StartResult{}, err
	}

	if _, err := s.locks.Acquire(peer.Store, peer.Name, s.selfPID); err != nil {
		var held *storelock.AlreadyRunningError
		if errors.As(err, &held) {
			return StartResult{}, &AlreadyRunningError{Store: held.Store, PID: held.PID, Name: held.Name}
		}
		return StartResult{}, fmt.Errorf("supervisor: lock store %q: %w", peer.Store, err)
	}

	logPath := peer.LogPath
	if logPath == "" {
		logPath = s.peers.LogPath(peer.Name)
	}
	instanceID := uuid.NewString()
	env := append(append([]string{}, s.cfg.PeerEnv...), config.InstanceEnv+"="+instanceID)
	spawned, err := s.spawner.Spawn(proc.SpawnRequest{
		Command:   s.cfg.PeerCommand,
		Args:      peer.Args(s.cfg.StoresDir),
		Env:       env,
		LogPath:   logPath,
		TokenPath: s.peers.TokenPath(peer.Name),
	})
	if err != nil {
		if relErr := s.locks.Release(peer.Store, s.selfPID); relErr != nil {
			logger.Warn().Err(relErr).Msg("supervisor.start.release")
		}
		return StartResult{}, &SpawnError{Name: peer.Name, Err: err}
	}
	logger = logger.With().Int("pid", spawned.PID).Logger()

	rec := registry.Record{
		Name:       peer.Name,
		Store:      peer.Store,
		PID:        spawned.PID,
		InstanceID: instanceID,
		State:      registry.StateStarting,
		Config:     peer,
		LogPath:    spawned.LogPath,
		Endpoint:   peer.BridgeURL(),
		TokenPath:  spawned.TokenPath,
		StartedAt:  spawned.StartedAt,
	}
	if err := s.locks.Rebind(peer.Store, s.selfPID, spawned.PID); err != nil {
		s.abandon(logger, rec)
		return StartResult{}, fmt.Errorf("supervisor: hand lock to pid %d: %w", spawned.PID, err)
	}
	if err := s.peers.Upsert(rec); err != nil {
		s.abandon(logger, rec)
		return StartResult{}, err
	}
	logger.Info().Str("endpoint", rec.Endpoint).Dur("ready_timeout", peer.ReadyTimeout()).Msg("supervisor.start.spawned")

	res, err := s.prober.WaitReady(ctx, readiness.Target{
		Endpoint: rec.Endpoint,
		Token:    spawned.Token,
		PID:      spawned.PID,
		Store:    peer.Store,
	}, peer.ReadyTimeout())
	if err != nil {
		return StartResult{}, s.startFailed(logger, rec, peer.ReadyTimeout(), err)
	}

	rec.State = registry.StateReady
	if err := s.peers.Upsert(rec); err != nil {
		return StartResult{}, err
	}
	if res.Info.InstanceID != "" && res.Info.InstanceID != instanceID {
		logger.Warn().Str("reported", res.Info.InstanceID).Msg("supervisor.start.instance_mismatch")
	}
	if err := readiness.VerifyStore(res.Info.PeerStore, peer.Store, s.cfg.VerifyStore); err != nil {
		rec.LastError = err.Error()
		if upErr := s.peers.Upsert(rec); upErr != nil {
			logger.Warn().Err(upErr).Msg("supervisor.start.record")
		}
		return StartResult{}, fmt.Errorf("supervisor: verify %s: %w", peer.Name, err)
	}

	rec.State = registry.StateRunning
	if err := s.peers.Upsert(rec); err != nil {
		return StartResult{}, err
	}
	logger.Info().Int("attempts", res.Attempts).Dur("elapsed", res.Elapsed).Msg("supervisor.start.running")
	out := startResult(TypeStarted, rec)
	out.ReadyAttempts = res.Attempts
	out.ReadyMS = res.Elapsed.Milliseconds()
	return out, nil
}

func (s *Supervisor) startFailed(logger zerolog.Logger, rec registry.Record, timeout time.Duration, err error) error {
	rec.LastError = err.Error()
	switch {
	case errors.Is(err, readiness.ErrCrashed):
		now := time.Now().UTC()
		rec.State = registry.StateCrashed
		rec.StoppedAt = &now
		s.cleanup(logger, rec)
		s.persist(logger, rec)
		logger.Error().Err(err).Str("log", rec.LogPath).Msg("supervisor.start.crashed")
		return &CrashedError{Name: rec.Name, PID: rec.PID, Log: rec.LogPath, Err: err}
	case errors.Is(err, readiness.ErrReadinessTimeout):
		s.persist(logger, rec)
		logger.Warn().Err(err).Msg("supervisor.start.timeout")
		return &ReadinessTimeoutError{Name: rec.Name, PID: rec.PID, Endpoint: rec.Endpoint, Timeout: timeout, Err: err}
	case errors.Is(err, bridge.ErrAuth):
		s.persist(logger, rec)
		logger.Error().Err(err).Msg("supervisor.start.auth")
		return &AuthError{Name: rec.Name, Endpoint: rec.Endpoint, Err: err}
	default:
		s.persist(logger, rec)
		logger.Error().Err(err).Msg("supervisor.start.probe")
		return fmt.Errorf("supervisor: probe %s: %w", rec.Name, err)
	}
}

// abandon undoes a spawn whose bookkeeping failed. The store stays locked
// until the process is gone; a peer that ignores the signal keeps its lock
// and is reclaimed as stale once it dies.
func (s *Supervisor) abandon(logger zerolog.Logger, rec registry.Record) {
	if err := proc.Signal(rec.PID, proc.DefaultSignal); err != nil && !errors.Is(err, proc.ErrProcessGone) {
		logger.Warn().Err(err).Msg("supervisor.abandon.signal")
	}
	if !proc.WaitExit(context.Background(), rec.PID, DefaultStopWait, s.cfg.StopPoll()) {
		logger.Warn().Dur("wait", DefaultStopWait).Msg("supervisor.abandon.still_alive")
		return
	}
	s.cleanup(logger, rec)
	if err := s.locks.Release(rec.Store, s.selfPID); err != nil {
		logger.Warn().Err(err).Msg("supervisor.abandon.release")
	}
}

// cleanup drops the lock held by rec's pid and the token file.
func (s *Supervisor) cleanup(logger zerolog.Logger, rec registry.Record) {
	if err := s.locks.Release(rec.Store, rec.PID); err != nil {
		logger.Warn().Err(err).Msg("supervisor.cleanup.release")
	}
	if rec.TokenPath != "" {
		if err := os.Remove(rec.TokenPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Err(err).Msg("supervisor.cleanup.token")
		}
	}
}

func (s *Supervisor) persist(logger zerolog.Logger, rec registry.Record) {
	if err := s.peers.Upsert(rec); err != nil {
		logger.Warn().Err(err).Str("state", string(rec.State)).Msg("supervisor.record")
	}
}

type StopRequest struct {
	Name string
	// Signal defaults to SIGTERM.
	Signal string
	// Wait defaults to DefaultStopWait.
	Wait time.Duration
}

// Stop signals a peer and waits for it to exit. A peer that outlives Wait is
// reported with OK false alongside a StopTimeoutError.
func (s *Supervisor) Stop(ctx context.Context, req StopRequest) (StopResult, error) {
	sig, err := proc.ParseSignal(req.Signal)
	if err != nil {
		return StopResult{}, &ConfigError{Err: err}
	}
	wait := req.Wait
	if wait <= 0 {
		wait = DefaultStopWait
	}
	if _, err := s.record(req.Name); err != nil {
		return StopResult{}, err
	}
	var out StopResult
	err = s.peers.WithName(req.Name, func() error {
		var err error
		out, err = s.stop(ctx, req.Name, sig, wait)
		return err
	})
	return out, err
}

func (s *Supervisor) stop(ctx context.Context, name string, sig syscall.Signal, wait time.Duration) (StopResult, error) {
	rec, err := s.record(name)
	if err != nil {
		return StopResult{}, err
	}
	logger := log.With().Str("name", rec.Name).Str("store", rec.Store).Int("pid", rec.PID).Logger()
	out := StopResult{
		Type:   TypeStopped,
		Name:   rec.Name,
		Store:  rec.Store,
		PID:    rec.PID,
		Signal: proc.SignalName(sig),
	}

	if !rec.State.Live() || !s.alive(rec.PID) {
		s.cleanup(logger, rec)
		if rec.State != registry.StateStopped {
			now := time.Now().UTC()
			rec.State = registry.StateStopped
			rec.StoppedAt = &now
			s.persist(logger, rec)
		}
		logger.Info().Msg("supervisor.stop.already_stopped")
		out.OK = true
		out.AlreadyStopped = true
		out.State = registry.StateStopped
		out.StoppedAt = rec.StoppedAt
		return out, nil
	}

	rec.State = registry.StateStopping
	if err := s.peers.Upsert(rec); err != nil {
		return StopResult{}, err
	}
	exited := false
	if err := proc.Signal(rec.PID, sig); err != nil {
		if !errors.Is(err, proc.ErrProcessGone) {
			return StopResult{}, fmt.Errorf("supervisor: stop %s: %w", rec.Name, err)
		}
		exited = true
	}
	logger.Info().Str("signal", out.Signal).Dur("wait", wait).Msg("supervisor.stop.signaled")
	if !exited {
		exited = proc.WaitExit(ctx, rec.PID, wait, s.cfg.StopPoll())
	}
	if !exited {
		terr := &StopTimeoutError{Name: rec.Name, PID: rec.PID, Signal: out.Signal, Wait: wait}
		logger.Warn().Err(terr).Msg("supervisor.stop.timeout")
		out.State = registry.StateStopping
		out.Error = terr.Error()
		return out, terr
	}

	now := time.Now().UTC()
	rec.State = registry.StateStopped
	rec.StoppedAt = &now
	rec.ExitSignal = out.Signal
	s.cleanup(logger, rec)
	if err := s.peers.Upsert(rec); err != nil {
		return StopResult{}, err
	}
	logger.Info().Msg("supervisor.stop.stopped")
	out.OK = true
	out.State = registry.StateStopped
	out.StoppedAt = rec.StoppedAt
	return out, nil
}

type RestartRequest struct {
	Name string
	// Signal stops the old process and defaults to SIGTERM.
	Signal string
	Wait   time.Duration
	// ReadyTimeout overrides the recorded one when positive.
	ReadyTimeout time.Duration
}

// Restart stops the peer and starts it again from its recorded
// configuration. A failed stop aborts before anything is spawned.
func (s *Supervisor) Restart(ctx context.Context, req RestartRequest) (RestartResult, error) {
	rec, err := s.record(req.Name)
	if err != nil {
		return RestartResult{}, err
	}
	out := RestartResult{Type: TypeRestarted}
	out.Stop, err = s.Stop(ctx, StopRequest{Name: rec.Name, Signal: req.Signal, Wait: req.Wait})
	if err != nil {
		return out, err
	}
	peer := rec.Config
	if req.ReadyTimeout > 0 {
		peer.ReadyTimeoutMS = req.ReadyTimeout.Milliseconds()
	}
	out.Start, err = s.Start(ctx, StartRequest{Peer: peer})
	if err != nil {
		return out, err
	}
	return out, nil
}

// Status reports one peer, or every peer when name is empty. It never
// writes.
func (s *Supervisor) Status(name string) (StatusResult, error) {
	var recs []registry.Record
	if name != "" {
		rec, err := s.record(name)
		if err != nil {
			return StatusResult{}, err
		}
		recs = []registry.Record{rec}
	} else {
		var err error
		if recs, err = s.peers.List(); err != nil {
			return StatusResult{}, err
		}
	}
	out := StatusResult{Type: TypeStatus, Peers: make([]PeerStatus, 0, len(recs))}
	for _, rec := range recs {
		out.Peers = append(out.Peers, s.peerStatus(rec))
	}
	return out, nil
}

func (s *Supervisor) peerStatus(rec registry.Record) PeerStatus {
	alive := rec.State.Live() && rec.PID > 0 && s.alive(rec.PID)
	return PeerStatus{
		Name:          rec.Name,
		Store:         rec.Store,
		PID:           rec.PID,
		InstanceID:    rec.InstanceID,
		Alive:         alive,
		State:         EffectiveState(rec.State, alive),
		RecordedState: rec.State,
		Log:           rec.LogPath,
		SCBridge:      SCBridge{URL: rec.Endpoint, TokenFile: rec.TokenPath},
		StartedAt:     rec.StartedAt,
		UpdatedAt:     rec.UpdatedAt,
		StoppedAt:     rec.StoppedAt,
		LastError:     rec.LastError,
	}
}

// Info asks a running peer for its info over the control channel using the
// token file written at start.
func (s *Supervisor) Info(ctx context.Context, name string) (InfoResult, error) {
	rec, err := s.record(name)
	if err != nil {
		return InfoResult{}, err
	}
	if !rec.State.Live() || !s.alive(rec.PID) {
		return InfoResult{}, fmt.Errorf("%w: %s", ErrNotRunning, name)
	}
	token, err := auth.ReadTokenFile(rec.TokenPath)
	if err != nil {
		return InfoResult{}, &AuthError{Name: name, Endpoint: rec.Endpoint, Err: err}
	}
	c, err := bridge.Dial(ctx, rec.Endpoint, token, s.session)
	if err != nil {
		if errors.Is(err, bridge.ErrAuth) {
			return InfoResult{}, &AuthError{Name: name, Endpoint: rec.Endpoint, Err: err}
		}
		return InfoResult{}, fmt.Errorf("supervisor: dial %s: %w", name, err)
	}
	defer c.Close()
	info, err := c.Info(ctx)
	if err != nil {
		return InfoResult{}, fmt.Errorf("supervisor: info %s: %w", name, err)
	}
	return InfoResult{Type: TypeInfo, Name: name, Info: info}, nil
}

// Logs returns the last lines of a peer's log. A log that does not exist
// yet yields no lines.
func (s *Supervisor) Logs(name string, lines int) (LogsResult, error) {
	rec, err := s.record(name)
	if err != nil {
		return LogsResult{}, err
	}
	if lines <= 0 {
		lines = DefaultLogLines
	}
	tail, err := tailFile(rec.LogPath, lines)
	if err != nil {
		return LogsResult{}, fmt.Errorf("supervisor: read log %s: %w", rec.LogPath, err)
	}
	return LogsResult{Type: TypeLogs, Name: name, Log: rec.LogPath, Lines: tail}, nil
}

func (s *Supervisor) record(name string) (registry.Record, error) {
	if err := config.ValidateID("name", name); err != nil {
		return registry.Record{}, &ConfigError{Err: err}
	}
	rec, err := s.peers.Get(name)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Record{}, &NotFoundError{Name: name}
	}
	return rec, err
}

func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		ring[count%n] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if count <= n {
		return ring[:count], nil
	}
	start := count % n
	return append(ring[start:], ring[:start]...), nil
}
