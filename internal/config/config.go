package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix scopes every supervisor environment override.
const EnvPrefix = "PEERCTL_"

const (
	VerifyStoreStrict   = "strict"
	VerifyStoreAdvisory = "advisory"
)

var ErrInvalidSupervisorConfig = errors.New("config: invalid supervisor config")

// Supervisor holds host-level settings shared by every peerctl invocation.
type Supervisor struct {
	// StateDir holds peers/<name>/ and locks/.
	StateDir string `toml:"state_dir" env:"STATE_DIR"`
	// StoresDir is passed to the peer as the root of its identity stores.
	StoresDir string `toml:"stores_dir" env:"STORES_DIR"`
	// PeerCommand is the argv prefix used to launch a peer.
	PeerCommand []string `toml:"peer_command" env:"PEER_COMMAND" envSeparator:" "`
	// PeerEnv is appended to the inherited environment of every peer.
	PeerEnv        []string `toml:"peer_env" env:"PEER_ENV" envSeparator:","`
	SCHost         string   `toml:"sc_host" env:"SC_HOST"`
	VerifyStore    string   `toml:"verify_store" env:"VERIFY_STORE"`
	StopPollMS     int      `toml:"stop_poll_ms" env:"STOP_POLL_MS"`
	ReadyInitialMS int      `toml:"ready_initial_backoff_ms" env:"READY_INITIAL_BACKOFF_MS"`
	ReadyMaxMS     int      `toml:"ready_max_backoff_ms" env:"READY_MAX_BACKOFF_MS"`
}

// DefaultSupervisor keeps state under onchain/ relative to the working
// directory (onchain/peers/<name>, onchain/locks).
func DefaultSupervisor() Supervisor {
	return Supervisor{
		StateDir:       "onchain",
		StoresDir:      "stores",
		PeerCommand:    []string{"peerd"},
		SCHost:         DefaultSCHost,
		VerifyStore:    VerifyStoreStrict,
		StopPollMS:     50,
		ReadyInitialMS: 250,
		ReadyMaxMS:     2000,
	}
}

// supervisorFile is the peerctl.toml key mapping.
type supervisorFile struct {
	StateDir       string   `toml:"state_dir"`
	StoresDir      string   `toml:"stores_dir"`
	PeerCommand    []string `toml:"peer_command"`
	PeerEnv        []string `toml:"peer_env"`
	SCHost         string   `toml:"sc_host"`
	VerifyStore    string   `toml:"verify_store"`
	StopPollMS     int      `toml:"stop_poll_ms"`
	ReadyInitialMS int      `toml:"ready_initial_backoff_ms"`
	ReadyMaxMS     int      `toml:"ready_max_backoff_ms"`
}

// LoadSupervisor overlays an optional TOML file and then PEERCTL_* variables
// on the defaults. An empty path or a missing file means defaults only.
func LoadSupervisor(path string) (Supervisor, error) {
	cfg := DefaultSupervisor()
	if path = strings.TrimSpace(path); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := overlaySupervisorFile(path, &cfg); err != nil {
				return Supervisor{}, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Supervisor{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Supervisor{}, fmt.Errorf("parse env: %w", err)
	}
	cfg = cfg.normalized()
	if err := cfg.Validate(); err != nil {
		return Supervisor{}, err
	}
	return cfg, nil
}

func overlaySupervisorFile(path string, cfg *Supervisor) error {
	var raw supervisorFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	if meta.IsDefined("state_dir") {
		cfg.StateDir = raw.StateDir
	}
	if meta.IsDefined("stores_dir") {
		cfg.StoresDir = raw.StoresDir
	}
	if meta.IsDefined("peer_command") {
		cfg.PeerCommand = raw.PeerCommand
	}
	if meta.IsDefined("peer_env") {
		cfg.PeerEnv = raw.PeerEnv
	}
	if meta.IsDefined("sc_host") {
		cfg.SCHost = raw.SCHost
	}
	if meta.IsDefined("verify_store") {
		cfg.VerifyStore = raw.VerifyStore
	}
	if meta.IsDefined("stop_poll_ms") {
		cfg.StopPollMS = raw.StopPollMS
	}
	if meta.IsDefined("ready_initial_backoff_ms") {
		cfg.ReadyInitialMS = raw.ReadyInitialMS
	}
	if meta.IsDefined("ready_max_backoff_ms") {
		cfg.ReadyMaxMS = raw.ReadyMaxMS
	}
	return nil
}

func (c Supervisor) normalized() Supervisor {
	c.StateDir = strings.TrimSpace(c.StateDir)
	c.StoresDir = strings.TrimSpace(c.StoresDir)
	c.SCHost = strings.TrimSpace(c.SCHost)
	c.VerifyStore = strings.ToLower(strings.TrimSpace(c.VerifyStore))
	c.PeerCommand = normalizeList(c.PeerCommand)
	c.PeerEnv = normalizeList(c.PeerEnv)
	return c
}

func (c Supervisor) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("%w: state_dir required", ErrInvalidSupervisorConfig)
	}
	if len(c.PeerCommand) == 0 {
		return fmt.Errorf("%w: peer_command required", ErrInvalidSupervisorConfig)
	}
	if c.SCHost == "" {
		return fmt.Errorf("%w: sc_host required", ErrInvalidSupervisorConfig)
	}
	switch c.VerifyStore {
	case VerifyStoreStrict, VerifyStoreAdvisory:
	default:
		return fmt.Errorf("%w: verify_store %q (expected strict|advisory)", ErrInvalidSupervisorConfig, c.VerifyStore)
	}
	for i, kv := range c.PeerEnv {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("%w: peer_env[%d] %q must be KEY=VALUE", ErrInvalidSupervisorConfig, i, kv)
		}
	}
	if c.StopPollMS <= 0 || c.ReadyInitialMS <= 0 || c.ReadyMaxMS < c.ReadyInitialMS {
		return fmt.Errorf("%w: poll/backoff intervals must be positive and max >= initial", ErrInvalidSupervisorConfig)
	}
	return nil
}

func (c Supervisor) StopPoll() time.Duration {
	return time.Duration(c.StopPollMS) * time.Millisecond
}

func (c Supervisor) PeersDir() string {
	return filepath.Join(c.StateDir, "peers")
}

func (c Supervisor) LocksDir() string {
	return filepath.Join(c.StateDir, "locks")
}
