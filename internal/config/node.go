package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// TokenEnv carries the control-channel token into a peer process.
	TokenEnv = "PEER_SC_BRIDGE_TOKEN"
	// InstanceEnv carries the supervisor-assigned instance id.
	InstanceEnv = "PEER_INSTANCE_ID"
)

var ErrInvalidNodeConfig = errors.New("config: invalid node config")

// Node configures the reference peer daemon.
type Node struct {
	Peer        PeerConfig
	StoresDir   string
	CORSOrigins []string
	Metrics     bool
	// InstanceID is generated when empty.
	InstanceID string
}

func DefaultNode() Node {
	return Node{
		Peer:        PeerConfig{SCHost: DefaultSCHost},
		StoresDir:   "stores",
		CORSOrigins: []string{"http://localhost:3000"},
		Metrics:     true,
	}
}

type nodeFile struct {
	StoresDir   string   `toml:"stores_dir"`
	Host        string   `toml:"sc_bridge_host"`
	CORSOrigins []string `toml:"cors_origins"`
	Metrics     bool     `toml:"metrics"`
}

// LoadNode overlays a peerd.toml file on the defaults.
func LoadNode(path string) (Node, error) {
	cfg := DefaultNode()
	var raw nodeFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Node{}, fmt.Errorf("load node config: %w", err)
	}
	if meta.IsDefined("stores_dir") {
		cfg.StoresDir = strings.TrimSpace(raw.StoresDir)
	}
	if meta.IsDefined("sc_bridge_host") {
		cfg.Peer.SCHost = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	return cfg, nil
}

// ValidateNode checks the subset of the peer config a daemon needs to serve.
func ValidateNode(cfg Node) error {
	if err := ValidateID("peer_store_name", cfg.Peer.Store); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNodeConfig, err)
	}
	if strings.TrimSpace(cfg.StoresDir) == "" {
		return fmt.Errorf("%w: stores_dir required", ErrInvalidNodeConfig)
	}
	if cfg.Peer.SCPort <= 0 || cfg.Peer.SCPort > 65535 {
		return fmt.Errorf("%w: sc_bridge_port %d out of range", ErrInvalidNodeConfig, cfg.Peer.SCPort)
	}
	return nil
}

// StorePath is the identity store directory the daemon binds.
func (n Node) StorePath() string {
	return filepath.Join(n.StoresDir, n.Peer.Store)
}
