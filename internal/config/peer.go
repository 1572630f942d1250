package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSCHost         = "127.0.0.1"
	DefaultReadyTimeoutMS = 15_000
	DefaultInvitePrefix   = "swap:"
	MaxPowDifficulty      = 32
)

var ErrInvalidPeerConfig = errors.New("config: invalid peer config")

// SidechannelSettings configures the side-channel subsystem of one peer.
// Tri-state toggles are pointers: nil leaves the peer's own default in place.
type SidechannelSettings struct {
	Channels        []string `json:"channels,omitempty" toml:"channels"`
	InviterKeys     []string `json:"inviter_keys,omitempty" toml:"inviter_keys"`
	InvitePrefixes  []string `json:"invite_prefixes,omitempty" toml:"invite_prefixes"`
	PowEnabled      *bool    `json:"pow_enabled,omitempty" toml:"pow_enabled"`
	PowDifficulty   *int     `json:"pow_difficulty,omitempty" toml:"pow_difficulty"`
	WelcomeRequired *bool    `json:"welcome_required,omitempty" toml:"welcome_required"`
	InviteRequired  *bool    `json:"invite_required,omitempty" toml:"invite_required"`
}

// PeerConfig is the complete, validated set of options accepted by start.
// It is persisted as the config snapshot of a peer record and replayed on
// restart.
type PeerConfig struct {
	Name               string              `json:"name"`
	Store              string              `json:"store"`
	SCHost             string              `json:"sc_host"`
	SCPort             int                 `json:"sc_port"`
	Sidechannel        SidechannelSettings `json:"sidechannel"`
	MSBEnabled         bool                `json:"msb_enabled"`
	PriceOracleEnabled bool                `json:"price_oracle_enabled"`
	SubnetChannel      string              `json:"subnet_channel,omitempty"`
	DHTBootstrap       []string            `json:"dht_bootstrap,omitempty"`
	MSBDHTBootstrap    []string            `json:"msb_dht_bootstrap,omitempty"`
	LogPath            string              `json:"log_path,omitempty"`
	ReadyTimeoutMS     int64               `json:"ready_timeout_ms"`
}

// WithDefaults fills unset optional fields.
func (c PeerConfig) WithDefaults() PeerConfig {
	c.Name = strings.TrimSpace(c.Name)
	c.Store = strings.TrimSpace(c.Store)
	c.SCHost = strings.TrimSpace(c.SCHost)
	if c.SCHost == "" {
		c.SCHost = DefaultSCHost
	}
	if c.ReadyTimeoutMS <= 0 {
		c.ReadyTimeoutMS = DefaultReadyTimeoutMS
	}
	if c.Sidechannel.InvitePrefixes == nil {
		c.Sidechannel.InvitePrefixes = []string{DefaultInvitePrefix}
	}
	c.Sidechannel.Channels = normalizeList(c.Sidechannel.Channels)
	c.Sidechannel.InviterKeys = normalizeList(c.Sidechannel.InviterKeys)
	c.Sidechannel.InvitePrefixes = normalizeList(c.Sidechannel.InvitePrefixes)
	c.DHTBootstrap = normalizeList(c.DHTBootstrap)
	c.MSBDHTBootstrap = normalizeList(c.MSBDHTBootstrap)
	c.SubnetChannel = strings.TrimSpace(c.SubnetChannel)
	if c.LogPath = strings.TrimSpace(c.LogPath); c.LogPath != "" {
		c.LogPath = filepath.Clean(c.LogPath)
	}
	return c
}

// Validate checks every field once at the boundary. It never touches disk.
func (c PeerConfig) Validate() error {
	if err := ValidateID("name", c.Name); err != nil {
		return err
	}
	if err := ValidateID("store", c.Store); err != nil {
		return err
	}
	if strings.TrimSpace(c.SCHost) == "" {
		return fmt.Errorf("%w: sc_host required", ErrInvalidPeerConfig)
	}
	if c.SCPort <= 0 || c.SCPort > 65535 {
		return fmt.Errorf("%w: sc_port %d out of range", ErrInvalidPeerConfig, c.SCPort)
	}
	if c.ReadyTimeoutMS <= 0 {
		return fmt.Errorf("%w: ready_timeout_ms must be positive", ErrInvalidPeerConfig)
	}
	if d := c.Sidechannel.PowDifficulty; d != nil && (*d < 0 || *d > MaxPowDifficulty) {
		return fmt.Errorf("%w: pow_difficulty %d out of range 0..%d", ErrInvalidPeerConfig, *d, MaxPowDifficulty)
	}
	for i, key := range c.Sidechannel.InviterKeys {
		if !isHex(key) {
			return fmt.Errorf("%w: inviter_keys[%d] is not hex", ErrInvalidPeerConfig, i)
		}
	}
	for i, ch := range c.Sidechannel.Channels {
		if strings.ContainsAny(ch, " \t,") {
			return fmt.Errorf("%w: sidechannels[%d] %q contains separators", ErrInvalidPeerConfig, i, ch)
		}
	}
	if err := validateBootstrap("dht_bootstrap", c.DHTBootstrap); err != nil {
		return err
	}
	if err := validateBootstrap("msb_dht_bootstrap", c.MSBDHTBootstrap); err != nil {
		return err
	}
	return nil
}

// ReadyTimeout returns the readiness window as a duration.
func (c PeerConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutMS) * time.Millisecond
}

// BridgeURL is the control-channel endpoint the peer listens on.
func (c PeerConfig) BridgeURL() string {
	return "ws://" + net.JoinHostPort(c.SCHost, strconv.Itoa(c.SCPort))
}

// Args renders the peer command line. The control token is never part of it.
func (c PeerConfig) Args(storesDir string) []string {
	args := []string{
		"--name", c.Name,
		"--peer-store-name", c.Store,
		"--sc-bridge-host", c.SCHost,
		"--sc-bridge-port", strconv.Itoa(c.SCPort),
	}
	if storesDir != "" {
		args = append(args, "--stores-dir", storesDir)
	}
	args = appendCSV(args, "--sidechannels", c.Sidechannel.Channels)
	args = appendCSV(args, "--sidechannel-inviter-keys", c.Sidechannel.InviterKeys)
	args = appendCSV(args, "--sidechannel-invite-prefixes", c.Sidechannel.InvitePrefixes)
	args = appendBool(args, "--sidechannel-pow", c.Sidechannel.PowEnabled)
	if c.Sidechannel.PowDifficulty != nil {
		args = append(args, "--sidechannel-pow-difficulty", strconv.Itoa(*c.Sidechannel.PowDifficulty))
	}
	args = appendBool(args, "--sidechannel-welcome-required", c.Sidechannel.WelcomeRequired)
	args = appendBool(args, "--sidechannel-invite-required", c.Sidechannel.InviteRequired)
	args = append(args, "--msb", boolFlag(c.MSBEnabled), "--price-oracle", boolFlag(c.PriceOracleEnabled))
	if c.SubnetChannel != "" {
		args = append(args, "--subnet-channel", c.SubnetChannel)
	}
	args = appendCSV(args, "--dht-bootstrap", c.DHTBootstrap)
	args = appendCSV(args, "--msb-dht-bootstrap", c.MSBDHTBootstrap)
	return args
}

// ValidateID accepts [A-Za-z0-9._-] with no leading/trailing separator and no
// ".." so ids stay safe as directory names.
func ValidateID(field, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: %s required", ErrInvalidPeerConfig, field)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: %s too long", ErrInvalidPeerConfig, field)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: invalid %s %q", ErrInvalidPeerConfig, field, id)
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		isAlnum := ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9'
		isSep := ch == '.' || ch == '-' || ch == '_'
		if !(isAlnum || isSep) {
			return fmt.Errorf("%w: invalid %s %q", ErrInvalidPeerConfig, field, id)
		}
		if isSep && (i == 0 || i == len(id)-1) {
			return fmt.Errorf("%w: invalid %s %q", ErrInvalidPeerConfig, field, id)
		}
	}
	return nil
}

// ParseBool accepts 1|0|true|false|yes|no|on|off.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q (expected 0|1|true|false)", raw)
	}
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	return normalizeList(strings.Split(raw, ","))
}

func validateBootstrap(field string, entries []string) error {
	for i, entry := range entries {
		host, port, err := net.SplitHostPort(entry)
		if err != nil || strings.TrimSpace(host) == "" {
			return fmt.Errorf("%w: %s[%d] %q must be host:port", ErrInvalidPeerConfig, field, i, entry)
		}
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%w: %s[%d] %q has invalid port", ErrInvalidPeerConfig, field, i, entry)
		}
	}
	return nil
}

func normalizeList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func appendCSV(args []string, flag string, values []string) []string {
	if len(values) == 0 {
		return args
	}
	return append(args, flag, strings.Join(values, ","))
}

func appendBool(args []string, flag string, v *bool) []string {
	if v == nil {
		return args
	}
	return append(args, flag, boolFlag(*v))
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
