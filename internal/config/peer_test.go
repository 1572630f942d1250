package config

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

func validPeer() PeerConfig {
	return PeerConfig{Name: "p1", Store: "s1", SCPort: 9001}.WithDefaults()
}

func TestPeerConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := PeerConfig{
		Name:         " p1 ",
		Store:        "s1",
		SCPort:       9001,
		DHTBootstrap: []string{" 127.0.0.1:49737 ", ""},
	}.WithDefaults()
	if cfg.Name != "p1" || cfg.SCHost != DefaultSCHost {
		t.Fatalf("unexpected normalized config: %+v", cfg)
	}
	if cfg.ReadyTimeout() != 15*time.Second {
		t.Fatalf("unexpected ready timeout: %v", cfg.ReadyTimeout())
	}
	if !reflect.DeepEqual(cfg.Sidechannel.InvitePrefixes, []string{"swap:"}) {
		t.Fatalf("unexpected invite prefixes: %+v", cfg.Sidechannel.InvitePrefixes)
	}
	if !reflect.DeepEqual(cfg.DHTBootstrap, []string{"127.0.0.1:49737"}) {
		t.Fatalf("unexpected bootstrap: %+v", cfg.DHTBootstrap)
	}
	if !strings.Contains(cfg.BridgeURL(), "9001") {
		t.Fatalf("unexpected bridge url: %q", cfg.BridgeURL())
	}

	explicit := PeerConfig{Name: "p1", Store: "s1", SCPort: 1, Sidechannel: SidechannelSettings{InvitePrefixes: []string{}}}.WithDefaults()
	if len(explicit.Sidechannel.InvitePrefixes) != 0 {
		t.Fatalf("explicit empty prefixes must stay empty: %+v", explicit.Sidechannel.InvitePrefixes)
	}
}

func TestPeerConfigValidate(t *testing.T) {
	testlog.Start(t)
	badDifficulty := 40
	tests := []struct {
		name   string
		mutate func(*PeerConfig)
	}{
		{name: "missing name", mutate: func(c *PeerConfig) { c.Name = "" }},
		{name: "path in store", mutate: func(c *PeerConfig) { c.Store = "../etc" }},
		{name: "slash in name", mutate: func(c *PeerConfig) { c.Name = "a/b" }},
		{name: "port zero", mutate: func(c *PeerConfig) { c.SCPort = 0 }},
		{name: "port too large", mutate: func(c *PeerConfig) { c.SCPort = 70000 }},
		{name: "difficulty", mutate: func(c *PeerConfig) { c.Sidechannel.PowDifficulty = &badDifficulty }},
		{name: "inviter key", mutate: func(c *PeerConfig) { c.Sidechannel.InviterKeys = []string{"zz"} }},
		{name: "bootstrap", mutate: func(c *PeerConfig) { c.DHTBootstrap = []string{"localhost"} }},
		{name: "msb bootstrap port", mutate: func(c *PeerConfig) { c.MSBDHTBootstrap = []string{"h:0"} }},
		{name: "ready timeout", mutate: func(c *PeerConfig) { c.ReadyTimeoutMS = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validPeer()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidPeerConfig) {
				t.Fatalf("expected ErrInvalidPeerConfig, got %v", err)
			}
		})
	}
	if err := validPeer().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestPeerConfigArgsNeverCarryTokenAndKeepTriState(t *testing.T) {
	testlog.Start(t)
	off := false
	difficulty := 12
	cfg := validPeer()
	cfg.Sidechannel.Channels = []string{"rfq-1", "rfq-2"}
	cfg.Sidechannel.PowEnabled = &off
	cfg.Sidechannel.PowDifficulty = &difficulty
	cfg.SubnetChannel = "subnet-a"

	args := strings.Join(cfg.Args("/stores"), " ")
	for _, want := range []string{
		"--peer-store-name s1",
		"--sc-bridge-port 9001",
		"--stores-dir /stores",
		"--sidechannels rfq-1,rfq-2",
		"--sidechannel-pow 0",
		"--sidechannel-pow-difficulty 12",
		"--subnet-channel subnet-a",
		"--msb 0",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("args missing %q: %s", want, args)
		}
	}
	if strings.Contains(args, "welcome-required") {
		t.Fatalf("unset tri-state must not be rendered: %s", args)
	}
	if strings.Contains(strings.ToLower(args), "token") {
		t.Fatalf("token must never appear in argv: %s", args)
	}
}

func TestParseBoolAndCSV(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{"1", "true", "YES", "on"} {
		if v, err := ParseBool(raw); err != nil || !v {
			t.Fatalf("ParseBool(%q) got=(%v,%v)", raw, v, err)
		}
	}
	for _, raw := range []string{"0", "false", "no", "Off"} {
		if v, err := ParseBool(raw); err != nil || v {
			t.Fatalf("ParseBool(%q) got=(%v,%v)", raw, v, err)
		}
	}
	if _, err := ParseBool("maybe"); err == nil {
		t.Fatalf("expected error for invalid bool")
	}
	if got := SplitCSV(" a, ,b "); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected csv: %+v", got)
	}
	if got := SplitCSV(""); len(got) != 0 {
		t.Fatalf("expected empty csv, got %+v", got)
	}
}
