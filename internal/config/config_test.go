package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/danmuck/peerctl/internal/testutil/testlog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSupervisorDefaultsWhenFileMissing(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadSupervisor(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultSupervisor().normalized()) {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PeersDir() != filepath.Join("onchain", "peers") {
		t.Fatalf("unexpected peers dir: %q", cfg.PeersDir())
	}
}

func TestLoadSupervisorFileThenEnv(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "peerctl.toml", `
state_dir = "/var/lib/peerctl"
peer_command = ["node", "peer.js"]
verify_store = "ADVISORY"
stop_poll_ms = 20
`)
	t.Setenv("PEERCTL_SC_HOST", "127.0.0.2")
	t.Setenv("PEERCTL_PEER_ENV", "A=1,B=2")

	cfg, err := LoadSupervisor(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != "/var/lib/peerctl" {
		t.Fatalf("unexpected state dir: %q", cfg.StateDir)
	}
	if !reflect.DeepEqual(cfg.PeerCommand, []string{"node", "peer.js"}) {
		t.Fatalf("unexpected peer command: %+v", cfg.PeerCommand)
	}
	if cfg.VerifyStore != VerifyStoreAdvisory {
		t.Fatalf("unexpected verify mode: %q", cfg.VerifyStore)
	}
	if cfg.StopPollMS != 20 {
		t.Fatalf("unexpected stop poll: %d", cfg.StopPollMS)
	}
	if cfg.SCHost != "127.0.0.2" {
		t.Fatalf("env override not applied: %q", cfg.SCHost)
	}
	if !reflect.DeepEqual(cfg.PeerEnv, []string{"A=1", "B=2"}) {
		t.Fatalf("unexpected peer env: %+v", cfg.PeerEnv)
	}
	if cfg.ReadyMaxMS != DefaultSupervisor().ReadyMaxMS {
		t.Fatalf("undefined key must keep default, got %d", cfg.ReadyMaxMS)
	}
}

func TestLoadSupervisorRejectsUnknownKeysAndBadValues(t *testing.T) {
	testlog.Start(t)
	unknown := writeFile(t, "unknown.toml", `stat_dir = "typo"`)
	if _, err := LoadSupervisor(unknown); err == nil || !strings.Contains(err.Error(), "stat_dir") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	badMode := writeFile(t, "mode.toml", `verify_store = "maybe"`)
	if _, err := LoadSupervisor(badMode); !errors.Is(err, ErrInvalidSupervisorConfig) {
		t.Fatalf("expected ErrInvalidSupervisorConfig, got %v", err)
	}
	badEnv := writeFile(t, "env.toml", `peer_env = ["NOEQUALS"]`)
	if _, err := LoadSupervisor(badEnv); !errors.Is(err, ErrInvalidSupervisorConfig) {
		t.Fatalf("expected ErrInvalidSupervisorConfig, got %v", err)
	}
}

func TestTemplatesValidate(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"peerctl", "peerd"} {
		t.Run(kind, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), kind+".toml")
			if err := WriteTemplate(path, kind, false); err != nil {
				t.Fatalf("write template: %v", err)
			}
			if err := WriteTemplate(path, kind, false); err == nil {
				t.Fatalf("expected refusal to overwrite")
			}
			if err := ValidateFile(path, kind); err != nil {
				t.Fatalf("template does not validate: %v", err)
			}
		})
	}
	if _, err := Template("unknown"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadNode(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "peerd.toml", `
stores_dir = "/srv/stores"
metrics = false
cors_origins = [" http://a ", ""]
`)
	cfg, err := LoadNode(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoresDir != "/srv/stores" || cfg.Metrics {
		t.Fatalf("unexpected node config: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"http://a"}) {
		t.Fatalf("unexpected origins: %+v", cfg.CORSOrigins)
	}
	cfg.Peer.Store = "alpha"
	cfg.Peer.SCPort = 9001
	if err := ValidateNode(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.StorePath() != filepath.Join("/srv/stores", "alpha") {
		t.Fatalf("unexpected store path: %q", cfg.StorePath())
	}
}
