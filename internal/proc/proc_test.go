package proc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/peerctl/internal/testutil/testlog"
	"golang.org/x/sys/unix"
)

func TestParseSignal(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		in   string
		want syscall.Signal
	}{
		{in: "", want: unix.SIGTERM},
		{in: "SIGTERM", want: unix.SIGTERM},
		{in: "TERM", want: unix.SIGTERM},
		{in: "sigint", want: unix.SIGINT},
		{in: " SIGKILL ", want: unix.SIGKILL},
		{in: "hup", want: unix.SIGHUP},
		{in: "SIGQUIT", want: unix.SIGQUIT},
		{in: "SIGUSR1", want: unix.SIGUSR1},
		{in: "usr2", want: unix.SIGUSR2},
	}
	for _, tc := range tests {
		got, err := ParseSignal(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseSignal(%q) got=(%v,%v) want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseSignal("SIGBOGUS"); !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("expected ErrUnknownSignal, got %v", err)
	}
	if SignalName(unix.SIGINT) != "SIGINT" {
		t.Fatalf("unexpected signal name: %q", SignalName(unix.SIGINT))
	}
}

func TestAliveSelfAndInvalid(t *testing.T) {
	testlog.Start(t)
	if !Alive(os.Getpid()) {
		t.Fatalf("own pid must be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatalf("non-positive pid must not be alive")
	}
}

func spawnShell(t *testing.T, script string) Spawned {
	t.Helper()
	dir := t.TempDir()
	sp := NewSpawner()
	out, err := sp.Spawn(SpawnRequest{
		Command:   []string{"/bin/sh", "-c", script},
		Env:       []string{"PEER_EXTRA=1"},
		LogPath:   filepath.Join(dir, "peer.log"),
		TokenPath: filepath.Join(dir, "sc-bridge.token"),
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return out
}

func TestSpawnDetachedWithTokenInEnvOnly(t *testing.T) {
	testlog.Start(t)
	out := spawnShell(t, `echo "len=${#PEER_SC_BRIDGE_TOKEN} extra=$PEER_EXTRA"; exec sleep 30`)
	t.Cleanup(func() { _ = Signal(out.PID, unix.SIGKILL) })

	if len(out.Token) != 64 {
		t.Fatalf("unexpected token length: %d", len(out.Token))
	}
	info, err := os.Stat(out.TokenPath)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v", info.Mode().Perm())
	}
	if !Alive(out.PID) {
		t.Fatalf("spawned pid not alive")
	}
	if sid, err := unix.Getsid(out.PID); err != nil || sid != out.PID {
		t.Fatalf("peer must lead its own session: sid=%d err=%v", sid, err)
	}

	cmdline, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(out.PID), "cmdline"))
	if err == nil && strings.Contains(string(cmdline), out.Token) {
		t.Fatalf("token leaked into argv")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(out.LogPath)
		if strings.Contains(string(data), "len=64 extra=1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never received child output: %q", data)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := Signal(out.PID, unix.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if !WaitExit(context.Background(), out.PID, 5*time.Second, 20*time.Millisecond) {
		t.Fatalf("child did not exit after SIGTERM")
	}
	// the reaper may still be collecting the zombie
	deadline = time.Now().Add(2 * time.Second)
	for {
		err := Signal(out.PID, unix.SIGTERM)
		if errors.Is(err, ErrProcessGone) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ErrProcessGone, got %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWaitExitTimesOutWithoutEscalation(t *testing.T) {
	testlog.Start(t)
	out := spawnShell(t, `exec sleep 30`)
	t.Cleanup(func() { _ = Signal(out.PID, unix.SIGKILL) })

	if WaitExit(context.Background(), out.PID, 100*time.Millisecond, 20*time.Millisecond) {
		t.Fatalf("expected timeout")
	}
	if !Alive(out.PID) {
		t.Fatalf("wait must never kill the process")
	}
}

func TestSpawnErrors(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	sp := NewSpawner()
	tokenPath := filepath.Join(dir, "tok")
	_, err := sp.Spawn(SpawnRequest{
		Command:   []string{filepath.Join(dir, "missing-binary")},
		LogPath:   filepath.Join(dir, "peer.log"),
		TokenPath: tokenPath,
	})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) || spawnErr.Op != "start" || !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected start SpawnError, got %v", err)
	}
	if _, statErr := os.Stat(tokenPath); !os.IsNotExist(statErr) {
		t.Fatalf("token file must be removed after failed spawn: %v", statErr)
	}
	if _, err := sp.Spawn(SpawnRequest{}); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected SpawnError for empty command, got %v", err)
	}
}
