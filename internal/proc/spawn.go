package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/peerctl/internal/auth"
	"github.com/danmuck/peerctl/internal/config"
	"github.com/rs/zerolog/log"
)

var ErrSpawn = errors.New("proc: spawn failed")

// SpawnError reports which step of a spawn failed.
type SpawnError struct {
	Op  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Op, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

type SpawnRequest struct {
	// Command is the executable followed by any fixed leading arguments.
	Command []string
	Args    []string
	// Env is appended to the supervisor's environment.
	Env       []string
	Dir       string
	LogPath   string
	TokenPath string
}

type Spawned struct {
	PID       int
	LogPath   string
	TokenPath string
	Token     string
	StartedAt time.Time
}

// Spawner launches peers in their own session so they outlive the
// invocation that started them.
type Spawner struct {
	// NewToken defaults to auth.GenerateToken.
	NewToken func() (string, error)
}

func NewSpawner() *Spawner {
	return &Spawner{NewToken: auth.GenerateToken}
}

func (s *Spawner) Spawn(req SpawnRequest) (Spawned, error) {
	if len(req.Command) == 0 || strings.TrimSpace(req.Command[0]) == "" {
		return Spawned{}, &SpawnError{Op: "command", Err: errors.New("empty peer command")}
	}
	if req.LogPath == "" || req.TokenPath == "" {
		return Spawned{}, &SpawnError{Op: "paths", Err: errors.New("log and token paths required")}
	}
	for _, dir := range []string{filepath.Dir(req.LogPath), filepath.Dir(req.TokenPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Spawned{}, &SpawnError{Op: "mkdir", Err: err}
		}
	}

	newToken := s.NewToken
	if newToken == nil {
		newToken = auth.GenerateToken
	}
	token, err := newToken()
	if err != nil {
		return Spawned{}, &SpawnError{Op: "token", Err: err}
	}
	if err := auth.WriteTokenFile(req.TokenPath, token); err != nil {
		return Spawned{}, &SpawnError{Op: "token", Err: err}
	}

	logFile, err := os.OpenFile(req.LogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		_ = os.Remove(req.TokenPath)
		return Spawned{}, &SpawnError{Op: "log", Err: err}
	}
	defer logFile.Close()
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		_ = os.Remove(req.TokenPath)
		return Spawned{}, &SpawnError{Op: "stdin", Err: err}
	}
	defer devNull.Close()

	args := append(append([]string{}, req.Command[1:]...), req.Args...)
	cmd := exec.Command(req.Command[0], args...)
	cmd.Dir = req.Dir
	cmd.Env = peerEnv(req.Env, token)
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = os.Remove(req.TokenPath)
		return Spawned{}, &SpawnError{Op: "start", Err: err}
	}
	pid := cmd.Process.Pid
	// Reap in the background so an early exit does not linger as a zombie
	// for the rest of this invocation.
	go func() {
		err := cmd.Wait()
		log.Debug().Int("pid", pid).Err(err).Msg("proc.reaped")
	}()

	log.Info().Int("pid", pid).Str("command", req.Command[0]).Str("log", req.LogPath).Msg("proc.spawn")
	return Spawned{
		PID:       pid,
		LogPath:   req.LogPath,
		TokenPath: req.TokenPath,
		Token:     token,
		StartedAt: time.Now().UTC(),
	}, nil
}

// peerEnv drops any inherited token so each instance only sees its own.
func peerEnv(extra []string, token string) []string {
	prefix := config.TokenEnv + "="
	env := make([]string, 0, len(os.Environ())+len(extra)+1)
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			env = append(env, kv)
		}
	}
	for _, kv := range extra {
		if !strings.HasPrefix(kv, prefix) {
			env = append(env, kv)
		}
	}
	return append(env, prefix+token)
}
