// Package readiness decides when a freshly spawned peer is serving its
// control channel.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/peerctl/internal/bridge"
	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/proc"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrReadinessTimeout = errors.New("readiness: timed out")
	ErrCrashed          = errors.New("readiness: process exited before ready")
	ErrProtocol         = errors.New("readiness: protocol error")
	ErrStoreMismatch    = errors.New("readiness: store mismatch")
)

// Target is the process being probed. PID 0 skips the crash check.
type Target struct {
	Endpoint string
	Token    string
	PID      int
	Store    string
}

type Result struct {
	Info     protocol.Info
	Attempts int
	Elapsed  time.Duration
}

// TimeoutError is returned when the deadline passes first. The process is
// left running.
type TimeoutError struct {
	Endpoint string
	Timeout  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("not ready after %s (%d attempts) at %s", e.Timeout, e.Attempts, e.Endpoint)
	}
	return fmt.Sprintf("not ready after %s (%d attempts) at %s: %v", e.Timeout, e.Attempts, e.Endpoint, e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

func (e *TimeoutError) Is(target error) bool { return target == ErrReadinessTimeout }

// Prober runs connect, authenticate and info attempts one at a time.
type Prober struct {
	Session session.Config
	Alive   func(int) bool
}

func NewProber(cfg session.Config) *Prober {
	return &Prober{Session: cfg.WithDefaults(), Alive: proc.Alive}
}

// WaitReady probes with the default session config.
func WaitReady(ctx context.Context, target Target, timeout time.Duration) (Result, error) {
	return NewProber(session.DefaultConfig()).WaitReady(ctx, target, timeout)
}

func (p *Prober) WaitReady(ctx context.Context, target Target, timeout time.Duration) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithDeadline(ctx, start.Add(timeout))
	defer cancel()
	alive := p.Alive
	if alive == nil {
		alive = proc.Alive
	}
	backoff := session.NewBackoff(p.Session.Backoff, nil)
	timedOut := func(last error) error {
		return &TimeoutError{Endpoint: target.Endpoint, Timeout: timeout, Attempts: backoff.Attempt(), Last: last}
	}
	crashed := func() error {
		return fmt.Errorf("%w: pid %d", ErrCrashed, target.PID)
	}

	var last error
	for {
		if target.PID > 0 && !alive(target.PID) {
			return Result{}, crashed()
		}
		if ctx.Err() != nil {
			return Result{}, timedOut(last)
		}
		delay := backoff.Next()
		info, err := p.attempt(ctx, target)
		if err == nil {
			log.Debug().Str("endpoint", target.Endpoint).Int("attempts", backoff.Attempt()).Msg("readiness.ready")
			return Result{Info: info, Attempts: backoff.Attempt(), Elapsed: time.Since(start)}, nil
		}
		if errors.Is(err, ErrProtocol) || errors.Is(err, bridge.ErrAuth) {
			return Result{}, err
		}
		last = err
		log.Debug().Err(err).Str("endpoint", target.Endpoint).Int("attempt", backoff.Attempt()).Msg("readiness.attempt")

		if target.PID > 0 && !alive(target.PID) {
			return Result{}, crashed()
		}
		if err := session.Sleep(ctx, delay); err != nil {
			return Result{}, timedOut(last)
		}
	}
}

func (p *Prober) attempt(ctx context.Context, target Target) (protocol.Info, error) {
	c, err := bridge.Dial(ctx, target.Endpoint, target.Token, p.Session)
	if err != nil {
		return protocol.Info{}, err
	}
	defer c.Close()
	info, err := c.Info(ctx)
	if err != nil {
		if isProtocolError(err) {
			return protocol.Info{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return protocol.Info{}, err
	}
	return info, nil
}

func isProtocolError(err error) bool {
	var remote *protocol.RemoteError
	return errors.As(err, &remote) ||
		errors.Is(err, protocol.ErrInvalidInfo) ||
		errors.Is(err, protocol.ErrUnexpectedReply) ||
		errors.Is(err, protocol.ErrMalformedFrame) ||
		errors.Is(err, protocol.ErrMissingID) ||
		errors.Is(err, protocol.ErrMissingType) ||
		errors.Is(err, bridge.ErrUnknownResponse)
}

// StoreMatches accepts the configured store id itself or any path ending in
// it, so a peer may report its absolute store directory.
func StoreMatches(reported, configured string) bool {
	reported = strings.TrimSpace(reported)
	configured = strings.Trim(strings.TrimSpace(configured), "/")
	if reported == "" || configured == "" {
		return false
	}
	return reported == configured ||
		strings.HasSuffix(reported, "/"+configured) ||
		strings.HasSuffix(reported, "/"+configured+"/")
}

// StoreMismatchError names both sides of a failed verification.
type StoreMismatchError struct {
	Reported   string
	Configured string
}

func (e *StoreMismatchError) Error() string {
	return fmt.Sprintf("peer reports store %q, expected %q", e.Reported, e.Configured)
}

func (e *StoreMismatchError) Is(target error) bool { return target == ErrStoreMismatch }

// VerifyStore checks the reported store against the configured one. In
// advisory mode a mismatch is only logged.
func VerifyStore(reported, configured, mode string) error {
	if StoreMatches(reported, configured) {
		return nil
	}
	if mode == config.VerifyStoreAdvisory {
		log.Warn().Str("reported", reported).Str("configured", configured).Msg("readiness.store.mismatch")
		return nil
	}
	return &StoreMismatchError{Reported: reported, Configured: configured}
}
