// Package node hosts a peer's control channel behind a gin router.
//
// Routes:
//
//	GET /         sc-bridge websocket
//	GET /health   liveness
//	GET /ready    readiness (the listener is bound)
//	GET /metrics  prometheus, when enabled
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danmuck/peerctl/internal/auth"
	"github.com/danmuck/peerctl/internal/bridge"
	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

var ErrTokenRequired = errors.New("node: control token required")

// Node is anything that exposes an HTTP router under a stable id.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

// Peer binds one identity store and answers the control channel for it.
type Peer struct {
	cfg        config.Node
	storePath  string
	instanceID string
	started    time.Time
	logger     zerolog.Logger

	bridge *bridge.Server
	router *gin.Engine
	ready  atomic.Bool
}

var _ Node = (*Peer)(nil)

// New creates the store directory if needed and wires the routes. The peer
// does not listen until Serve.
func New(cfg config.Node, token string) (*Peer, error) {
	if err := config.ValidateNode(cfg); err != nil {
		return nil, err
	}
	if len(token) < auth.MinTokenLen {
		return nil, ErrTokenRequired
	}
	if cfg.Peer.Name == "" {
		cfg.Peer.Name = cfg.Peer.Store
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	storePath, err := filepath.Abs(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("node: resolve store: %w", err)
	}
	if err := os.MkdirAll(storePath, 0o700); err != nil {
		return nil, fmt.Errorf("node: bind store %s: %w", storePath, err)
	}

	p := &Peer{
		cfg:        cfg,
		storePath:  storePath,
		instanceID: cfg.InstanceID,
		started:    time.Now().UTC(),
	}
	p.logger = observability.NodeLogger(cfg.Peer.Name, cfg.Peer.Store, p.instanceID)
	p.bridge = bridge.NewServer(auth.StaticToken{Token: token}, bridge.ServerOptions{Node: cfg.Peer.Name})
	p.bridge.Handle(protocol.TypeInfo, p.handleInfo)
	p.router = p.newRouter()
	return p, nil
}

func (p *Peer) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(p.logger, "/health", "/ready", "/"))
	if p.cfg.Metrics {
		observability.RegisterMetrics()
		r.Use(observability.RequestMetricsMiddleware(p.cfg.Peer.Name))
	}
	if len(p.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: p.cfg.CORSOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/", gin.WrapH(p.bridge))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(p.started).String(),
			"peer":     p.cfg.Peer.Name,
			"instance": p.instanceID,
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !p.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    p.ready.Load(),
			"sessions": p.bridge.ActiveSessions(),
			"peer":     p.cfg.Peer.Name,
		})
	})
	if p.cfg.Metrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return r
}

func (p *Peer) NodeID() string { return p.cfg.Peer.Name }

func (p *Peer) Kind() string { return "peer" }

func (p *Peer) HTTPRouter() *gin.Engine { return p.router }

func (p *Peer) Bridge() *bridge.Server { return p.bridge }

func (p *Peer) Addr() string {
	return net.JoinHostPort(p.cfg.Peer.SCHost, strconv.Itoa(p.cfg.Peer.SCPort))
}

// Info is what the control channel reports for this process.
func (p *Peer) Info() protocol.Info {
	channels := p.cfg.Peer.Sidechannel.Channels
	if channels == nil {
		channels = []string{}
	}
	return protocol.Info{
		PeerStore:     p.storePath,
		Name:          p.cfg.Peer.Name,
		PID:           os.Getpid(),
		InstanceID:    p.instanceID,
		StartedAt:     p.started,
		SCBridge:      p.cfg.Peer.BridgeURL(),
		Sidechannels:  channels,
		SubnetChannel: p.cfg.Peer.SubnetChannel,
	}
}

func (p *Peer) handleInfo(context.Context, protocol.Request) (protocol.Response, error) {
	info := p.Info()
	return protocol.Response{Type: protocol.TypeInfo, Info: &info}, nil
}

// Serve listens on the configured address until ctx ends, then shuts down
// gracefully.
func (p *Peer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.Addr())
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", p.Addr(), err)
	}
	return p.ServeListener(ctx, ln)
}

func (p *Peer) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           p.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	p.ready.Store(true)
	p.logger.Info().Str("addr", ln.Addr().String()).Str("store_path", p.storePath).Msg("node.serve")

	select {
	case err := <-errCh:
		p.ready.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	p.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("node: shutdown: %w", err)
	}
	p.logger.Info().Msg("node.stopped")
	return nil
}
