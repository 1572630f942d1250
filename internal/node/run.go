package node

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/peerctl/internal/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Run builds a peer from cfg and serves it until ctx ends or the process
// receives SIGINT or SIGTERM.
func Run(ctx context.Context, cfg config.Node, token string) error {
	p, err := New(cfg, token)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			p.logger.Info().Str("signal", sig.String()).Msg("node.signal")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Str("peer", p.NodeID()).Msg("node.exit")
		return err
	}
	return nil
}

// EnvToken and EnvInstance read what the supervisor passes a peer process.
func EnvToken() string {
	return os.Getenv(config.TokenEnv)
}

func EnvInstance() string {
	return os.Getenv(config.InstanceEnv)
}
