package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danmuck/peerctl/internal/config"
	"github.com/danmuck/peerctl/internal/logging"
	"github.com/danmuck/peerctl/internal/node"
	"github.com/gin-gonic/gin"
)

func main() {
	logging.ConfigureRuntime("peerd")
	gin.SetMode(gin.ReleaseMode)

	cfg, err := node.ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
		os.Exit(2)
	}
	cfg.InstanceID = node.EnvInstance()
	token := node.EnvToken()
	if token == "" {
		fmt.Fprintf(os.Stderr, "peerd: %s is not set\n", config.TokenEnv)
		os.Exit(2)
	}
	if err := node.Run(context.Background(), cfg, token); err != nil {
		fmt.Fprintf(os.Stderr, "peerd: %v\n", err)
		os.Exit(1)
	}
}
