package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hongjun500/clipsync/internal/cluster"
	"github.com/hongjun500/clipsync/internal/config"
	"github.com/hongjun500/clipsync/internal/relay"
	"github.com/hongjun500/clipsync/pkg/logger"
)

func newRelayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the cloud relay",
		Long: `Serve the cloud relay: devices connect to /ws with X-Device-Id and
X-Device-Platform headers and the relay routes encrypted frames between them.

Set CLIPSYNC_REDIS_ADDR to run several relay nodes behind a load balancer;
sessions on other nodes are reached through Redis streams.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.LoadRelay()
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			log := logger.S("main")

			opt := relay.Options{
				Version:     version,
				RequireAuth: cfg.RequireAuth,
				Secret:      []byte(cfg.JWTSecret),
				OutBuffer:   cfg.OutBuffer,
				RatePerSec:  cfg.RatePerSec,
				RateBurst:   cfg.RateBurst,
				MaxFrame:    int64(cfg.MaxFrame),
				IdleTimeout: cfg.IdleTimeout,
			}
			if cfg.RedisAddr != "" {
				node := cfg.NodeID
				if node == "" {
					node = uuid.NewString()
				}
				c, err := cluster.Dial(ctx, cfg.RedisAddr, cfg.RedisDB, node, cfg.PresenceTTL)
				if err != nil {
					return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
				}
				defer c.Close()
				opt.Cluster = c
				log.Infow("cluster_enabled", "node", node, "redis", cfg.RedisAddr)
			}

			log.Infow("relay_starting", "addr", cfg.Addr, "version", version, "auth", cfg.RequireAuth)
			return relay.New(opt).Serve(ctx, cfg.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address (overrides CLIPSYNC_RELAY_ADDR)")
	return cmd
}
