package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hongjun500/clipsync/internal/agent"
	"github.com/hongjun500/clipsync/internal/config"
	"github.com/hongjun500/clipsync/internal/crypto"
	"github.com/hongjun500/clipsync/internal/keystore"
	"github.com/hongjun500/clipsync/pkg/logger"
)

type agentFlags struct {
	deviceID string
	cloudURL string
	lanAddr  string
	keystore string
	peers    []string
	pairs    []string
}

func newAgentCmd() *cobra.Command {
	var f agentFlags
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a device: LAN listener, per-peer supervisors and the sync coordinator",
		Long: `Run a device. Every line read from stdin is published as a text clipboard
change to all paired targets; content received from peers is printed to stdout.

Peers are paired by storing a shared 32-byte key per device id, either in the
sqlite keystore (CLIPSYNC_KEYSTORE) or with --pair device_id=<base64 key>.

Examples:
  clipsync agent --device-id laptop --pair phone=$KEY --peer phone@192.168.1.20:7010
  clipsync agent --device-id laptop --cloud wss://relay.example.com/ws --pair phone=$KEY --peer phone`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent()
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			keys, closeKeys, err := openKeystore(cfg.Keystore)
			if err != nil {
				return err
			}
			defer closeKeys()

			ctx, stop := signalContext()
			defer stop()
			a := agent.New(cfg, keys, agent.WriterApplier(cmd.OutOrStdout()))
			if err := pairAll(ctx, a, f.pairs); err != nil {
				return err
			}

			go func() {
				if err := a.CopyLines(ctx, cmd.InOrStdin()); err != nil {
					logger.S("main").Warnw("stdin_closed", "err", err)
				}
			}()
			logger.S("main").Infow("agent_starting", "device_id", cfg.DeviceID, "lan", cfg.LanAddr,
				"cloud", cfg.CloudURL, "peers", len(cfg.Peers))
			return a.Run(ctx)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.deviceID, "device-id", "", "device id (overrides CLIPSYNC_DEVICE_ID)")
	fl.StringVar(&f.cloudURL, "cloud", "", "relay websocket url (overrides CLIPSYNC_CLOUD_URL)")
	fl.StringVar(&f.lanAddr, "lan", "", "LAN listen address (overrides CLIPSYNC_LAN_ADDR)")
	fl.StringVar(&f.keystore, "keystore", "", "sqlite keystore path; empty keeps keys in memory")
	fl.StringArrayVar(&f.peers, "peer", nil, "target peer device_id[@host:port]; without an address it is reached through the relay (repeatable)")
	fl.StringArrayVar(&f.pairs, "pair", nil, "pair with device_id=<base64 key> (repeatable)")
	return cmd
}

func (f *agentFlags) apply(cmd *cobra.Command, cfg *config.AgentConfig) error {
	fl := cmd.Flags()
	if fl.Changed("device-id") {
		cfg.DeviceID = f.deviceID
	}
	if fl.Changed("cloud") {
		cfg.CloudURL = f.cloudURL
	}
	if fl.Changed("lan") {
		cfg.LanAddr = f.lanAddr
	}
	if fl.Changed("keystore") {
		cfg.Keystore = f.keystore
	}
	if len(f.peers) > 0 {
		peers, err := config.ParsePeers(strings.Join(f.peers, ","))
		if err != nil {
			return err
		}
		cfg.Peers = append(cfg.Peers, peers...)
	}
	return nil
}

func openKeystore(path string) (keystore.Store, func(), error) {
	if path == "" {
		return keystore.NewMemoryStore(), func() {}, nil
	}
	s, err := keystore.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open keystore %s: %w", path, err)
	}
	return s, func() { _ = s.Close() }, nil
}

// parsePair device_id=<base64 key>
func parsePair(s string) (string, []byte, error) {
	id, enc, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return "", nil, fmt.Errorf("bad --pair %q, want device_id=<base64 key>", s)
	}
	key, err := crypto.ParseKey(enc)
	if err != nil {
		return "", nil, fmt.Errorf("--pair %s: %w", id, err)
	}
	return id, key, nil
}

func pairAll(ctx context.Context, a *agent.Agent, pairs []string) error {
	for _, p := range pairs {
		id, key, err := parsePair(p)
		if err != nil {
			return err
		}
		if err := a.Coordinator().Pair(ctx, id, key); err != nil {
			return err
		}
	}
	return nil
}
