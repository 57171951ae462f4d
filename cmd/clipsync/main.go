// clipsync 命令行：云端中继、设备端引擎以及配对与调试工具
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hongjun500/clipsync/internal/config"
	"github.com/hongjun500/clipsync/pkg/logger"
)

var (
	// 构建时通过 -ldflags 注入
	version = "dev"
	commit  = "none"
	date    = "unknown"

	logLevel string
	envFile  string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clipsync",
		Short:         "End-to-end encrypted clipboard sync over LAN and a cloud relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if logLevel != "" {
				logger.SetLevel(logLevel)
			}
			if envFile != "" {
				return config.LoadDotenv(envFile)
			}
			return config.LoadDotenv()
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides CLIPSYNC_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading CLIPSYNC_* variables")

	root.AddCommand(
		newRelayCmd(),
		newAgentCmd(),
		newPeekCmd(),
		newKeygenCmd(),
		newDeriveCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// signalContext SIGINT/SIGTERM 时取消
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	defer logger.Sync()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "clipsync:", err)
		os.Exit(1)
	}
}
