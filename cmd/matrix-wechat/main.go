// ABOUTME: Entry point for the matrix-wechat bridge
// ABOUTME: Cobra root command with run, init, generate-registration, health and version

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/matrix-wechat/internal/config"
	"github.com/2389/matrix-wechat/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _        _                              _           _
 _ __ ___   __ _| |_ _ __(_)_  __     __      _____  ___| |__   __ _| |_
| '_ ' _ \ / _' | __| '__| \ \/ /____ \ \ /\ / / _ \/ __| '_ \ / _' | __|
| | | | | | (_| | |_| |  | |>  <_____| \ V  V /  __/ (__| | | | (_| | |_
|_| |_| |_|\__,_|\__|_|  |_/_/\_\      \_/\_/ \___|\___|_| |_|\__,_|\__|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "matrix-wechat",
		Short:         "Matrix-WeChat puppeting bridge",
		Long:          "matrix-wechat bridges WeChat conversations into Matrix rooms through a WeChat agent that connects over WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd, opts)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $MATRIX_WECHAT_CONFIG or ~/.config/matrix-wechat/config.yaml)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newInitCmd(opts),
		newRegistrationCmd(opts),
		newHealthCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd, opts)
		},
	}
}

func runBridge(cmd *cobra.Command, opts *rootOptions) error {
	configPath := config.ResolvePath(opts.configPath)
	out := cmd.OutOrStdout()

	cyan := color.New(color.FgCyan)
	cyan.Fprint(out, banner)

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.AppService.Database.URI = cfg.DatabasePath(configPath)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:     %s\n", configPath)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Homeserver: %s (%s)\n", cfg.Homeserver.Address, cfg.Homeserver.Domain)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Appservice: %s\n", cfg.ListenAddr())
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Agent:      ")
	if cfg.Tailscale.Enabled {
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	} else {
		fmt.Fprintln(out, cfg.Bridge.ListenAddress)
	}
	if cfg.AppService.Provisioning.SharedSecret == "" {
		yellow.Fprint(out, "    ! ")
		fmt.Fprintln(out, "Provisioning API disabled")
	}
	fmt.Fprintln(out)

	logger.Info("starting matrix-wechat",
		"config", configPath,
		"appservice_addr", cfg.ListenAddr(),
		"agent_addr", cfg.Bridge.ListenAddress,
		"bot", cfg.BotMXID(),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	return gw.Run(cmd.Context())
}
