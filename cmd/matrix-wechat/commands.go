// ABOUTME: Setup and diagnostic subcommands
// ABOUTME: Writes the sample config and registration file and probes a running bridge

package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/matrix-wechat/internal/appservice"
	"github.com/2389/matrix-wechat/internal/config"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.ResolvePath(opts.configPath)
			if err := config.WriteSample(path, force); err != nil {
				if errors.Is(err, config.ErrExists) {
					return fmt.Errorf("%w (use --force to overwrite)", err)
				}
				return err
			}
			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintln(out, "Edit the homeserver section, then run: matrix-wechat generate-registration")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}

func newRegistrationCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "generate-registration",
		Aliases: []string{"g"},
		Short:   "Write the appservice registration file for the homeserver",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(config.ResolvePath(opts.configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Homeserver.Domain == "" {
				return errors.New("homeserver.domain is required to build the user namespace")
			}

			reg := appservice.GenerateRegistration(cfg)
			if err := reg.Save(output); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprint(out, "✓ ")
			fmt.Fprintf(out, "Wrote %s\n", output)
			if cfg.AppService.ASToken == "" || cfg.AppService.HSToken == "" {
				yellow := color.New(color.FgYellow)
				fmt.Fprintln(out, "\nSet these in your environment (or the config file):")
				yellow.Fprintf(out, "  MATRIX_WECHAT_AS_TOKEN=%s\n", reg.ASToken)
				yellow.Fprintf(out, "  MATRIX_WECHAT_HS_TOKEN=%s\n", reg.HSToken)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "registration", "r", "registration.yaml", "registration file to write")
	return cmd
}

// localAddr turns a wildcard listen address into one a local client can dial.
func localAddr(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether a running bridge has its agent connected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(opts.configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			url := fmt.Sprintf("http://%s/health/ready", localAddr(cfg.AppService.Hostname, cfg.AppService.Port))
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}
