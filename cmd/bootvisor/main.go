package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/bootvisor/internal/config"
	"github.com/loykin/bootvisor/internal/launcher"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
	Insecure   bool
}

func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "bootvisor",
		Short: "Launcher and supervisor for a Spring Boot application",
		Long: `Bootvisor runs a single Spring Boot jar, restarts it when it dies,
buffers its output and exposes a small control API.

Examples:
  bootvisor run --config=bootvisor.toml
  bootvisor settings set --executable=/opt/app/orders-1.0.jar --port=8080
  bootvisor status
  bootvisor restart --wait=10s
  bootvisor export-logs --from=2025-01-01 --out=logs.txt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&g.APIUrl, "api-url", "", "control API base URL (default: derived from [server] in the config)")
	root.PersistentFlags().StringVar(&g.APIToken, "token", "", "bearer token for the control API (default: server.token)")
	root.PersistentFlags().DurationVar(&g.APITimeout, "api-timeout", 30*time.Second, "control API request timeout")
	root.PersistentFlags().BoolVar(&g.Insecure, "insecure", false, "skip TLS verification of the control API")

	root.AddCommand(
		createRunCommand(g),
		createSettingsCommand(g),
		createExportCommand(g),
		createHashTokenCommand(),
		createStatusCommand(g),
		createStartCommand(g),
		createStopCommand(g),
		createRestartCommand(g),
		createLogsCommand(g),
		createHistoryCommand(g),
	)
	return root
}

func createRunCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the launcher in the foreground until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			log := cfg.Log.NewSlogger()
			app, err := launcher.New(cfg, log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
