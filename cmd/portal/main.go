package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/htpi/admin-portal/internal/app"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/config"
	"github.com/htpi/admin-portal/internal/logging"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "portal",
		Short: "HTPI admin portal",
		Long: `The admin portal bridges browser sessions (REST and websocket) to the
backend admin services on the message bus.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PORTAL_CONFIG"), "Path to the YAML config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newRequestCmd(&configPath),
		newConfigCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func load(configPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the portal HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.Version = version
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to start portal: %w", err)
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("shutdown finished with errors", "error", err)
				}
			}()

			logger.Info("portal started",
				"version", version,
				"addr", cfg.HTTP.Addr,
				"busDriver", cfg.Bus.Driver,
				"backendMode", cfg.Backend.Mode)
			return a.Run(ctx)
		},
	}
}

func newRequestCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "request <topic> [json-payload]",
		Short: "Send one request over the bus and print the reply",
		Long:  "Publishes a request through the bridge and waits for the correlated reply. Useful to check a backend service by hand.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*configPath)
			if err != nil {
				return err
			}

			payload := json.RawMessage(`{}`)
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer a.Close()

			reply, err := a.Bridge().RequestReply(ctx, args[0], payload, timeout)
			if err != nil {
				return fmt.Errorf("%s: %w", bridge.ErrorCode(err), err)
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			out.SetIndent("", "  ")
			if err := out.Encode(reply); err != nil {
				return err
			}
			return reply.Err()
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "Reply timeout")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.Auth.Secret = mask(masked.Auth.Secret)
			masked.Bus.NATS.Password = mask(masked.Bus.NATS.Password)
			masked.Redis.Password = mask(masked.Redis.Password)
			masked.Bus.NATS.URL = maskURL(masked.Bus.NATS.URL)
			masked.Bus.RabbitMQ.URL = maskURL(masked.Bus.RabbitMQ.URL)

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(masked)
		},
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	return bus.SanitizeURL(raw)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "portal %s\ncommit: %s\nbuilt: %s\n", version, gitCommit, buildTime)
		},
	}
}
