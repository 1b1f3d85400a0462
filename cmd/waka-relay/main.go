// Package main is the entry point for the waka-relay binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wakarelay/waka-relay/pkg/config"
	"github.com/wakarelay/waka-relay/pkg/logging"
	"github.com/wakarelay/waka-relay/pkg/relay"
	"github.com/wakarelay/waka-relay/pkg/telemetry"
)

const (
	serviceName              = "waka-relay"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for waka-relay.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "waka-relay",
		Short:   "Relay time-tracking requests to multiple backend instances",
		Version: relay.Version,
		Long: `A relay that accepts requests from a time-tracking agent and forwards
them to an ordered set of backend instances. The first configured
instance is the primary: its response is returned to the caller. All
other instances are mirrored in the background.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (defaults to ~/"+config.DefaultFileName+")")
	rootCmd.Flags().String("listen", "", "Listen address, overrides relay.host/relay.port")
	rootCmd.Flags().String("admin-listen", "", "Admin (metrics/health) listen address")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newInitCmd())

	return rootCmd
}

// newInitCmd creates the init subcommand, which writes a commented default
// config file.
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			if path == "" {
				path = config.FindFile()
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Default config written to %s. Add your API keys before starting the relay.\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("config", "c", "", "Destination path for the config file")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load .env file if present
	_ = godotenv.Load()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if configPath == "" {
		configPath = config.FindFile()
		if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
			// First run: bootstrap a default config and keep going so the
			// operator sees the relay come up and knows where to add keys.
			if err := config.WriteDefault(configPath); err != nil {
				return err
			}
			fmt.Printf("No config file found, wrote defaults to %s\n", configPath)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	if err := applyFlagOverrides(cmd, cfg); err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return run(ctx, cfg, logger)
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		host, portStr, err := net.SplitHostPort(listen)
		if err != nil {
			return fmt.Errorf("invalid --listen address %q: %w", listen, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --listen port %q: %w", portStr, err)
		}
		cfg.Relay.Host = host
		cfg.Relay.Port = port
	}
	if adminListen, _ := cmd.Flags().GetString("admin-listen"); adminListen != "" {
		cfg.Relay.AdminAddress = adminListen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.Logging.Pretty = true
	}
	return nil
}

// run orchestrates the relay lifecycle: telemetry, listeners, shutdown.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: relay.Version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	rl := relay.New(cfg, relay.Options{Logger: logger})

	adminServer := startAdminServer(cfg.Relay.AdminAddress, rl, logger)

	server := &http.Server{
		Addr:        cfg.Relay.ListenAddress(),
		Handler:     otelhttp.NewHandler(rl, serviceName),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening",
			"address", server.Addr,
			"instances", len(cfg.Relay.Instances),
			"version", relay.Version,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func startAdminServer(addr string, rl *relay.Relay, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", rl.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("admin endpoints listening", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server failed", "error", err)
		}
	}()

	return server
}
