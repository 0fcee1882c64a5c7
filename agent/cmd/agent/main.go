// Command agent runs the reference device agent.
//
// # Usage
//
//	agent --server http://127.0.0.1:8955 --device-id kitchen-tablet
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (ACTIONSYNC_AGENT_*)
// - Config file (--config)
//
// # Examples
//
// Run with flags:
//
//	agent --server https://sync.example.com \
//	      --device-id kitchen-tablet \
//	      --token s3cret \
//	      --transport http
//
// Run with config file:
//
//	agent --config /etc/actionsync/agent.yaml
//
// Run with environment variables:
//
//	ACTIONSYNC_AGENT_SERVER_URL=http://127.0.0.1:8955 \
//	ACTIONSYNC_AGENT_DEVICE_ID=kitchen-tablet \
//	agent
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/pilot-net/actionsync/agent"
	"github.com/pilot-net/actionsync/agent/internal/config"
)

func main() {
	// Parse flags
	var (
		configFile = flag.StringP("config", "c", "", "Path to config file")
		server     = flag.StringP("server", "s", "", "Sync server URL")
		token      = flag.String("token", "", "Device sync token")
		deviceID   = flag.StringP("device-id", "d", "", "Device id")
		transport  = flag.String("transport", "", "Transport: ws or http")
		insecure   = flag.Bool("insecure", false, "Skip TLS certificate verification")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.BoolP("version", "v", false, "Print version and exit")
	)
	flag.Parse()

	// Print version
	if *version {
		fmt.Printf("actionsync-agent %s\n", agent.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration
	cfg := config.DefaultConfig()

	// Load from file if specified
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	// Apply environment overrides
	if err := cfg.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	// Apply flag overrides
	if *server != "" {
		cfg.Server.URL = *server
	}
	if *token != "" {
		cfg.Server.Token = *token
	}
	if *deviceID != "" {
		cfg.Device.ID = *deviceID
	}
	if *transport != "" {
		cfg.Server.Transport = *transport
	}
	if flag.CommandLine.Changed("insecure") {
		cfg.Server.InsecureSkipVerify = *insecure
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create agent
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Run agent
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	stats := a.Stats()
	logger.Info("agent shutdown complete",
		"syncs", stats.Syncs,
		"executed", stats.Executed,
		"duplicates", stats.Duplicates,
		"unreported", stats.PendingResults)
}
