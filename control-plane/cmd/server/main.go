// Command server runs the action sync server.
//
// # Usage
//
//	server --config /etc/actionsync/server.yaml --port 8955
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (ACTIONSYNC_*)
// - A YAML config file
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/pilot-net/actionsync/control-plane/internal/api"
	"github.com/pilot-net/actionsync/control-plane/internal/bridge"
	"github.com/pilot-net/actionsync/control-plane/internal/config"
	"github.com/pilot-net/actionsync/control-plane/internal/metrics"
	"github.com/pilot-net/actionsync/control-plane/internal/worker"
)

const version = "actionsync-server v0.1.0"

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "Path to YAML config file")
		host        = flag.String("host", "", "Listen host (overrides config)")
		port        = flag.IntP("port", "p", 0, "Listen port (overrides config)")
		token       = flag.String("token", "", "Device sync token (overrides config)")
		allowRemote = flag.Bool("allow-remote-queue", false, "Allow admin endpoints from any address")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.BoolP("version", "v", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags take precedence over file and environment
	if *host != "" {
		cfg.Listen.Host = *host
	}
	if *port != 0 {
		cfg.Listen.Port = *port
	}
	if *token != "" {
		cfg.Auth.Token = *token
	}
	if flag.CommandLine.Changed("allow-remote-queue") {
		cfg.Auth.AllowRemoteQueue = *allowRemote
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger(os.Stderr, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Auth.Token == "" {
		logger.Warn("no device token configured, any client may sync")
	}

	// Create bridge, health collector and API
	b := bridge.New(cfg.BridgeConfig(), logger)
	collector := metrics.NewCollector(b)
	apiServer := api.NewServer(b, collector, api.Config{
		MaxBodyBytes:     cfg.Limits.MaxBodyBytes,
		AdminToken:       cfg.Auth.AdminToken,
		AdminTokenHash:   cfg.Auth.AdminTokenHash,
		AllowRemoteQueue: cfg.Auth.AllowRemoteQueue,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	janitor := worker.NewJanitor(b, worker.JanitorConfig{
		Interval:     cfg.Timing.JanitorInterval,
		PingInterval: cfg.Timing.PingInterval,
	}, logger)
	janitor.Start(ctx)

	// WriteTimeout must outlast the longest /result wait.
	server := &http.Server{
		Addr:              cfg.Listen.Addr(),
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      api.MaxResultWait + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server
	go func() {
		scheme := "http"
		if cfg.TLS.Enabled {
			scheme = "https"
		}
		logger.Info("starting server",
			"addr", server.Addr,
			"scheme", scheme,
			"resend_after", cfg.Timing.ResendAfter,
			"device_timeout", cfg.Timing.DeviceTimeout,
			"allow_remote_queue", cfg.Auth.AllowRemoteQueue,
		)

		var err error
		if cfg.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	janitor.Stop()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	// Hijacked WebSocket connections are invisible to Shutdown.
	b.CloseAll()

	logger.Info("shutdown complete")
}
