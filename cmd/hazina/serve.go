package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/hazina/internal/broker"
	"github.com/jkaninda/hazina/internal/config"
	"github.com/jkaninda/hazina/internal/lease"
	"github.com/jkaninda/hazina/internal/ops"
	"github.com/jkaninda/hazina/internal/ratelimit"
	"github.com/jkaninda/hazina/internal/server"
	"github.com/jkaninda/hazina/internal/session"
	"github.com/jkaninda/hazina/internal/tools"
	"github.com/jkaninda/hazina/internal/tools/creds"
)

var (
	serveConfigPath string
	serveOpsAddr    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve credential tools over MCP stdio",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `hazina --config path` and `hazina serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (YAML or JSON)")
		cmd.Flags().StringVar(&serveOpsAddr, "ops-addr", "", "listen address for the ops HTTP server (e.g. :9090)")
	}
}

// runServe wires the broker, lease tracker, session factory, and tool
// registry together and serves MCP on stdio. Stdout belongs to the MCP
// stream, so the logger writes JSON to stderr.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("HAZINA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveOpsAddr != "" {
		cfg.Ops.ListenAddr = serveOpsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	vaultClient, err := broker.NewVaultClient(broker.VaultOptions{
		Address:       cfg.VaultAddress(),
		Token:         cfg.Vault.Token,
		Namespace:     cfg.Vault.Namespace,
		MountPath:     cfg.MountPath(),
		Role:          cfg.Role(),
		Timeout:       cfg.BrokerTimeout(),
		TLSSkipVerify: cfg.Vault.TLSSkipVerify,
	}, logger)
	if err != nil {
		return err
	}

	// Connectivity check at startup. Non-fatal: the broker may come up
	// later, and issuance is lazy anyway.
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.BrokerTimeout())
	if err := vaultClient.Ping(pingCtx); err != nil {
		logger.Warn("broker not reachable at startup, continuing",
			slog.String("address", cfg.VaultAddress()),
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("broker connection verified", slog.String("address", cfg.VaultAddress()))
	}
	cancel()

	var registry *prometheus.Registry
	if cfg.Ops.ListenAddr != "" {
		registry = prometheus.NewRegistry()
	}

	tracker := lease.NewTracker(vaultClient, lease.Options{
		TTL:           cfg.LeaseTTL(),
		RenewFraction: cfg.RenewFraction(),
		AutoRenew:     cfg.AutoRenew(),
	}, lease.NewMetrics(registry), logger)

	factory := session.NewFactory(tracker, cfg.Region(), logger)

	toolReg := tools.NewRegistry()
	toolReg.Register(creds.NewStatusTool(tracker, logger))
	toolReg.Register(creds.NewRefreshTool(tracker, logger))
	toolReg.Register(creds.NewRevokeTool(tracker, logger))
	toolReg.Register(creds.NewVerifyTool(factory, logger))
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	// Generous per-tool limit; it only exists to stop refresh loops from
	// hammering the broker.
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 60})

	mcpServer, err := server.New("hazina", version, toolReg, limiter, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opsServer *ops.Server
	if cfg.Ops.ListenAddr != "" {
		opsServer = ops.NewServer(ops.Config{
			ListenAddr:      cfg.Ops.ListenAddr,
			MetricsRegistry: registry,
			MetricsPath:     cfg.Ops.ResolvedMetricsPath(),
		}, vaultClient, tracker, logger)
		go func() {
			if err := opsServer.Start(ctx); err != nil {
				logger.Error("ops server exited", slog.String("error", err.Error()))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- mcpServer.ServeStdio() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("mcp server exited", slog.String("error", err.Error()))
		}
	}

	// Revoke the active lease on the way out; credentials must not outlive
	// the process.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if opsServer != nil {
		if err := opsServer.Stop(shutdownCtx); err != nil {
			logger.Error("stopping ops server", slog.String("error", err.Error()))
		}
	}
	if err := tracker.Close(shutdownCtx); err != nil {
		logger.Error("closing lease tracker", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
