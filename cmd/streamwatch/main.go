// Command streamwatch runs the realtime client core against a backend and
// logs stream activity: connection status transitions, unified context
// updates and diagnostics. It is the reference wiring for embedding the
// coordinator in a host application.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athenalab/realtime/internal/archive"
	"github.com/athenalab/realtime/internal/cache"
	"github.com/athenalab/realtime/internal/config"
	"github.com/athenalab/realtime/internal/connection"
	"github.com/athenalab/realtime/internal/database"
	"github.com/athenalab/realtime/internal/model"
	"github.com/athenalab/realtime/internal/queue"
	"github.com/athenalab/realtime/internal/realtime"
	"github.com/athenalab/realtime/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadAndValidate(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to load config:", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	// Set up structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting streamwatch",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"base_url", cfg.Server.BaseURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Core plumbing: queue and cache are shared between the pool and the
	// coordinator; the relay sink breaks the construction cycle.
	q := queue.New(cfg.Queue.Capacity)
	ca := cache.New(cfg.Cache.MaxEntries)
	relay := &connection.RelaySink{}

	mgr := connection.NewManager(connection.ManagerConfig{
		BaseURL:              cfg.Server.BaseURL,
		PingInterval:         cfg.Connections.PingInterval,
		PingTimeout:          cfg.Connections.PingTimeout,
		WriteTimeout:         cfg.Connections.WriteTimeout,
		ReconnectBaseDelay:   cfg.Connections.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Connections.MaxReconnectAttempts,
		HealthCheckInterval:  cfg.Connections.HealthCheckInterval,
		BandwidthInterval:    cfg.Connections.BandwidthInterval,
		ClientBufferSize:     cfg.Connections.BufferSize,
		OutboundBufferSize:   cfg.Connections.OutboundBufferSize,
	}, q, relay, logger)

	coord := realtime.New(realtime.Config{
		WatchdogInterval: cfg.Coordinator.WatchdogInterval,
		DrainInterval:    cfg.Coordinator.DrainInterval,
		CacheTTL:         cfg.Coordinator.CacheTTL,
		DiagnosticsLimit: cfg.Coordinator.DiagnosticsLimit,
		ShutdownTimeout:  cfg.Coordinator.ShutdownTimeout,
	}, mgr, q, ca, logger)
	relay.Bind(coord.Events())

	if err := coord.Initialize(ctx); err != nil {
		logger.Error("failed to initialize realtime session", "error", err)
		os.Exit(1)
	}
	defer coord.Shutdown()

	logger.Info("realtime session ready",
		"session_id", coord.SessionID(),
		"status", coord.Status(),
	)

	// Optional archiver: persists unified-context snapshots when enabled.
	if cfg.Archive.Enabled {
		pool, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			logger.Error("failed to connect archive database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		archiveIn := make(chan model.UnifiedContext, cfg.Archive.BufferSize)
		archSub := coord.SubscribeUnified()
		go func() {
			defer close(archiveIn)
			for u := range archSub.C {
				select {
				case archiveIn <- u:
				default:
					// The archiver is best-effort; never stall the core.
				}
			}
		}()

		arch := archive.New(cfg.Archive, archiveIn, pool, logger)
		if err := arch.Start(ctx); err != nil {
			logger.Error("failed to start archiver", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			arch.Stop(stopCtx)
		}()
		logger.Info("archiver enabled",
			"host", cfg.Archive.Database.Host,
			"database", cfg.Archive.Database.Name,
		)
	}

	watch(ctx, coord, logger)

	logger.Info("streamwatch stopped")
}

// watch logs stream activity until the context is cancelled.
func watch(ctx context.Context, coord *realtime.Coordinator, logger *slog.Logger) {
	statusSub := coord.SubscribeStatus()
	defer statusSub.Unsubscribe()
	unifiedSub := coord.SubscribeUnified()
	defer unifiedSub.Unsubscribe()

	healthTicker := time.NewTicker(30 * time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case status, ok := <-statusSub.C:
			if !ok {
				return
			}
			logger.Info("status", "status", status)

		case u, ok := <-unifiedSub.C:
			if !ok {
				return
			}
			logger.Info("unified context",
				"session_id", u.SessionID,
				"graph", u.Graph != nil,
				"agents", u.Agents != nil,
				"analytics", u.Analytics != nil,
				"context", u.Context != nil,
				"flash_attention", u.FlashAttention != nil,
			)

		case <-healthTicker.C:
			h := coord.Health()
			bw := coord.Bandwidth()
			logger.Info("health",
				"healthy", h.HealthyConnections,
				"total", h.TotalConnections,
				"avg_latency", h.AverageLatency,
				"send_rate", bw.SendRate,
				"receive_rate", bw.ReceiveRate,
			)
			for _, d := range coord.Diagnostics() {
				logger.Debug("diagnostic",
					"at", d.At,
					"endpoint", d.Endpoint,
					"kind", d.Kind,
					"detail", d.Detail,
				)
			}
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
