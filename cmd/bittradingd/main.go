// Command bittradingd runs the trading organization's message fabric: the
// bus, its delivery workers, and the task orchestrator. Domain agents attach
// to the same bus from their own processes or packages.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/enderjnets/bittrading-corp/agent"
	"github.com/enderjnets/bittrading-corp/comms"
	"github.com/enderjnets/bittrading-corp/config"
	"github.com/enderjnets/bittrading-corp/internal/version"
	"github.com/enderjnets/bittrading-corp/metrics"
	"github.com/enderjnets/bittrading-corp/orchestrator"
	"github.com/enderjnets/bittrading-corp/task"
)

var (
	configPath  = flag.String("config", "bittrading.yaml", "path to config file")
	metricsAddr = flag.String("metrics-addr", "", "listen address for Prometheus metrics (empty disables)")
)

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting bittradingd",
		"version", version.Version,
		"commit", version.Commit,
	)

	m := metrics.Default()
	bus := comms.NewBus(comms.Options{
		Workers:       cfg.Bus.Workers,
		MailboxSize:   cfg.Bus.MailboxSize,
		MaxRetries:    cfg.Bus.MaxRetries,
		DeadLetterCap: cfg.Bus.DeadLetterCap,
		Logger:        logger,
		Metrics:       m,
	})

	var store task.Store
	if cfg.Orchestrator.ArchivePath != "" || cfg.DataDir != "" {
		path := cfg.Orchestrator.ArchivePath
		if path == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				log.Fatalf("Failed to create data dir: %v", err)
			}
			path = filepath.Join(cfg.DataDir, "tasks.db")
		}
		s, err := task.NewSQLiteStore(path)
		if err != nil {
			log.Fatalf("Failed to open task archive: %v", err)
		}
		defer s.Close()
		store = s
	}

	orch := orchestrator.New(orchestrator.Config{
		ID:              cfg.Orchestrator.ID,
		Coordinator:     cfg.Orchestrator.Coordinator,
		MaxRetries:      cfg.Orchestrator.MaxRetries,
		DefaultTimeout:  cfg.Orchestrator.DefaultTimeout.Std(),
		GracePeriod:     cfg.Orchestrator.GracePeriod.Std(),
		StalenessWindow: cfg.Orchestrator.StalenessWindow.Std(),
		WorkerCapacity:  cfg.Orchestrator.WorkerCapacity,
		Logger:          logger,
		Metrics:         m,
	}, bus, store)
	rt := agent.NewRuntime(agent.Config{
		ID:            cfg.Orchestrator.ID,
		Name:          "Task Orchestrator",
		Type:          "ORCHESTRATOR",
		Coordinator:   cfg.Orchestrator.Coordinator,
		CycleInterval: cfg.Orchestrator.CycleInterval.Std(),
		Logger:        logger,
	}, orch, bus)

	ctx, cancel := context.WithCancel(context.Background())
	if err := bus.Start(ctx); err != nil {
		log.Fatalf("Failed to start bus: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		log.Fatalf("Failed to start orchestrator: %v", err)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok\n"))
		})
		mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"version":      version.Version,
				"orchestrator": orch.Stats(),
				"workers":      orch.Workers(),
				"bus":          bus.Stats(),
				"queues":       bus.QueueStatus(),
			})
		})
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		logger.Info("metrics exposed", "addr", *metricsAddr)
	}

	fmt.Printf("bittradingd running (orchestrator=%s)\n", rt.AgentID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}
	cancel()
	if err := bus.Stop(); err != nil {
		logger.Error("bus stop error", "error", err)
	}
	fmt.Println("Shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
