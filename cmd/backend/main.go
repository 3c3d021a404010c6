package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"

	assistantimpl "github.com/foxseedlab/denwaban/external/assistant"
	auditimpl "github.com/foxseedlab/denwaban/external/audit"
	configloader "github.com/foxseedlab/denwaban/external/config"
	repositoryimpl "github.com/foxseedlab/denwaban/external/repository"
	telephonyimpl "github.com/foxseedlab/denwaban/external/telephony"
	voicechannelimpl "github.com/foxseedlab/denwaban/external/voicechannel"
	wsimpl "github.com/foxseedlab/denwaban/external/ws"
	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/session"
)

const shutdownTimeout = 20 * time.Second

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	slog.Info("startup: launching server")
	runServer(cfg, injector)
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	assistantimpl.RegisterDI(injector)
	auditimpl.RegisterDI(injector)
	voicechannelimpl.RegisterDI(injector)
	session.RegisterDI(injector)
	telephonyimpl.RegisterDI(injector)
	wsimpl.RegisterDI(injector)

	return injector
}

func runServer(cfg *config.Config, injector do.Injector) {
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		slog.Error("failed to resolve session manager", "error", err)
		os.Exit(1)
	}
	scheduler, err := do.Invoke[*session.CleanupScheduler](injector)
	if err != nil {
		slog.Error("failed to resolve cleanup scheduler", "error", err)
		os.Exit(1)
	}
	gateway, err := do.Invoke[*wsimpl.Handler](injector)
	if err != nil {
		slog.Error("failed to resolve websocket gateway", "error", err)
		os.Exit(1)
	}
	mediaHandler, err := do.Invoke[*telephonyimpl.MediaHandler](injector)
	if err != nil {
		slog.Error("failed to resolve media handler", "error", err)
		os.Exit(1)
	}
	statusHandler, err := do.Invoke[*telephonyimpl.StatusHandler](injector)
	if err != nil {
		slog.Error("failed to resolve status handler", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/telephony/media", mediaHandler)
	mux.Handle("/telephony/status", statusHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	scheduler.Start()

	done := make(chan struct{})
	go func() {
		slog.Info("startup: listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-done:
	}

	scheduler.Stop()
	ended := manager.EndAll("server shutting down")
	slog.Info("sessions closed for shutdown", "count", ended)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
