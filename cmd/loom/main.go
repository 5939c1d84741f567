// Loom server: HTTP API and WebSocket stream over the multi-agent workflow
// engine. One process drives its runs' supervisors; non-terminal runs from a
// previous process are rehydrated at startup.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/broadcast"
	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/exec"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./config"), "Path to configuration directory")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting loom",
		"listen_addr", cfg.Server.ListenAddr,
		"workers", cfg.Runtime.Workers,
		"database", cfg.Database.Enabled())

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	hub := broadcast.NewHub(st, 256, 30*time.Second)
	hub.Start()
	defer hub.Stop()

	provider := llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.BaseURL, llm.Pricing{
		PromptPerMTok:     cfg.LLM.PromptPerMTok,
		CompletionPerMTok: cfg.LLM.CompletionPerMTok,
	}, cfg.LLM.Timeout)
	executor := exec.NewLocal(cfg.Runtime.Workdir, cfg.Runtime.ExecTimeout, cfg.Runtime.MaxExecOutput)

	eng := engine.New(st, hub, provider, executor, engine.Config{
		Supervisor: cfg.SupervisorConfig(),
		Registry:   cfg.RegistryOptions(),
	})
	if err := eng.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(eng, api.Options{AllowedWSOrigins: cfg.Server.AllowedWSOrigins})
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := server.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Engine shutdown incomplete, live runs rehydrate on next start", "error", err)
	}
	slog.Info("Shutdown complete")
}

// openStore picks Postgres when configured, otherwise the in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Enabled() {
		return store.NewPostgres(ctx, cfg.Database.DSN())
	}
	slog.Warn("No database configured, using in-memory store; state is lost on restart")
	return store.NewMemory(), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
