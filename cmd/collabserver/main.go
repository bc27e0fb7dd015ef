// Command collabserver runs the real-time collaborative workflow
// editing server: the Lifecycle Controller's websocket/HTTP surface
// backed by the Mutation Engine, Authorization Service, and Room
// Registry described in SPEC_FULL.md.
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

	"github.com/riverloop/collabflow/internal/api"
	"github.com/riverloop/collabflow/internal/authn"
	"github.com/riverloop/collabflow/internal/authz"
	"github.com/riverloop/collabflow/internal/config"
	"github.com/riverloop/collabflow/internal/hub"
	"github.com/riverloop/collabflow/internal/mutation"
	"github.com/riverloop/collabflow/internal/storage"
)

func main() {
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(logHandler))

	configPath := flag.String("config", "config.yaml", "path to the server config file")
	addr := flag.String("addr", "", "HTTP/websocket listen address (overrides config)")
	dbURL := flag.String("db-url", "", "PostgreSQL connection string (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Warn("using default config", "path", *configPath, "error", err)
		cfg = config.Default()
	}

	if v := os.Getenv("COLLABFLOW_ADDR"); v != "" && *addr == "" {
		*addr = v
	}
	if *addr != "" {
		cfg.Listen.Addr = *addr
	}

	if v := os.Getenv("COLLABFLOW_DB_URL"); v != "" && *dbURL == "" {
		*dbURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && *dbURL == "" {
		*dbURL = v
	}
	if *dbURL != "" {
		cfg.DB.URL = *dbURL
	}

	secret := os.Getenv("COLLABFLOW_JWT_SECRET")
	if secret == "" {
		slog.Error("COLLABFLOW_JWT_SECRET must be set")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := storage.Connect(ctx, storage.PoolConfig{
		URL:             cfg.DB.URL,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
		ConnectTimeout:  cfg.DB.ConnectTimeout,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.NewPostgresStorage(pool)
	verifier := authn.NewJWTVerifier([]byte(secret), cfg.Auth.VerifyTimeout)
	authzSvc := authz.New(store)
	registry := hub.NewRegistry()
	engine := mutation.New(store, authzSvc, registry)
	server := api.NewServer(cfg, store, verifier, authzSvc, registry, engine)

	httpServer := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: server.Routes(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()

	go func() {
		slog.Info("collabflow server listening", "addr", cfg.Listen.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Error("room registry shutdown error", "error", err)
	}
	slog.Info("collabflow shutdown complete")
}
