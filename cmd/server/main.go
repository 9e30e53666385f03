package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-realtime/internal/auth"
	"go-realtime/internal/config"
	"go-realtime/internal/guard"
	"go-realtime/internal/redis"
	"go-realtime/internal/registry"
	"go-realtime/internal/rooms"
	"go-realtime/internal/store"
	"go-realtime/internal/ws"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.SlogLevel(cfg.LogLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize identity provider", "error", err)
		os.Exit(1)
	}

	var chatStore store.Store
	if cfg.RedisURL != "" {
		redisStore, err := redis.NewStore(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("Failed to initialize Redis store", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		chatStore = redisStore
	} else {
		slog.Warn("REDIS_URL not set, using in-memory store")
		chatStore = store.NewMemoryStore()
	}

	server := ws.NewServer(ws.Deps{
		Verifier: verifier,
		Store:    chatStore,
		Registry: registry.New(),
		Rooms:    rooms.NewIndex(),
		Guard:    guard.New(),
	}, ws.Options{
		MaxAuthAttempts: cfg.MaxAuthAttempts,
		AuthWindow:      cfg.AuthWindow,
		SendBuffer:      cfg.SendBuffer,
		ActionQueue:     cfg.ActionQueue,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", server)
	mux.HandleFunc("/health", server.HealthHandler)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("WebSocket server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("WebSocket shutdown failed", "error", err)
	}
	slog.Info("Server stopped")
}

func newVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	if cfg.AuthIssuerURL != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.AuthIssuerURL, nil)
		if err != nil {
			return nil, err
		}
		go v.RefreshEvery(ctx, 24*time.Hour)
		return v, nil
	}
	if cfg.AuthHMACSecret != "" {
		return auth.NewHMACVerifier(cfg.AuthHMACSecret, ""), nil
	}
	return nil, errors.New("set AUTH_ISSUER_URL or AUTH_HMAC_SECRET")
}
