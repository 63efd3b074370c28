// PairFusion gateway
//
// Features:
// - Websocket relay for collaborative workspace rooms
// - Room membership and presence over Redis (or in-memory)
// - Peer-brokered state recovery for joining members
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/auraticabhi/PairFusion/internal/config"
	"github.com/auraticabhi/PairFusion/internal/gateway"
	"github.com/auraticabhi/PairFusion/internal/logging"
	"github.com/auraticabhi/PairFusion/internal/metrics"
	"github.com/auraticabhi/PairFusion/internal/presence"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("PairFusion gateway starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("presence", cfg.PresenceURL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := presence.FromURL(ctx, cfg.PresenceURL)
	if err != nil {
		logging.Fatal("presence store init failed", zap.Error(err))
	}
	defer store.Close()

	srv := gateway.New(store, gateway.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		WriteTimeout:    cfg.WriteTimeout,
		PongTimeout:     cfg.PongTimeout,
	})

	// Backplane consumer: delivers frames published by other instances.
	go func() {
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			logging.Error("relay subscription ended", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		srv.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	logging.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
