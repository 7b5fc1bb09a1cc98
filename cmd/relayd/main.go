// Command relayd runs the media relay server: WebTransport, WebSocket and
// Rush listeners sharing one channel registry, plus the WHIP/WebRTC stub
// modules and a Prometheus /metrics endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaybridge/relayd/internal/config"
	"github.com/relaybridge/relayd/internal/listener"
	"github.com/relaybridge/relayd/internal/logging"
	"github.com/relaybridge/relayd/internal/metrics"
	"github.com/relaybridge/relayd/internal/moduleset"
	"github.com/relaybridge/relayd/internal/registry"
	"github.com/relaybridge/relayd/internal/tlsconfig"
	"github.com/relaybridge/relayd/internal/transport/webrtc"
	"github.com/relaybridge/relayd/internal/transport/whip"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Development: cfg.LogDevelopment})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()
	reg := registry.New(logger)

	wtTLSCfg, wtWatcher, err := tlsconfig.BuildWatched(logger, tlsconfig.Options{KeyPath: cfg.KeyPath, CertPath: cfg.CertPath, NextProtos: []string{"h3", "rush"}})
	if err != nil {
		logger.Fatal("failed to build webtransport tls config", zap.Error(err))
	}
	defer wtWatcher.Close()
	rushTLSCfg, rushWatcher, err := tlsconfig.BuildWatched(logger, tlsconfig.Options{KeyPath: cfg.RushKeyPath, CertPath: cfg.RushCertPath, NextProtos: []string{"h3", "rush"}})
	if err != nil {
		logger.Fatal("failed to build rush tls config", zap.Error(err))
	}
	defer rushWatcher.Close()
	wsTLSCfg, wsWatcher, err := tlsconfig.BuildWatched(logger, tlsconfig.Options{KeyPath: cfg.KeyPath, CertPath: cfg.CertPath, NextProtos: []string{"http/1.1"}})
	if err != nil {
		logger.Fatal("failed to build websocket tls config", zap.Error(err))
	}
	defer wsWatcher.Close()

	wtListener := listener.NewWebTransport(logger, cfg.WebTransportListen, wtTLSCfg, reg, metricsRegistry)
	rushListener := listener.NewRush(logger, cfg.RushListen, rushTLSCfg, reg, metricsRegistry)
	wsListener := listener.NewWebSocket(logger, cfg.WebSocketListen, wsTLSCfg, reg, metricsRegistry)

	modules := moduleset.NewSet()
	webrtcCommands := moduleset.NewBus()
	if _, err := modules.Register("webrtc", webrtc.New(logger, webrtcCommands)); err != nil {
		logger.Fatal("failed to register webrtc module", zap.Error(err))
	}
	if _, err := modules.Register("whip", whip.New(logger, cfg.WHIPListen, webrtcCommands)); err != nil {
		logger.Fatal("failed to register whip module", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wtListener.Start(); err != nil {
		logger.Fatal("webtransport listener start failed", zap.Error(err))
	}
	if err := rushListener.Start(); err != nil {
		logger.Fatal("rush listener start failed", zap.Error(err))
	}
	if err := wsListener.Start(); err != nil {
		logger.Fatal("websocket listener start failed", zap.Error(err))
	}
	if err := modules.StartAll(ctx); err != nil {
		logger.Fatal("module start failed", zap.Error(err))
	}

	sampleStop := make(chan struct{})
	go metricsRegistry.RunProcessSampler(sampleStop, logger, 15*time.Second)

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runMetricsServer(ctx, cfg.MetricsListen, reg, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}

	close(sampleStop)

	if err := wtListener.Stop(); err != nil {
		logger.Warn("webtransport listener stop error", zap.Error(err))
	}
	if err := rushListener.Stop(); err != nil {
		logger.Warn("rush listener stop error", zap.Error(err))
	}
	if err := wsListener.Stop(); err != nil {
		logger.Warn("websocket listener stop error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := modules.StopAll(shutdownCtx); err != nil {
		logger.Warn("module stop error", zap.Error(err))
	}

	logger.Info("relayd stopped")
}

func runMetricsServer(ctx context.Context, addr string, reg *registry.Registry, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok channels=%d\n", reg.Count())
	})
	// Channel count is refreshed on scrape rather than on every
	// FindOrCreate, keeping the registry's hot path free of metrics work.
	metricsHandler := metricsRegistry.Handler()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metricsRegistry.ActiveChannels.Set(float64(reg.Count()))
		metricsHandler.ServeHTTP(w, r)
	})

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
