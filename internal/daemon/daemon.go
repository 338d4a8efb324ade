// Package daemon serves the verification engine on a Unix socket
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/internal/config"
)

// Run serves server on the configured socket, and metrics when an address is
// set, until ctx is cancelled
func Run(ctx context.Context, cfg *config.Config, server *Server, gatherer prometheus.Gatherer, logger *logrus.Logger) error {
	logger.Info("Starting FaceGate daemon...")

	listener, err := Listen(cfg.Server.SocketPath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(cfg.Server.SocketPath) }()

	var wg sync.WaitGroup
	if cfg.Server.MetricsAddress != "" && gatherer != nil {
		metricsServer := newMetricsServer(cfg.Server.MetricsAddress, gatherer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Infof("Metrics listening on %s", cfg.Server.MetricsAddress)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
			wg.Wait()
		}()
	}

	err = server.Serve(ctx, listener)
	logger.Info("Daemon shutting down...")
	return err
}

// Listen creates the Unix socket, replacing a stale one
func Listen(socketPath string, logger *logrus.Logger) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0660); err != nil {
		logger.Warnf("Failed to set socket permissions: %v", err)
	}

	logger.Infof("Daemon listening on %s", socketPath)
	return listener, nil
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM. SIGHUP
// reloads the configuration at configPath and hands it to apply.
func SignalContext(parent context.Context, configPath string, logger *logrus.Logger, apply func(*config.Config)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGINT, syscall.SIGTERM:
					logger.Info("Received shutdown signal")
					cancel()
				case syscall.SIGHUP:
					logger.Info("Received reload signal (SIGHUP)")
					reload(configPath, logger, apply)
				}
			}
		}
	}()

	return ctx, cancel
}

func reload(configPath string, logger *logrus.Logger, apply func(*config.Config)) {
	newCfg, err := config.Load(configPath)
	if err != nil {
		logger.Errorf("Failed to reload config: %v", err)
		return
	}
	if err := newCfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration on reload: %v", err)
		return
	}
	apply(newCfg)
	logger.Info("Configuration reloaded successfully")
}
