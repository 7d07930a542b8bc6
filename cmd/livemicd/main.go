// Command livemicd runs the live microphone stream broker: WebSocket
// endpoints for listeners and producing devices, a webhook dispatcher for
// device commands and an optional Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/livemic/config"
	"github.com/opd-ai/livemic/interfaces"
	"github.com/opd-ai/livemic/metrics"
	"github.com/opd-ai/livemic/stream"
	"github.com/opd-ai/livemic/transport"
)

const defaultConfigPath = "configs/livemicd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"function":    "main",
		"config_path": *configPath,
		"address":     cfg.Server.Address,
		"port":        cfg.Server.Port,
	}).Info("Broker starting")

	registry := prometheus.NewRegistry()
	appMetrics := metrics.NewMetrics(registry)

	dispatcher, err := buildDispatcher(cfg.Dispatch)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Failed to create command dispatcher")
	}

	manager, err := stream.NewManager(stream.ManagerConfig{
		Dispatcher:    dispatcher,
		Authorizer:    buildAuthorizer(cfg.Auth),
		Metrics:       appMetrics,
		ReadyTimeout:  time.Duration(cfg.Stream.ReadyTimeout) * time.Second,
		StopGrace:     time.Duration(cfg.Stream.StopGrace) * time.Second,
		QueueCapacity: cfg.Stream.QueueCapacity,
		SweepInterval: time.Duration(cfg.Stream.SweepInterval) * time.Second,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Failed to create stream manager")
	}

	server, err := transport.NewServer(manager, &interfaces.StaticVerifier{
		Credentials: cfg.Auth.Tokens,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Fatal("Failed to create transport server")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/listen", server.ListenHandler)
	mux.HandleFunc("/ws/device", server.DeviceHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if cfg.Server.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"addr":     httpServer.Addr,
		}).Info("HTTP server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"signal":   sig.String(),
		}).Info("Shutdown signal received")
	case err := <-errCh:
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Warn("HTTP shutdown did not complete cleanly")
	}

	if err := manager.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Warn("Stream manager close failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "main",
	}).Info("Broker stopped")
}

// initLogging applies the configured level and format to the process
// logger.
func initLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// buildDispatcher selects the webhook dispatcher, or the in-process
// simulated one when no endpoint is configured.
func buildDispatcher(cfg config.DispatchConfig) (interfaces.ICommandDispatcher, error) {
	if cfg.Endpoint == "" {
		logrus.WithFields(logrus.Fields{
			"function": "buildDispatcher",
		}).Warn("No dispatch endpoint configured, using simulated dispatcher")
		return interfaces.NewSimulatedDispatcher(), nil
	}
	return transport.NewWebhookDispatcher(cfg.Endpoint, cfg.Token)
}

// buildAuthorizer selects the device authorization policy.
func buildAuthorizer(cfg config.AuthConfig) interfaces.IDeviceAuthorizer {
	if cfg.AllowAllDevices {
		return interfaces.AllowAllAuthorizer{}
	}
	return interfaces.DenyAllAuthorizer{}
}
