// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxbus/config"
	"github.com/absmach/fluxbus/internal/node"
	"github.com/absmach/fluxbus/internal/wiring"
	"github.com/absmach/fluxbus/pkg/otel"
	"github.com/absmach/fluxbus/transport"
	oteltrace "go.opentelemetry.io/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting fluxbus node", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"node_id", cfg.Node.ID,
		"transport", cfg.Transport.Type,
		"prefix", cfg.Transport.Prefix,
		"namespace", cfg.Transport.Namespace,
		"serializer", cfg.Transport.Serializer,
		"compression", cfg.Transport.Compression,
		"actions", len(cfg.Node.Actions),
		"events", len(cfg.Node.Events),
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"log_level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otel.InitProvider(ctx, cfg.Telemetry, cfg.Node.ID)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}

	n := node.New(cfg.Node, logger)
	opts, err := wiring.Options(cfg, n.Handle, logger)
	if err != nil {
		slog.Error("Failed to build transport options", "error", err)
		os.Exit(1)
	}
	opts.OnConnected = n.OnConnected
	opts.OnConnectionLost = n.OnConnectionLost

	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled {
		metrics, err := transport.NewMetrics()
		if err != nil {
			slog.Error("Failed to create transport metrics", "error", err)
			os.Exit(1)
		}
		opts.Metrics = metrics
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.TracesEnabled {
		opts.Tracer = oteltrace.Tracer("fluxbus")
	}

	tr, err := wiring.NewTransport(cfg.Transport, opts, wiring.Dialers{})
	if err != nil {
		slog.Error("Failed to create transport", "type", cfg.Transport.Type, "error", err)
		os.Exit(1)
	}
	n.SetTransport(tr)

	if err := n.Run(ctx); err != nil {
		slog.Error("Node stopped with error", "error", err)
	}

	otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelShutdownCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("fluxbus node stopped")
}
