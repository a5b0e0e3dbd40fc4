package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"deepclaude/internal/metrics"
	"deepclaude/internal/provider"
	providerfactory "deepclaude/internal/provider/factory"
	"deepclaude/internal/relay"
	"deepclaude/internal/router"
	"deepclaude/internal/server"
	"deepclaude/internal/telemetry"
	"deepclaude/internal/tokenizer"
)

const serveUsage = `Usage:
  deepclaude serve [--config <path>] [--port <port>] [--env-file <path>]

Flags:`

const (
	defaultConfigPath = "config.yaml"
	relayTracerName   = "deepclaude/relay"

	telemetryShutdownTimeout = 5 * time.Second
)

func serve(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfigPath, "path to YAML configuration file")
	overridePort := fs.IntP("port", "p", 0, "override server port")
	envFile := fs.String("env-file", "", "dotenv file loaded before the configuration")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := loadConfig(*cfgPath, *envFile)
	if err != nil {
		return err
	}

	if fs.Changed("port") {
		if *overridePort <= 0 || *overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", *overridePort)
		}
		cfg.Server.Port = *overridePort
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting deepclaude",
		zap.String("version", Version),
		zap.String("config", *cfgPath),
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("deep_models", len(cfg.DeepModels)),
	)

	tel, err := telemetry.Init(cfg.Telemetry, Version, logger.Named("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry, logger); err != nil {
		return err
	}
	logger.Info("providers registered", zap.Strings("providers", registry.Names()))

	counter := tokenizer.New(logger.Named("tokenizer"))
	logger.Info("token counter ready", zap.String("counter", counter.Name()))

	collector := metrics.NewCollector("deepclaude", logger)
	rt := router.New(cfg, router.WithLogger(logger.Named("router")))
	rl := relay.New(registry,
		relay.WithLogger(logger.Named("relay")),
		relay.WithMetrics(collector),
		relay.WithTokenCounter(counter),
		relay.WithTracer(tel.Tracer(relayTracerName)),
	)

	srv, err := server.New(cfg, rt, rl,
		server.WithLogger(logger.Named("http")),
		server.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
