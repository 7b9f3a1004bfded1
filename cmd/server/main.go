package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-mcp/fanout/config"
	"github.com/orchestra-mcp/fanout/src/auth"
	"github.com/orchestra-mcp/fanout/src/bridge"
	"github.com/orchestra-mcp/fanout/src/hub"
	"github.com/orchestra-mcp/fanout/src/logging"
	"github.com/orchestra-mcp/fanout/src/metrics"
	"github.com/orchestra-mcp/fanout/src/server"
	"github.com/orchestra-mcp/fanout/src/service"
	"github.com/orchestra-mcp/fanout/src/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server exited properly")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	broker := newBroker(cfg, logger)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := broker.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	logger.Info().Str("driver", cfg.BrokerDriver).Msg("broker connected")

	authn := auth.New(cfg.Auth(), logger)
	sock := cfg.Socket()
	registry := hub.New(broker, authn, hub.Options{
		MaxConnections: sock.MaxConnections,
		SendBuffer:     sock.SendBuffer,
		Metrics:        m,
	}, logger)
	ingestor := webhook.NewIngestor(registry, webhook.NewRegistry(), webhook.Options{
		Workers:          cfg.WebhookWorkers,
		QueueSize:        cfg.WebhookQueueSize,
		StrictSignatures: cfg.WebhookStrictSignatures,
		Metrics:          m,
	}, logger)
	ingestor.Start(context.Background())

	svc := service.New(registry, broker, ingestor, logger)
	srv := server.New(svc, authn, server.Options{
		Addr:         cfg.Addr(),
		Socket:       sock,
		MaxBodyBytes: cfg.WebhookMaxBodyBytes,
		Gatherer:     reg,
	}, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return errors.Join(
			srv.Shutdown(shutdownCtx),
			ingestor.Stop(shutdownCtx),
			registry.Close(shutdownCtx),
			broker.Disconnect(),
		)
	})

	return g.Wait()
}

func newBroker(cfg *config.Config, logger zerolog.Logger) bridge.Broker {
	if cfg.BrokerDriver == bridge.DriverMemory {
		logger.Warn().Msg("memory broker selected, instances will not share messages")
		return bridge.NewMemoryBroker(logger)
	}
	return bridge.NewRedisBroker(cfg.Redis(), logger)
}
