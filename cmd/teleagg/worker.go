package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/distribution"
	"github.com/mohammad-safakhou/teleagg/internal/queue/streams"
	"github.com/mohammad-safakhou/teleagg/internal/runlock"
	"github.com/mohammad-safakhou/teleagg/internal/runtime"
	"github.com/mohammad-safakhou/teleagg/internal/sessionfiles"
	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/worker"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var metricsAddr string
	var cmd = &cobra.Command{
		Use:   "worker",
		Short: "Consume distribution tasks from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(*cfgPath)
			return runWorker(cfg, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "address for /metrics (empty disables)")
	return cmd
}

func runWorker(cfg *config.Config, metricsAddr string) error {
	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	ctx, cancel := runtime.SignalContext(context.Background(), "worker", logger)
	defer cancel()

	telemetry, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: cfg.Telemetry.ServiceName + "-worker", ServiceVersion: "dev"})
	if err != nil {
		return fmt.Errorf("worker telemetry init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	registry, err := schemaRegistry()
	if err != nil {
		return err
	}
	if err := streams.EnsureGroup(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group); err != nil {
		return fmt.Errorf("worker ensure group: %w", err)
	}
	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, cfg.Queue.Group, consumerName, logger)

	engine := distribution.New(st, st,
		distribution.WithCapacity(cfg.Distribution.MaxChannelsPerAccount),
		distribution.WithLocker(runlock.NewRedis(rdb), cfg.Distribution.LockTTL),
		distribution.WithClassifier(sources.IsTelegram),
		distribution.WithSessionFiles(sessionfiles.NewDir(cfg.Distribution.SessionDir)),
		distribution.WithLogger(log.New(os.Stdout, "[DISTRIB] ", log.LstdFlags)),
		distribution.WithMetrics(distribution.NewMetrics(prometheus.DefaultRegisterer)),
	)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("warn: metrics server: %v", err)
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}

	results := newResults(cfg, rdb)
	processor := worker.NewProcessor(logger, engine, st, results, consumer, cfg.Queue.Stream,
		worker.Options{Block: cfg.Queue.Block}, meter, tracer)
	logger.Printf("consumer %s joined group %s", consumerName, cfg.Queue.Group)
	return processor.Start(ctx)
}
