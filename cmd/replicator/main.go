package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/baldanca/bucket-replicator/config"
	"github.com/baldanca/bucket-replicator/logger"
	"github.com/baldanca/bucket-replicator/metrics"
	"github.com/baldanca/bucket-replicator/tracing"
	"github.com/baldanca/bucket-replicator/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck
	logr = logr.With(zap.String("service", cfg.App.Name), zap.String("role", string(cfg.App.Role)))

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.App.Name,
		Role:        string(cfg.App.Role),
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Storage.Region))
	if err != nil {
		logr.Fatal("load aws config", zap.Error(err))
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	store, err := newStore(ctx, cfg, m)
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}

	wiring, err := newRole(ctx, cfg, deps{
		store:   store,
		sqs:     sqsClient,
		metrics: m,
		log:     logr,
	})
	if err != nil {
		logr.Fatal("init role", zap.Error(err))
	}
	defer wiring.close()

	runner, err := worker.NewRunner(wiring.source, wiring.handler, worker.RunnerConfig{
		Component: string(cfg.App.Role),
		Batch: worker.BatcherConfig{
			MaxItems:      cfg.Batch.MaxItems,
			FlushInterval: cfg.Batch.FlushInterval,
		},
		HandlerTimeout:         cfg.Batch.HandlerTimeout,
		// Only SQS sources extend visibility; the runner skips the lease otherwise.
		LeaseVisibilityTimeout: cfg.SQS.VisibilityTimeout,
		LeaseRenewEvery:        cfg.SQS.LeaseRenewEvery,
	}, worker.WithLogger(logr), worker.WithMetrics(m))
	if err != nil {
		logr.Fatal("init runner", zap.Error(err))
	}

	var server *http.Server
	if cfg.Metrics.Addr != "" {
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newRouter(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logr.Info("metrics server starting", zap.String("addr", cfg.Metrics.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logr.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logr.Info("replicator starting",
		zap.String("destination", cfg.Buckets.Destination),
		zap.String("storage_provider", cfg.Storage.Provider),
		zap.String("completion_transport", cfg.Queues.CompletionTransport),
	)
	runErr := runner.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}

	if runErr != nil {
		logr.Fatal("runner stopped", zap.Error(runErr))
	}
	logr.Info("replicator stopped")
}
