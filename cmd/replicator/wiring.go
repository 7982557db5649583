package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/baldanca/bucket-replicator/config"
	"github.com/baldanca/bucket-replicator/metrics"
	"github.com/baldanca/bucket-replicator/objectstore"
	"github.com/baldanca/bucket-replicator/objectstore/miniostore"
	"github.com/baldanca/bucket-replicator/objectstore/s3store"
	"github.com/baldanca/bucket-replicator/policy"
	"github.com/baldanca/bucket-replicator/replicator"
	"github.com/baldanca/bucket-replicator/sink"
	"github.com/baldanca/bucket-replicator/source"
	"github.com/baldanca/bucket-replicator/sweeper"
	"github.com/baldanca/bucket-replicator/usage"
	"github.com/baldanca/bucket-replicator/worker"
)

type deps struct {
	store   objectstore.Store
	sqs     *sqs.Client
	metrics *metrics.Metrics
	log     *zap.Logger
}

type role struct {
	source  source.Sourcer
	handler worker.Handler
	closers []func() error
}

func (r *role) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i]()
	}
}

func newStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (objectstore.Store, error) {
	var store objectstore.Store
	switch cfg.Storage.Provider {
	case config.ProviderMinio:
		s, err := miniostore.NewFromConfig(miniostore.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		store = s
	case config.ProviderS3:
		s, err := s3store.NewFromConfig(ctx, s3store.Config{
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKey,
			SecretAccessKey: cfg.Storage.SecretKey,
			UsePathStyle:    cfg.Storage.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
	return objectstore.NewInstrumented(store, m), nil
}

func sqsSourceConfig(cfg *config.Config, log *zap.Logger) source.SourceSQSConfig {
	return source.SourceSQSConfig{
		WaitTimeSeconds:              cfg.SQS.WaitTimeSeconds,
		MaxMessages:                  cfg.SQS.MaxMessages,
		VisibilityTO:                 cfg.SQS.VisibilityTimeout,
		Pollers:                      cfg.SQS.Pollers,
		BufSize:                      cfg.SQS.BufferSize,
		FailVisibilityTimeoutSeconds: cfg.SQS.FailVisibility(),
		Logger:                       log,
	}
}

func newRole(ctx context.Context, cfg *config.Config, d deps) (*role, error) {
	retry := worker.BackoffRetry{
		Attempts:        cfg.Retry.Attempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}
	classify := policy.Marker(cfg.Buckets.EphemeralMarker)
	log := d.log.With(zap.String("component", string(cfg.App.Role)))

	r := &role{}
	switch cfg.App.Role {
	case config.RoleCopier:
		src := source.NewSQS(ctx, d.sqs, cfg.Queues.CopierURL, sqsSourceConfig(cfg, log))
		r.closers = append(r.closers, func() error { src.Close(); return nil })

		var pub sink.Publisher
		switch cfg.Queues.CompletionTransport {
		case config.TransportKafka:
			k := sink.NewKafka(sink.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.CompletionTopic})
			r.closers = append(r.closers, k.Close)
			pub = k
		default:
			pub = sink.NewSQS(d.sqs, cfg.Queues.LogURL)
		}

		r.source = src
		r.handler = replicator.New(d.store, pub, src, cfg.Buckets.Destination,
			replicator.WithLogger(log),
			replicator.WithRetry(retry),
		)

	case config.RoleUsage:
		var src source.Sourcer
		switch cfg.Queues.CompletionTransport {
		case config.TransportKafka:
			k := source.NewKafka(source.SourceKafkaConfig{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.CompletionTopic,
				GroupID: cfg.Kafka.GroupID,
			})
			r.closers = append(r.closers, k.Close)
			src = k
		default:
			s := source.NewSQS(ctx, d.sqs, cfg.Queues.LogURL, sqsSourceConfig(cfg, log))
			r.closers = append(r.closers, func() error { s.Close(); return nil })
			src = s
		}

		r.source = src
		r.handler = usage.New(d.store, src, cfg.Buckets.Destination,
			usage.WithClassifier(classify),
			usage.WithThreshold(cfg.Usage.AlarmThresholdBytes),
			usage.WithMetrics(d.metrics),
			usage.WithLogger(log),
			usage.WithRetry(retry),
		)

	case config.RoleSweeper:
		src := source.NewSQS(ctx, d.sqs, cfg.Queues.CleanerURL, sqsSourceConfig(cfg, log))
		r.closers = append(r.closers, func() error { src.Close(); return nil })

		r.source = src
		r.handler = sweeper.New(d.store, src, cfg.Buckets.Destination,
			sweeper.WithClassifier(classify),
			sweeper.WithMetrics(d.metrics),
			sweeper.WithLogger(log),
			sweeper.WithRetry(retry),
		)

	default:
		return nil, fmt.Errorf("unknown role %q", cfg.App.Role)
	}
	return r, nil
}

func newRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return r
}
