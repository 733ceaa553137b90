package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/overpasskit/landmark-webhook/internal/cache"
	"github.com/overpasskit/landmark-webhook/internal/cache/memcache"
	"github.com/overpasskit/landmark-webhook/internal/cache/rediscache"
	"github.com/overpasskit/landmark-webhook/internal/config"
	"github.com/overpasskit/landmark-webhook/internal/health"
	"github.com/overpasskit/landmark-webhook/internal/httpapi"
	"github.com/overpasskit/landmark-webhook/internal/logger"
	"github.com/overpasskit/landmark-webhook/internal/observability"
	"github.com/overpasskit/landmark-webhook/internal/overpass"
	"github.com/overpasskit/landmark-webhook/internal/queue"
	"github.com/overpasskit/landmark-webhook/internal/queue/kafkaqueue"
	"github.com/overpasskit/landmark-webhook/internal/queue/memqueue"
	"github.com/overpasskit/landmark-webhook/internal/store"
	"github.com/overpasskit/landmark-webhook/internal/webhook"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Service:   "landmark-webhook",
		Component: "webhookd",
	}, os.Stdout)

	if err := cfg.Validate(); err != nil {
		zl.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	observability.ExposeBuildInfo(Version)
	zl.Info().
		Str("addr", cfg.Addr).
		Str("version", Version).
		Str("store", cfg.StoreDriver).
		Str("cache", cfg.CacheDriver).
		Str("queue", cfg.QueueDriver).
		Msg("starting webhookd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			zl.Error().Err(err).Msg("failed to open postgres store")
			return 1
		}
		st = pg
	default:
		st = store.NewMemory()
	}
	defer func() { _ = st.Close() }()

	var hot cache.Interface
	switch cfg.CacheDriver {
	case config.CacheDriverRedis:
		rc, err := rediscache.New(ctx, cfg.RedisAddr, cfg.CacheTTL, zl)
		if err != nil {
			zl.Error().Err(err).Msg("failed to build redis cache")
			return 1
		}
		defer func() { _ = rc.Close() }()
		hot = rc
	default:
		hot = memcache.New(cfg.CacheMaxEntries, cfg.CacheTTL)
	}

	fetcher := overpass.New(overpass.Config{
		BaseURL:    cfg.OverpassURL,
		Timeout:    cfg.OverpassTimeout,
		Retries:    cfg.OverpassRetries,
		RetryDelay: cfg.OverpassRetryDelay,
	}, zl)

	worker := webhook.NewWorker(st, hot, fetcher, cfg.CacheExpiration, zl)

	var (
		producer     queue.Producer
		readiness    health.QueueReporter
		stopConsumer func()
	)
	switch cfg.QueueDriver {
	case config.QueueDriverKafka:
		prod, err := kafkaqueue.NewProducer(cfg.KafkaBrokers, cfg.QueueTopic, zl)
		if err != nil {
			zl.Error().Err(err).Msg("failed to start kafka producer")
			return 1
		}
		runner := kafkaqueue.NewRunner(kafkaqueue.RunnerConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.QueueTopic,
			GroupID:     cfg.ConsumerGroup,
			Concurrency: cfg.WorkerConcurrency,
			MaxAttempts: cfg.QueueMaxAttempts,
			RetryDelay:  cfg.QueueRetryDelay,
		}, worker.Handle, zl)
		if err := runner.Start(ctx); err != nil {
			zl.Error().Err(err).Msg("failed to start kafka consumer group")
			_ = prod.Close()
			return 1
		}
		producer, readiness, stopConsumer = prod, runner, runner.Stop
	default:
		q := memqueue.New(memqueue.Config{
			Partitions:  cfg.WorkerConcurrency,
			MaxAttempts: cfg.QueueMaxAttempts,
			RetryDelay:  cfg.QueueRetryDelay,
		}, zl)
		if err := q.Start(ctx, worker.Handle); err != nil {
			zl.Error().Err(err).Msg("failed to start in-memory queue")
			return 1
		}
		producer, readiness, stopConsumer = q, q, q.Stop
	}
	defer func() { _ = producer.Close() }()

	coordinator := webhook.NewCoordinator(st, hot, producer, cfg.QueryRadiusMeters, cfg.CacheExpiration, zl)
	reader := webhook.NewReader(st, hot, cfg.QueryRadiusMeters, zl)
	sweeper := webhook.NewSweeper(st, producer, cfg.SweepInterval, cfg.PendingMaxAge, cfg.SweepBatch, zl)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	router := httpapi.NewRouter(httpapi.Deps{
		Log:           zl,
		Submitter:     coordinator,
		Querier:       reader,
		WebhookSecret: cfg.WebhookSecret,
		Store:         st,
		Queue:         readiness,
	})

	err := httpapi.Serve(ctx, cfg.Addr, router, zl)

	// The serve loop has returned; wind the background work down before the
	// deferred closes run.
	wg.Wait()
	stopConsumer()

	if err != nil {
		zl.Error().Err(err).Msg("server exited with error")
		return 1
	}
	zl.Info().Msg("webhookd stopped")
	return 0
}
