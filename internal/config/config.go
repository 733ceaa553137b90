// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	CacheDriverMemory = "memory"
	CacheDriverRedis  = "redis"

	QueueDriverKafka  = "kafka"
	QueueDriverMemory = "memory"
)

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool

	WebhookSecret string

	QueryRadiusMeters int
	CacheExpiration   time.Duration

	CacheDriver     string
	CacheTTL        time.Duration
	CacheMaxEntries int
	RedisAddr       string

	StoreDriver string
	DatabaseURL string

	OverpassURL        string
	OverpassTimeout    time.Duration
	OverpassRetries    int
	OverpassRetryDelay time.Duration

	QueueDriver       string
	KafkaBrokers      []string
	QueueTopic        string
	ConsumerGroup     string
	WorkerConcurrency int
	QueueMaxAttempts  int
	QueueRetryDelay   time.Duration

	SweepInterval time.Duration
	PendingMaxAge time.Duration
	SweepBatch    int
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("HTTP_ADDR", ":8080"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		QueryRadiusMeters: getint("QUERY_RADIUS_M", 500),
		CacheExpiration:   getduration("CACHE_EXPIRATION", 1440*time.Hour),

		CacheDriver:     strings.ToLower(getenv("CACHE_DRIVER", CacheDriverMemory)),
		CacheTTL:        getduration("CACHE_TTL", 10*time.Minute),
		CacheMaxEntries: getint("CACHE_MAX_ENTRIES", 10000),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),

		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		OverpassURL:        getenv("OVERPASS_URL", "https://overpass-api.de/api"),
		OverpassTimeout:    getduration("OVERPASS_TIMEOUT", 30*time.Second),
		OverpassRetries:    getint("OVERPASS_RETRIES", 2),
		OverpassRetryDelay: getduration("OVERPASS_RETRY_DELAY", time.Second),

		QueueDriver:       strings.ToLower(getenv("QUEUE_DRIVER", QueueDriverKafka)),
		KafkaBrokers:      splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
		QueueTopic:        getenv("KAFKA_TOPIC", "webhook-processing"),
		ConsumerGroup:     getenv("KAFKA_GROUP_ID", "webhook-processor-group"),
		WorkerConcurrency: getint("WORKER_CONCURRENCY", 3),
		QueueMaxAttempts:  getint("QUEUE_MAX_ATTEMPTS", 3),
		QueueRetryDelay:   getduration("QUEUE_RETRY_DELAY", 2*time.Second),

		SweepInterval: getduration("SWEEP_INTERVAL", time.Minute),
		PendingMaxAge: getduration("PENDING_MAX_AGE", 5*time.Minute),
		SweepBatch:    getint("SWEEP_BATCH", 100),
	}
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		return errors.New("STORE_DRIVER must be postgres or memory")
	}
	if c.CacheDriver != CacheDriverMemory && c.CacheDriver != CacheDriverRedis {
		return errors.New("CACHE_DRIVER must be memory or redis")
	}
	if c.QueueDriver != QueueDriverKafka && c.QueueDriver != QueueDriverMemory {
		return errors.New("QUEUE_DRIVER must be kafka or memory")
	}
	if c.QueueDriver == QueueDriverKafka && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when QUEUE_DRIVER=kafka")
	}
	if c.QueryRadiusMeters <= 0 {
		return errors.New("QUERY_RADIUS_M must be positive")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
