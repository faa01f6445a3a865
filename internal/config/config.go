package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL"`
	ChatAdapterURL     string `env:"CHAT_ADAPTER_URL"`
	AudienceServiceURL string `env:"AUDIENCE_SERVICE_URL"`

	SchedulerCron             string `env:"SCHEDULER_CRON,default=0 */5 * * * *"`
	ForceCompleteDelaySeconds int    `env:"FORCE_COMPLETE_DELAY_SECONDS,default=86400"`
	ReconcileGraceSeconds     int    `env:"RECONCILE_GRACE_SECONDS,default=900"`
	StoreTimeoutSeconds       int    `env:"STORE_TIMEOUT_SECONDS,default=10"`

	RateLimitPerSec         int `env:"RATE_LIMIT_PER_SEC,default=100"`
	WorkerConcurrency       int `env:"WORKER_CONCURRENCY,default=4"`
	DispatchSendConcurrency int `env:"DISPATCH_SEND_CONCURRENCY,default=16"`
	AggregatorConcurrency   int `env:"AGGREGATOR_CONCURRENCY,default=8"`
	QueuePrefetch           int `env:"QUEUE_PREFETCH,default=16"`
	CounterUpdateMaxRetries int `env:"COUNTER_UPDATE_MAX_RETRIES,default=10"`

	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int `env:"DB_MAX_IDLE_CONNS,default=5"`

	APIPort     int    `env:"API_PORT,default=8080"`
	MetricsPort int    `env:"METRICS_PORT,default=9090"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ForceCompleteDelay() time.Duration {
	return time.Duration(c.ForceCompleteDelaySeconds) * time.Second
}

func (c *Config) ReconcileGrace() time.Duration {
	return time.Duration(c.ReconcileGraceSeconds) * time.Second
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}
