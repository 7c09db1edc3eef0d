package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	DB        DBConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
	Cache     CacheConfig
	Executor  ExecutorConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

// QuotaConfig governs per-subject daily admission.
type QuotaConfig struct {
	FreeDailyLimit int
	ProDailyLimit  int
	TeamDailyLimit int

	TransactionTimeout time.Duration
	SweepInterval      time.Duration
	TerminalRetention  time.Duration

	// Unlimited selects the permissive admission policy. Never enable in
	// production.
	Unlimited bool
}

// RateLimitConfig holds per-window ceilings, already scaled down from the
// external providers' hard limits by the safety margin.
type RateLimitConfig struct {
	InferenceTokensPerMinute   int
	InferenceTokensPerDay      int
	InferenceRequestsPerMinute int
	SearchRequestsPerMinute    int
}

type QueueConfig struct {
	Concurrency   int
	StartsPerSec  float64
	MaxAttempts   int
	BackoffBase   time.Duration
	CompletedKeep int
	CompletedTTL  time.Duration
	FailedKeep    int
	FailedTTL     time.Duration
}

type CacheConfig struct {
	AccountTTL   time.Duration
	RecencyTTL   time.Duration
	CheapTTL     time.Duration
	ExpensiveTTL time.Duration
}

type ExecutorConfig struct {
	URL     string
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               k.String("server.host"),
			Port:               k.Int("server.port"),
			CORSAllowedOrigins: k.Strings("server.cors.origins"),
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Quota: QuotaConfig{
			FreeDailyLimit: k.Int("quota.free.daily.limit"),
			ProDailyLimit:  k.Int("quota.pro.daily.limit"),
			TeamDailyLimit: k.Int("quota.team.daily.limit"),
			Unlimited:      k.Bool("quota.unlimited"),
		},
		RateLimit: RateLimitConfig{
			InferenceTokensPerMinute:   k.Int("ratelimit.inference.tokens.minute"),
			InferenceTokensPerDay:      k.Int("ratelimit.inference.tokens.day"),
			InferenceRequestsPerMinute: k.Int("ratelimit.inference.requests.minute"),
			SearchRequestsPerMinute:    k.Int("ratelimit.search.requests.minute"),
		},
		Queue: QueueConfig{
			Concurrency:   k.Int("queue.concurrency"),
			StartsPerSec:  k.Float64("queue.starts.per.sec"),
			MaxAttempts:   k.Int("queue.max.attempts"),
			CompletedKeep: k.Int("queue.completed.keep"),
			FailedKeep:    k.Int("queue.failed.keep"),
		},
		Executor: ExecutorConfig{
			URL: k.String("executor.url"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "lexgrid"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "lexgrid"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Quota.FreeDailyLimit == 0 {
		cfg.Quota.FreeDailyLimit = 10
	}
	if cfg.Quota.ProDailyLimit == 0 {
		cfg.Quota.ProDailyLimit = 100
	}
	if cfg.Quota.TeamDailyLimit == 0 {
		cfg.Quota.TeamDailyLimit = 500
	}
	if cfg.RateLimit.InferenceTokensPerMinute == 0 {
		cfg.RateLimit.InferenceTokensPerMinute = 80_000
	}
	if cfg.RateLimit.InferenceTokensPerDay == 0 {
		cfg.RateLimit.InferenceTokensPerDay = 2_000_000
	}
	if cfg.RateLimit.InferenceRequestsPerMinute == 0 {
		cfg.RateLimit.InferenceRequestsPerMinute = 40
	}
	if cfg.RateLimit.SearchRequestsPerMinute == 0 {
		cfg.RateLimit.SearchRequestsPerMinute = 48
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 5
	}
	if cfg.Queue.StartsPerSec == 0 {
		cfg.Queue.StartsPerSec = 10
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.CompletedKeep == 0 {
		cfg.Queue.CompletedKeep = 100
	}
	if cfg.Queue.FailedKeep == 0 {
		cfg.Queue.FailedKeep = 500
	}
	if cfg.Executor.URL == "" {
		cfg.Executor.URL = "http://localhost:9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.Quota.TransactionTimeout, "quota.transaction.timeout", "5m"},
		{&cfg.Quota.SweepInterval, "quota.sweep.interval", "60s"},
		{&cfg.Quota.TerminalRetention, "quota.terminal.retention", "10m"},
		{&cfg.Queue.BackoffBase, "queue.backoff.base", "2s"},
		{&cfg.Queue.CompletedTTL, "queue.completed.ttl", "1h"},
		{&cfg.Queue.FailedTTL, "queue.failed.ttl", "24h"},
		{&cfg.Cache.AccountTTL, "cache.account.ttl", "30s"},
		{&cfg.Cache.RecencyTTL, "cache.recency.ttl", "15m"},
		{&cfg.Cache.CheapTTL, "cache.cheap.ttl", "1h"},
		{&cfg.Cache.ExpensiveTTL, "cache.expensive.ttl", "2h"},
		{&cfg.Executor.Timeout, "executor.timeout", "120s"},
	}
	for _, d := range durations {
		s := k.String(d.key)
		if s == "" {
			s = d.def
		}
		*d.dst, err = time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.key, err)
		}
	}

	return cfg, nil
}

// DailyLimitFor returns the configured daily limit for a plan tier.
func (c QuotaConfig) DailyLimitFor(tier string) int {
	switch tier {
	case "pro":
		return c.ProDailyLimit
	case "team":
		return c.TeamDailyLimit
	default:
		return c.FreeDailyLimit
	}
}
