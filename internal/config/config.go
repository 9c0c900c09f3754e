package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Reconcile ReconcileConfig
	Gateway   GatewayConfig
	API       APIConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
	LockTTL  time.Duration
}

type DispatchConfig struct {
	Interval    time.Duration
	BatchSize   int
	RateLimit   time.Duration
	MaxAttempts int
	ContentMax  int
}

type ReconcileConfig struct {
	Schedule   string
	StaleAfter time.Duration
}

type GatewayConfig struct {
	URL          string
	Timeout      time.Duration
	PollInterval time.Duration
}

type APIConfig struct {
	RatePerSecond float64
	Burst         int
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

type env struct {
	ServerAddress string `env:"SERVER_ADDRESS,default=:8080"`
	DatabaseURL   string `env:"DATABASE_URL,required"`

	GatewayURL            string `env:"GATEWAY_URL,required"`
	GatewayTimeoutSeconds int    `env:"GATEWAY_TIMEOUT_SECONDS,default=30"`
	SessionPollSeconds    int    `env:"SESSION_POLL_SECONDS,default=5"`

	DispatchIntervalSeconds int `env:"DISPATCH_INTERVAL_SECONDS,default=10"`
	DispatchBatchSize       int `env:"DISPATCH_BATCH_SIZE,default=10"`
	DispatchRateLimitMS     int `env:"DISPATCH_RATE_LIMIT_MS,default=3000"`
	DispatchMaxAttempts     int `env:"DISPATCH_MAX_ATTEMPTS,default=3"`
	ContentMax              int `env:"CONTENT_MAX,default=4096"`

	ReconcileSchedule     string `env:"RECONCILE_SCHEDULE,default=@every 1m"`
	ReconcileStaleSeconds int    `env:"RECONCILE_STALE_SECONDS,default=600"`

	APIRatePerSecond float64 `env:"API_RATE_PER_SECOND,default=5"`
	APIBurst         int     `env:"API_BURST,default=10"`

	RedisAddr            string `env:"REDIS_ADDR"`
	RedisPassword        string `env:"REDIS_PASSWORD"`
	RedisDB              int    `env:"REDIS_DB,default=0"`
	RedisTTLSeconds      int    `env:"REDIS_TTL_SECONDS,default=86400"`
	LeaderLockTTLSeconds int    `env:"LEADER_LOCK_TTL_SECONDS,default=300"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func LoadAll() (*Config, error) {
	return load(envconfig.OsLookuper())
}

func load(l envconfig.Lookuper) (*Config, error) {
	var e env
	if err := envconfig.ProcessWith(context.Background(), &e, l); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}

	if err := validate(&e); err != nil {
		return nil, err
	}

	level, _ := parseLevel(e.LogLevel)

	cfg := &Config{
		Server:   ServerConfig{Address: e.ServerAddress},
		Database: DatabaseConfig{URL: e.DatabaseURL},
		Gateway: GatewayConfig{
			URL:          strings.TrimRight(e.GatewayURL, "/"),
			Timeout:      seconds(e.GatewayTimeoutSeconds),
			PollInterval: seconds(e.SessionPollSeconds),
		},
		Dispatch: DispatchConfig{
			Interval:    seconds(e.DispatchIntervalSeconds),
			BatchSize:   e.DispatchBatchSize,
			RateLimit:   time.Duration(e.DispatchRateLimitMS) * time.Millisecond,
			MaxAttempts: e.DispatchMaxAttempts,
			ContentMax:  e.ContentMax,
		},
		Reconcile: ReconcileConfig{
			Schedule:   e.ReconcileSchedule,
			StaleAfter: seconds(e.ReconcileStaleSeconds),
		},
		API: APIConfig{
			RatePerSecond: e.APIRatePerSecond,
			Burst:         e.APIBurst,
		},
		Redis: loadRedisConfig(&e),
		Log: LogConfig{
			Level:  level,
			Format: strings.ToLower(e.LogFormat),
		},
	}
	return cfg, nil
}

func loadRedisConfig(e *env) RedisConfig {
	if e.RedisAddr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  e.RedisAddr,
		Password: e.RedisPassword,
		DB:       e.RedisDB,
		TTL:      seconds(e.RedisTTLSeconds),
		LockTTL:  seconds(e.LeaderLockTTLSeconds),
	}
}

func validate(e *env) error {
	var errs []error
	positive := func(key string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("GATEWAY_TIMEOUT_SECONDS", e.GatewayTimeoutSeconds)
	positive("SESSION_POLL_SECONDS", e.SessionPollSeconds)
	positive("DISPATCH_INTERVAL_SECONDS", e.DispatchIntervalSeconds)
	positive("DISPATCH_BATCH_SIZE", e.DispatchBatchSize)
	positive("DISPATCH_MAX_ATTEMPTS", e.DispatchMaxAttempts)
	positive("CONTENT_MAX", e.ContentMax)
	positive("RECONCILE_STALE_SECONDS", e.ReconcileStaleSeconds)
	positive("API_BURST", e.APIBurst)
	if e.GatewayTimeoutSeconds > 0 && e.ReconcileStaleSeconds > 0 && e.ReconcileStaleSeconds <= e.GatewayTimeoutSeconds {
		errs = append(errs, fmt.Errorf("RECONCILE_STALE_SECONDS must be greater than GATEWAY_TIMEOUT_SECONDS (%d)", e.GatewayTimeoutSeconds))
	}

	if e.DispatchRateLimitMS < 0 {
		errs = append(errs, errors.New("DISPATCH_RATE_LIMIT_MS must be >= 0"))
	}
	if e.APIRatePerSecond <= 0 {
		errs = append(errs, errors.New("API_RATE_PER_SECOND must be > 0"))
	}
	if strings.TrimSpace(e.ReconcileSchedule) == "" {
		errs = append(errs, errors.New("RECONCILE_SCHEDULE must not be empty"))
	}
	if e.RedisAddr != "" {
		positive("REDIS_TTL_SECONDS", e.RedisTTLSeconds)
		positive("LEADER_LOCK_TTL_SECONDS", e.LeaderLockTTLSeconds)
	}
	if _, ok := parseLevel(e.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: unknown level %q", e.LogLevel))
	}
	switch strings.ToLower(e.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unknown format %q", e.LogFormat))
	}

	return joinErrors(errs)
}

func parseLevel(raw string) (slog.Level, bool) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, false
	}
	return l, true
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
