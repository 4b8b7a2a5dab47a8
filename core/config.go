package core

import (
	"fmt"
	"strings"
	"time"
)

type DatabaseConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
}

type HTTPConfig struct {
	Addr         string `koanf:"addr" mapstructure:"addr"`
	MaxBodyBytes int64  `koanf:"max_body_bytes" mapstructure:"max_body_bytes"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr" mapstructure:"addr"`
	Password string `koanf:"password" mapstructure:"password"`
	DB       int    `koanf:"db" mapstructure:"db"`
}

type IngestConfig struct {
	PIIKey string `koanf:"pii_key" mapstructure:"pii_key"`
	AppKey string `koanf:"app_key" mapstructure:"app_key"`
}

// DLQConfig drives the retry scheduler. Jitter must not exceed Base so that
// consecutive delays keep growing.
type DLQConfig struct {
	BaseInterval time.Duration `koanf:"base_interval" mapstructure:"base_interval"`
	Jitter       time.Duration `koanf:"jitter" mapstructure:"jitter"`
	MaxAttempts  int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	DeadAfter    time.Duration `koanf:"dead_after" mapstructure:"dead_after"`
	BatchSize    int           `koanf:"batch_size" mapstructure:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	ClaimLease   time.Duration `koanf:"claim_lease" mapstructure:"claim_lease"`
}

// LeaseConfig bounds job ownership. Duration has to exceed a normal unit of
// work with margin: a short lease lets a second worker reclaim a job that is
// still running, a long one delays recovery after a crash. Heartbeat must
// be shorter than Duration.
type LeaseConfig struct {
	Duration          time.Duration `koanf:"duration" mapstructure:"duration"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" mapstructure:"heartbeat_interval"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `koanf:"tick_interval" mapstructure:"tick_interval"`
	LockKey      string        `koanf:"lock_key" mapstructure:"lock_key"`
	Workers      int           `koanf:"workers" mapstructure:"workers"`
	PollInterval time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
}

type CacheConfig struct {
	TTL     time.Duration `koanf:"ttl" mapstructure:"ttl"`
	MemoTTL time.Duration `koanf:"memo_ttl" mapstructure:"memo_ttl"`
}

type AlertsConfig struct {
	CriticalScore   float64       `koanf:"critical_score" mapstructure:"critical_score"`
	RequiredSignals []string      `koanf:"required_signals" mapstructure:"required_signals"`
	DispatchTimeout time.Duration `koanf:"dispatch_timeout" mapstructure:"dispatch_timeout"`
	FanOutLimit     int           `koanf:"fan_out_limit" mapstructure:"fan_out_limit"`
}

type AnalysisConfig struct {
	BaseURL       string        `koanf:"base_url" mapstructure:"base_url"`
	APIKey        string        `koanf:"api_key" mapstructure:"api_key"`
	Timeout       time.Duration `koanf:"timeout" mapstructure:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second" mapstructure:"rate_per_second"`
	RateBurst     int           `koanf:"rate_burst" mapstructure:"rate_burst"`
}

type PageFetchConfig struct {
	RenderURL string        `koanf:"render_url" mapstructure:"render_url"`
	Timeout   time.Duration `koanf:"timeout" mapstructure:"timeout"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Database    DatabaseConfig  `koanf:"database" mapstructure:"database"`
	HTTP        HTTPConfig      `koanf:"http" mapstructure:"http"`
	Redis       RedisConfig     `koanf:"redis" mapstructure:"redis"`
	Ingest      IngestConfig    `koanf:"ingest" mapstructure:"ingest"`
	DLQ         DLQConfig       `koanf:"dlq" mapstructure:"dlq"`
	Lease       LeaseConfig     `koanf:"lease" mapstructure:"lease"`
	Scheduler   SchedulerConfig `koanf:"scheduler" mapstructure:"scheduler"`
	Cache       CacheConfig     `koanf:"cache" mapstructure:"cache"`
	Alerts      AlertsConfig    `koanf:"alerts" mapstructure:"alerts"`
	Analysis    AnalysisConfig  `koanf:"analysis" mapstructure:"analysis"`
	PageFetch   PageFetchConfig `koanf:"pagefetch" mapstructure:"pagefetch"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "alignment",
		Database: DatabaseConfig{
			Driver:      "postgres",
			PingTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
		DLQ: DLQConfig{
			BaseInterval: 5 * time.Minute,
			Jitter:       60 * time.Second,
			MaxAttempts:  5,
			DeadAfter:    72 * time.Hour,
			BatchSize:    50,
			PollInterval: 30 * time.Second,
			ClaimLease:   5 * time.Minute,
		},
		Lease: LeaseConfig{
			Duration:          2 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Minute,
			LockKey:      "alignment:scheduler",
			Workers:      4,
			PollInterval: 5 * time.Second,
		},
		Cache: CacheConfig{
			TTL:     168 * time.Hour,
			MemoTTL: 5 * time.Minute,
		},
		Alerts: AlertsConfig{
			CriticalScore:   40,
			RequiredSignals: []string{"ga4", "meta_pixel"},
			DispatchTimeout: 10 * time.Second,
			FanOutLimit:     8,
		},
		Analysis: AnalysisConfig{
			Timeout:       20 * time.Second,
			RatePerSecond: 2,
			RateBurst:     4,
		},
		PageFetch: PageFetchConfig{
			Timeout: 30 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	durations := map[string]time.Duration{
		"dlq.base_interval":        c.DLQ.BaseInterval,
		"dlq.dead_after":           c.DLQ.DeadAfter,
		"dlq.poll_interval":        c.DLQ.PollInterval,
		"dlq.claim_lease":          c.DLQ.ClaimLease,
		"lease.duration":           c.Lease.Duration,
		"lease.heartbeat_interval": c.Lease.HeartbeatInterval,
		"scheduler.tick_interval":  c.Scheduler.TickInterval,
		"scheduler.poll_interval":  c.Scheduler.PollInterval,
		"cache.ttl":                c.Cache.TTL,
		"alerts.dispatch_timeout":  c.Alerts.DispatchTimeout,
		"analysis.timeout":         c.Analysis.Timeout,
	}
	for key, value := range durations {
		if value <= 0 {
			return fmt.Errorf("core: %s must be positive", key)
		}
	}
	if c.DLQ.Jitter < 0 || c.DLQ.Jitter > c.DLQ.BaseInterval {
		return fmt.Errorf("core: dlq.jitter must be between 0 and dlq.base_interval")
	}
	if c.DLQ.MaxAttempts < 1 {
		return fmt.Errorf("core: dlq.max_attempts must be at least 1")
	}
	if c.DLQ.BatchSize < 1 {
		return fmt.Errorf("core: dlq.batch_size must be at least 1")
	}
	if c.Lease.HeartbeatInterval >= c.Lease.Duration {
		return fmt.Errorf("core: lease.heartbeat_interval must be shorter than lease.duration")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("core: scheduler.workers must be at least 1")
	}
	if strings.TrimSpace(c.Scheduler.LockKey) == "" {
		return fmt.Errorf("core: scheduler.lock_key is required")
	}
	if c.Alerts.FanOutLimit < 1 {
		return fmt.Errorf("core: alerts.fan_out_limit must be at least 1")
	}
	return nil
}
