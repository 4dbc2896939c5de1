package config

import (
	"time"

	"github.com/petrijr/taskq/pkg/ratelimit"
)

// Config holds the settings of a taskq worker process.
type Config struct {
	Broker      BrokerConfig      `mapstructure:"broker"`
	Results     ResultsConfig     `mapstructure:"results"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Queues      []QueueConfig     `mapstructure:"queues" validate:"required,min=1,dive"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Log         LogConfig         `mapstructure:"log"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// Backends understood by BrokerConfig and ResultsConfig.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// BrokerConfig selects the message broker.
type BrokerConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=memory sqlite postgres redis mongo"`
	// URL is a DSN for sqlite/postgres, a redis:// URL or a mongodb:// URI.
	URL string `mapstructure:"url" validate:"required_unless=Backend memory"`
}

// ResultsConfig selects the result store. Empty Backend and URL fall back
// to the broker's.
type ResultsConfig struct {
	Backend     string        `mapstructure:"backend" validate:"omitempty,oneof=memory sqlite postgres redis mongo"`
	URL         string        `mapstructure:"url"`
	TTL         time.Duration `mapstructure:"ttl"`
	WorkflowTTL time.Duration `mapstructure:"workflow_ttl" validate:"gte=0"`
	// StepTimeout bounds how long a redelivered workflow advance waits
	// before taking over a step another worker claimed.
	StepTimeout time.Duration `mapstructure:"step_timeout" validate:"gte=0"`
}

// WorkerConfig holds executor settings shared by all queues.
type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl" validate:"gt=0"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	TimeLimit         time.Duration `mapstructure:"time_limit" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// QueueConfig declares a queue and how many invocations of it run in
// parallel.
type QueueConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Description string `mapstructure:"description"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=1"`
}

// RateLimitConfig holds submission rate limits per client.
type RateLimitConfig struct {
	Enabled   bool  `mapstructure:"enabled"`
	PerMinute int64 `mapstructure:"per_minute" validate:"gte=1"`
	PerHour   int64 `mapstructure:"per_hour" validate:"gte=1"`
}

// Rules converts the limits into limiter rules.
func (c RateLimitConfig) Rules() []ratelimit.Rule {
	return []ratelimit.Rule{
		{Limit: c.PerMinute, Window: time.Minute},
		{Limit: c.PerHour, Window: time.Hour},
	}
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// MaintenanceConfig schedules periodic cleanup (a robfig/cron spec such as
// "@every 30s").
type MaintenanceConfig struct {
	Schedule string `mapstructure:"schedule" validate:"required"`
}
