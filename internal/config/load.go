package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "TASKQ"

const defaultRedisURL = "redis://localhost:6379/0"

var defaults = map[string]any{
	"broker.backend":            BackendRedis,
	"broker.url":                defaultRedisURL,
	"results.backend":           "",
	"results.url":               "",
	"results.ttl":               "1h",
	"results.workflow_ttl":      "24h",
	"results.step_timeout":      "5s",
	"worker.id":                 "",
	"worker.lease_ttl":          "30s",
	"worker.poll_timeout":       "1s",
	"worker.time_limit":         "1h",
	"worker.heartbeat_interval": "0s",
	"rate_limit.enabled":        false,
	"rate_limit.per_minute":     60,
	"rate_limit.per_hour":       1000,
	"log.level":                 "info",
	"log.format":                "text",
	"maintenance.schedule":      "@every 30s",
}

func defaultQueues() []map[string]any {
	return []map[string]any{
		{"name": "default", "description": "General purpose tasks", "concurrency": 4},
		{"name": "compute", "description": "CPU-bound tasks", "concurrency": 2},
	}
}

// Load reads configuration from file (or taskq.yaml in the working
// directory or /etc/taskq when file is empty) and the environment.
// A missing default config file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()

	for key, val := range defaults {
		v.SetDefault(key, val)
		envKey := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey); err != nil {
			return nil, fmt.Errorf("bind %s: %w", envKey, err)
		}
	}
	v.SetDefault("queues", defaultQueues())

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("taskq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskq")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Queues are a list of structs and cannot be bound to a single env key
	// by viper, so they use a compact name:concurrency syntax.
	if err := v.BindEnv("queues_spec", envPrefix+"_QUEUES"); err != nil {
		return nil, err
	}
	if spec := v.GetString("queues_spec"); spec != "" {
		queues, err := parseQueues(spec)
		if err != nil {
			return nil, err
		}
		v.Set("queues", queues)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyFallbacks()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyFallbacks() {
	if c.Results.Backend == "" {
		c.Results.Backend = c.Broker.Backend
	}
	if c.Results.URL == "" && c.Results.Backend == c.Broker.Backend {
		c.Results.URL = c.Broker.URL
	}
	for i := range c.Queues {
		if c.Queues[i].Concurrency == 0 {
			c.Queues[i].Concurrency = 1
		}
	}
}

// parseQueues parses "name[:concurrency],..." into queue entries.
func parseQueues(spec string) ([]map[string]any, error) {
	var out []map[string]any
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, conc, hasConc := strings.Cut(part, ":")
		q := map[string]any{"name": name, "concurrency": 1}
		if hasConc {
			n, err := strconv.Atoi(conc)
			if err != nil {
				return nil, fmt.Errorf("queue %q: invalid concurrency %q", name, conc)
			}
			q["concurrency"] = n
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("TASKQ_QUEUES %q names no queues", spec)
	}
	return out, nil
}

// QueueNames returns the names of the configured queues in order.
func (c *Config) QueueNames() []string {
	names := make([]string, len(c.Queues))
	for i, q := range c.Queues {
		names[i] = q.Name
	}
	return names
}
