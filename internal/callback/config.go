package callback

import (
	"autofigure/internal/config"
	"autofigure/pkg/backoff"
	"autofigure/pkg/circuitbreaker"
	"time"
)

// Config holds configuration for the callback dispatcher.
type Config struct {
	BufferSize   int           // pending deliveries buffer (default: 10000)
	Workers      int           // concurrent delivery goroutines (default: 10)
	HTTPTimeout  time.Duration // per-request timeout (default: 10s)
	MaxRetries   int           // retries after the first attempt (default: 3, negative for none)
	MaxRequeues  int           // requeues while the host's circuit is open (default: 10)
	RequeueDelay time.Duration // wait before a requeued delivery is retried (default: breaker cooldown)
	Backoff      backoff.Config
	Breaker      circuitbreaker.Config
	UserAgent    string
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 10),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  config.GetIntEnv("DISPATCHER_MAX_RETRIES", 3),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.Backoff == (backoff.Config{}) {
		c.Backoff = backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = c.Breaker.Cooldown
	}
	if c.UserAgent == "" {
		c.UserAgent = "autofigure-callback/1.0"
	}
	return c
}
