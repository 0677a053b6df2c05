package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the host process configuration, populated from the
// environment.
type Config struct {
	HTTPAddr string `env:"TASKMILL_HTTP_ADDR" envDefault:":8080"`

	// Backend selects the queue store: memory, sqlite, or redis.
	Backend    string `env:"TASKMILL_BACKEND" envDefault:"sqlite"`
	SQLitePath string `env:"TASKMILL_SQLITE_PATH" envDefault:"taskmill.db"`
	RedisURL   string `env:"TASKMILL_REDIS_URL" envDefault:"redis://localhost:6379/0"`

	Workers      int           `env:"TASKMILL_WORKERS" envDefault:"2"`
	Concurrency  int           `env:"TASKMILL_CONCURRENCY" envDefault:"8"`
	PollInterval time.Duration `env:"TASKMILL_POLL_INTERVAL" envDefault:"250ms"`
	LeaseTTL     time.Duration `env:"TASKMILL_LEASE_TTL" envDefault:"60s"`

	RecurringInterval time.Duration `env:"TASKMILL_RECURRING_INTERVAL" envDefault:"5s"`

	Debug bool `env:"TASKMILL_DEBUG" envDefault:"false"`
}

func Load() (Config, error) {
	var cfg Config
	err := env.Parse(&cfg)
	return cfg, err
}
