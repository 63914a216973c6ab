package config

import (
	"log"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	Port          int    `env:"PORT" envDefault:"8080"`
	DatabaseURL   string `env:"DATABASE_URL,notEmpty"`
	RedisURL      string `env:"REDIS_URL,notEmpty"`
	WorkerCount   int    `env:"WORKER_COUNT" envDefault:"4"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
