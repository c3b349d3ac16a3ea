package config

import (
	"log"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	MaxConcurrentJobs    int   `env:"MAX_CONCURRENT_JOBS" envDefault:"5"`
	MaxAPICallsPerMinute int   `env:"MAX_API_CALLS_PER_MINUTE" envDefault:"60"`
	MaxFilesPerBatch     int   `env:"MAX_FILES_PER_BATCH" envDefault:"12"`
	MaxBatchBytes        int64 `env:"MAX_BATCH_BYTES" envDefault:"4194304"`
	RetentionDays        int   `env:"RETENTION_DAYS" envDefault:"2"`

	GradingAPIURL          string `env:"GRADING_API_URL" envDefault:"http://localhost:9000/v1/grade"`
	ExtractionAPIURL       string `env:"EXTRACTION_API_URL" envDefault:"http://localhost:9000/v1/extract"`
	DownstreamTimeoutSec   int    `env:"DOWNSTREAM_TIMEOUT_SEC" envDefault:"120"`
	SchedulerIntervalSec   int    `env:"SCHED_INTERVAL_SEC" envDefault:"15"`
	PerItemSecondsEstimate int    `env:"PER_ITEM_SECONDS" envDefault:"2"`
}

func Load() Config {
	_ = godotenv.Load() // optional; real env wins
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
