package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config gathers the process configuration from the environment. The wait
// and capacity thresholds were hard-coded in earlier dashboard builds; they
// are tunables here.
type Config struct {
	DBConnStr string
	Port      string

	// SlowStageAfter flags batches that sit in a stage longer than this.
	SlowStageAfter time.Duration
	// NotifyWorkers / NotifyQueueSize size the notification dispatcher.
	NotifyWorkers   int
	NotifyQueueSize int
	// NotifyWarnPct is the queue fill percentage that logs a capacity warning.
	NotifyWarnPct int
}

// Load reads .env (if present) and the environment. DBConnStr falls back to
// assembling DB_* variables the way the migrate command does.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DBConnStr:       os.Getenv("DATABASE_URL"),
		Port:            envOr("PORT", "8080"),
		SlowStageAfter:  time.Duration(envInt("SLOW_STAGE_MINUTES", 30)) * time.Minute,
		NotifyWorkers:   envInt("NOTIFY_WORKERS", 2),
		NotifyQueueSize: envInt("NOTIFY_QUEUE_SIZE", 64),
		NotifyWarnPct:   envInt("NOTIFY_WARN_PCT", 90),
	}
	if cfg.DBConnStr == "" {
		user := os.Getenv("DB_USERNAME")
		pass := os.Getenv("DB_PASSWORD")
		host := os.Getenv("DB_HOST")
		port := os.Getenv("DB_PORT")
		name := os.Getenv("DB_NAME")
		if user == "" || pass == "" || host == "" || port == "" || name == "" {
			return Config{}, fmt.Errorf("DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		}
		cfg.DBConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
