package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int

	// Cluster
	ServerID string

	// Task lock
	TaskNegotiationWindow time.Duration
	TaskLockExpiration    time.Duration
	TaskBackoffDelay      time.Duration

	// Maintenance
	MaintenanceSchedule     string
	HorizonWeeks            int
	RemoveItemsAfterWeeks   int
	RemoveStarredAfterWeeks int

	// Rate Limit
	AdminRateLimit int // requests/minute

	// Logging
	LogLevel string

	// Server
	ServerPort string
	ServerURL  string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.ServerID = os.Getenv("SERVER_ID")
	if cfg.ServerID == "" {
		missing = append(missing, "SERVER_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.TaskNegotiationWindow = getEnvDuration("TASK_NEGOTIATION_WINDOW", 3*time.Minute)
	cfg.TaskLockExpiration = getEnvDuration("TASK_LOCK_EXPIRATION", 12*time.Hour)
	cfg.TaskBackoffDelay = getEnvDuration("TASK_BACKOFF_DELAY", 5*time.Second)
	cfg.MaintenanceSchedule = getEnvString("MAINTENANCE_SCHEDULE", "@every 1m")
	cfg.HorizonWeeks = getEnvInt("HORIZON_WEEKS", 4)
	cfg.RemoveItemsAfterWeeks = getEnvInt("REMOVE_ITEMS_AFTER_WEEKS", 8)
	cfg.RemoveStarredAfterWeeks = getEnvInt("REMOVE_STARRED_ITEMS_AFTER_WEEKS", 26)
	cfg.AdminRateLimit = getEnvInt("ADMIN_RATE_LIMIT", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.ServerURL = getEnvString("SERVER_URL", "")

	if cfg.TaskNegotiationWindow*2 >= cfg.TaskLockExpiration {
		return nil, fmt.Errorf("TASK_LOCK_EXPIRATION (%s) must be longer than twice TASK_NEGOTIATION_WINDOW (%s)",
			cfg.TaskLockExpiration, cfg.TaskNegotiationWindow)
	}

	return cfg, nil
}

// Horizon は繰り返しイベントを先行展開する期間を返す。
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonWeeks) * 7 * 24 * time.Hour
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
