package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string

	JWTSecret            string
	JWTExpiry            time.Duration
	OperatorPasswordHash string

	MaxConcurrentDevices int
	StopWaitTimeout      time.Duration
	ReadTimeout          time.Duration
	ReconnectDelay       time.Duration

	SyncBatchSize        int
	DailySyncSpec        string
	FirstCheckinInterval time.Duration
	WatchdogInterval     time.Duration

	UpstreamURL    string
	UpstreamAPIKey string

	BiodataDir string
}

func LoadConfig() (*Config, error) {
	expiry, err := time.ParseDuration(getEnv("JWT_EXPIRY", "24h"))
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTExpiry:            expiry,
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),

		MaxConcurrentDevices: getEnvInt("MAX_CONCURRENT_DEVICES", 10),
		StopWaitTimeout:      getEnvDuration("STOP_WAIT_TIMEOUT", 3*time.Second),
		ReadTimeout:          getEnvDuration("DEVICE_READ_TIMEOUT", time.Second),
		ReconnectDelay:       getEnvDuration("RECONNECT_DELAY", 10*time.Second),

		SyncBatchSize:        getEnvInt("SYNC_BATCH_SIZE", 100),
		DailySyncSpec:        getEnv("DAILY_SYNC_SPEC", "59 23 * * *"),
		FirstCheckinInterval: getEnvDuration("FIRST_CHECKIN_INTERVAL", 30*time.Second),
		WatchdogInterval:     getEnvDuration("CAPTURE_WATCHDOG_INTERVAL", 5*time.Minute),

		UpstreamURL:    os.Getenv("UPSTREAM_URL"),
		UpstreamAPIKey: os.Getenv("UPSTREAM_API_KEY"),

		BiodataDir: getEnv("BIODATA_DIR", "./biodata"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
