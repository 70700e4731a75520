package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"cadence/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// DispatchConfig tunes the poll loop and retry policy.
type DispatchConfig struct {
	IntervalSeconds    int `json:"interval_seconds"`
	SendTimeoutSeconds int `json:"send_timeout_seconds"`
	MaxAttempts        int `json:"max_attempts"`
	BackoffBaseMinutes int `json:"backoff_base_minutes"`
	GlobalRatePerSec   int `json:"global_rate_per_sec"`
}

// RecoveryConfig tunes the stalled-job reconciler.
type RecoveryConfig struct {
	IntervalSeconds  int `json:"interval_seconds"`
	StalenessMinutes int `json:"staleness_minutes"`
	FailAfterMinutes int `json:"fail_after_minutes"`
}

// WarmupConfig is the progression policy; the exact thresholds are
// deployment policy, not code.
type WarmupConfig struct {
	WeeklyLimits     []int   `json:"weekly_limits"`
	MinDaysPerWeek   int     `json:"min_days_per_week"`
	MaxBounceRate    float64 `json:"max_bounce_rate"`
	MaxComplaintRate float64 `json:"max_complaint_rate"`
}

type Config struct {
	Environment   string `json:"environment"`
	ServerPort    string `json:"server_port"`
	EncryptionKey string `json:"-"`
	SentryDSN     string `json:"-"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`

	// ReferenceTimezone bounds the sending day for rate counters and the
	// midnight reset.
	ReferenceTimezone string `json:"reference_timezone"`

	TrackingBaseURL string `json:"tracking_base_url"`
	TrackingSecret  string `json:"-"`

	Dispatch DispatchConfig `json:"dispatch"`
	Recovery RecoveryConfig `json:"recovery"`
	Warmup   WarmupConfig   `json:"warmup"`

	ReplyPollMinutes int `json:"reply_poll_minutes"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		ServerPort:    getEnv("SERVER_PORT", "5000"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		SentryDSN:     getEnv("SENTRY_DSN", ""),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "cadence"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		ReferenceTimezone: getEnv("REFERENCE_TIMEZONE", "UTC"),

		TrackingBaseURL: getEnv("TRACKING_BASE_URL", "http://localhost:5000"),
		TrackingSecret:  getEnv("TRACKING_SECRET", ""),

		Dispatch: DispatchConfig{
			IntervalSeconds:    getEnvAsInt("DISPATCH_INTERVAL_SECONDS", 30),
			SendTimeoutSeconds: getEnvAsInt("DISPATCH_SEND_TIMEOUT_SECONDS", 30),
			MaxAttempts:        getEnvAsInt("DISPATCH_MAX_ATTEMPTS", 5),
			BackoffBaseMinutes: getEnvAsInt("DISPATCH_BACKOFF_BASE_MINUTES", 5),
			GlobalRatePerSec:   getEnvAsInt("DISPATCH_GLOBAL_RATE_PER_SEC", 10),
		},
		Recovery: RecoveryConfig{
			IntervalSeconds:  getEnvAsInt("RECOVERY_INTERVAL_SECONDS", 60),
			StalenessMinutes: getEnvAsInt("RECOVERY_STALENESS_MINUTES", 2),
			FailAfterMinutes: getEnvAsInt("RECOVERY_FAIL_AFTER_MINUTES", 30),
		},
		Warmup: WarmupConfig{
			WeeklyLimits:     getEnvAsInts("WARMUP_WEEKLY_LIMITS", []int{5, 15, 35, 75, 150, 300}),
			MinDaysPerWeek:   getEnvAsInt("WARMUP_MIN_DAYS_PER_WEEK", 7),
			MaxBounceRate:    getEnvAsFloat("WARMUP_MAX_BOUNCE_RATE", 0.05),
			MaxComplaintRate: getEnvAsFloat("WARMUP_MAX_COMPLAINT_RATE", 0.01),
		},

		ReplyPollMinutes: getEnvAsInt("REPLY_POLL_MINUTES", 5),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.TrackingSecret == "" {
		return fmt.Errorf("TRACKING_SECRET is required")
	}
	if _, err := time.LoadLocation(AppConfig.ReferenceTimezone); err != nil {
		return fmt.Errorf("invalid REFERENCE_TIMEZONE %q: %w", AppConfig.ReferenceTimezone, err)
	}

	logConfig()
	return nil
}

// ReferenceLocation returns the configured reference zone; LoadConfig has
// already validated it.
func ReferenceLocation() *time.Location {
	loc, err := time.LoadLocation(AppConfig.ReferenceTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database connected and migrated")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsInts(key string, fallback []int) []int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	parts := strings.Split(valueStr, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		values = append(values, v)
	}
	return values
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis enabled: %t", AppConfig.Redis.Enabled)
	log.Printf("Reference timezone: %s", AppConfig.ReferenceTimezone)
}
