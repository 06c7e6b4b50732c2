package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port    string
		Env     string
		Timeout time.Duration
		BaseURL string
	}

	// Database configuration
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		MaxConns int
		Timeout  time.Duration
	}

	// Redis configuration (optional cross-instance event relay)
	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
	}

	// JWT configuration (session cookie verification only; issuance is external)
	JWT struct {
		Secret     string
		CookieName string
	}

	// Chat configuration
	Chat struct {
		MaxTextLength      int
		MaxAttachments     int
		HeartbeatInterval  time.Duration
		SubscriberBuffer   int
		BacklogRecent      int
		BacklogSince       int
		DefaultPageTake    int
		MaxPageTake        int
		DefaultHistoryPage int
		MaxHistoryPage     int
	}

	// Security configuration
	Security struct {
		SendRateLimit  float64
		SendRateBurst  int
		TrustedProxies []string
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables.
// Uses singleton pattern to ensure only one instance exists.
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = &Config{}

		// Server config
		instance.Server.Port = getEnvString("PORT", "8080")
		instance.Server.Env = getEnvString("APP_ENV", "development")
		instance.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)
		instance.Server.BaseURL = getEnvString("BASE_URL", "http://localhost:"+instance.Server.Port)

		// Database config
		instance.Database.Host = getEnvString("DB_HOST", "localhost")
		instance.Database.Port = getEnvString("DB_PORT", "5432")
		instance.Database.User = getEnvString("DB_USER", "postgres")
		instance.Database.Password = getEnvString("DB_PASSWORD", "postgres")
		instance.Database.Name = getEnvString("DB_NAME", "lostfound")
		instance.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
		instance.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
		instance.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)

		// Redis config
		instance.Redis.Enabled = getEnvBool("REDIS_ENABLED", false)
		instance.Redis.Addr = getEnvString("REDIS_URL", "localhost:6379")
		instance.Redis.Password = getEnvString("REDIS_PASSWORD", "")
		instance.Redis.DB = getEnvInt("REDIS_DB", 0)

		// JWT config
		instance.JWT.Secret = getEnvString("JWT_SECRET", "dev_secret_change_me")
		instance.JWT.CookieName = getEnvString("JWT_COOKIE_NAME", "lf_token")

		// Chat config
		instance.Chat.MaxTextLength = getEnvInt("CHAT_MAX_TEXT_LENGTH", 5000)
		instance.Chat.MaxAttachments = getEnvInt("CHAT_MAX_ATTACHMENTS", 10)
		instance.Chat.HeartbeatInterval = getEnvDuration("CHAT_HEARTBEAT_INTERVAL", 15*time.Second)
		instance.Chat.SubscriberBuffer = getEnvInt("CHAT_SUBSCRIBER_BUFFER", 64)
		instance.Chat.BacklogRecent = getEnvInt("CHAT_BACKLOG_RECENT", 50)
		instance.Chat.BacklogSince = getEnvInt("CHAT_BACKLOG_SINCE", 200)
		instance.Chat.DefaultPageTake = getEnvInt("CHAT_DEFAULT_PAGE_TAKE", 200)
		instance.Chat.MaxPageTake = getEnvInt("CHAT_MAX_PAGE_TAKE", 500)
		instance.Chat.DefaultHistoryPage = getEnvInt("CHAT_DEFAULT_HISTORY_PAGE", 30)
		instance.Chat.MaxHistoryPage = getEnvInt("CHAT_MAX_HISTORY_PAGE", 100)

		// Security config
		instance.Security.SendRateLimit = float64(getEnvInt("SEND_RATE_LIMIT", 5))
		instance.Security.SendRateBurst = getEnvInt("SEND_RATE_BURST", 10)
		instance.Security.TrustedProxies = getEnvStringSlice("TRUSTED_PROXIES", []string{"127.0.0.1"})

		// Logging config
		instance.Logging.Level = getEnvString("LOG_LEVEL", "info")
		instance.Logging.Format = getEnvString("LOG_FORMAT", "json")
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
