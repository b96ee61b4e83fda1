package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	CRM       CRMConfig
	Sync      SyncConfig
	Match     MatchConfig
	WebSocket WebSocketConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port string `validate:"required"`
	Host string `validate:"required"`
	Env  string
}

type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	User     string
	Password string
	Name     string `validate:"required"`
}

// CRMConfig points at the external CRM's REST API and its OAuth token
// endpoint.
type CRMConfig struct {
	BaseURL      string `validate:"required,url"`
	TokenURL     string `validate:"required,url"`
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`
	Timeout      time.Duration
	RateLimit    float64 `validate:"gt=0"`
	RateBurst    int     `validate:"gt=0"`
}

type SyncConfig struct {
	Interval time.Duration `validate:"required"`
	Workers  int           `validate:"gt=0"`

	BackoffBase time.Duration `validate:"gt=0"`
	BackoffCap  time.Duration `validate:"gt=0"`
	MaxRetries  int           `validate:"gt=0"`

	// AutoResolveAfter closes aged awaiting_decision conflicts whose fields
	// are all system-managed. Zero leaves every escalated conflict to a
	// human.
	AutoResolveAfter time.Duration
}

type MatchConfig struct {
	ConfidenceFloor float64 `validate:"gt=0,lte=1"`
	TieWindow       float64 `validate:"gt=0,lt=1"`
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteWait       time.Duration
	PongWait        time.Duration
	PingPeriod      time.Duration
	MaxClients      int
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "meetsync"),
		},
		CRM: CRMConfig{
			BaseURL:      getEnv("CRM_BASE_URL", "http://localhost:9090/api"),
			TokenURL:     getEnv("CRM_TOKEN_URL", "http://localhost:9090/oauth/token"),
			ClientID:     getEnv("CRM_CLIENT_ID", "dev-client"),
			ClientSecret: getEnv("CRM_CLIENT_SECRET", "dev-secret-change-in-production"),
			Timeout:      getEnvAsDuration("CRM_TIMEOUT", 30*time.Second),
			RateLimit:    getEnvAsFloat("CRM_RATE_LIMIT", 5),
			RateBurst:    getEnvAsInt("CRM_RATE_BURST", 10),
		},
		Sync: SyncConfig{
			Interval:         getEnvAsDuration("SYNC_INTERVAL", 2*time.Minute),
			Workers:          getEnvAsInt("SYNC_WORKERS", 4),
			BackoffBase:      getEnvAsDuration("SYNC_BACKOFF_BASE", 30*time.Second),
			BackoffCap:       getEnvAsDuration("SYNC_BACKOFF_CAP", 15*time.Minute),
			MaxRetries:       getEnvAsInt("SYNC_MAX_RETRIES", 5),
			AutoResolveAfter: getEnvAsDuration("SYNC_AUTO_RESOLVE_AFTER", 0),
		},
		Match: MatchConfig{
			ConfidenceFloor: getEnvAsFloat("MATCH_CONFIDENCE_FLOOR", 0.3),
			TieWindow:       getEnvAsFloat("MATCH_TIE_WINDOW", 0.05),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize: getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:  int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 1048576)),
			WriteWait:       10 * time.Second,
			PongWait:        60 * time.Second,
			PingPeriod:      54 * time.Second,
			MaxClients:      getEnvAsInt("WS_MAX_CLIENTS", 64),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
