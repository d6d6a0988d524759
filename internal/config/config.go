package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment configuration values for the application.
// These values are loaded from a .env file at startup.
type Config struct {
	// SupabaseURL is the URL of your Supabase project
	SupabaseURL string

	// SupabaseAnonKey is the public key used by user sessions (RLS applies)
	SupabaseAnonKey string

	// SupabaseServiceKey is the service role key for maintenance operations
	// This key bypasses row level security and should never be exposed to clients
	SupabaseServiceKey string

	// SupabaseJWTSecret verifies user access tokens on admin endpoints
	SupabaseJWTSecret string

	// AccessToken is the signed-in user's session token (terminal client only)
	AccessToken string

	// DatabaseURL optionally points the cleanup job straight at Postgres
	DatabaseURL string

	// ServerPort is the port the HTTP server listens on
	ServerPort string

	// CORSOrigins lists the origins allowed to call the HTTP API
	CORSOrigins []string

	// CleanupSecretKey authenticates POST /api/cleanup
	CleanupSecretKey string

	// CleanupCron is the schedule of the hard-delete job
	CleanupCron string

	// RetentionDays is how long soft-deleted messages are kept
	RetentionDays int

	LogLevel  string
	LogPretty bool

	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	// Warnings lists problems found while loading. Load runs before a logger
	// exists, so the binaries log them once the logger is built.
	Warnings []string
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment variables.
// Falls back to sensible defaults if values are not set.
func Load() *Config {
	var warnings []string

	// Missing .env is fine in production where real environment variables are set
	if err := godotenv.Load(); err != nil {
		warnings = append(warnings, "no .env file found, using environment variables")
	}

	config := &Config{
		SupabaseURL:        strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
		SupabaseAnonKey:    getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseJWTSecret:  getEnv("SUPABASE_JWT_SECRET", ""),
		AccessToken:        getEnv("SUPABASE_ACCESS_TOKEN", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		ServerPort:         getEnv("PORT", "8080"),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		CleanupSecretKey:   getEnv("CLEANUP_SECRET_KEY", ""),
		CleanupCron:        getEnv("CLEANUP_CRON", "0 3 * * *"),
		RetentionDays:      getEnvInt("MESSAGE_RETENTION_DAYS", 30, &warnings),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogPretty:          getEnvBool("LOG_PRETTY", false, &warnings),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &warnings),
		RequestTimeout:     getEnvDuration("REQUEST_TIMEOUT", 10*time.Second, &warnings),
	}

	if config.SupabaseURL == "" {
		warnings = append(warnings, "SUPABASE_URL is not set")
	}
	if config.SupabaseAnonKey == "" && config.SupabaseServiceKey == "" {
		warnings = append(warnings, "neither SUPABASE_ANON_KEY nor SUPABASE_SERVICE_ROLE_KEY is set")
	}

	config.Warnings = warnings
	return config
}

// Retention is the age after which soft-deleted messages are hard-deleted.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// RealtimeURL is the websocket endpoint of the project's realtime service.
func (c *Config) RealtimeURL() string {
	u := c.SupabaseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, warnings *[]string) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, using %d", key, value, defaultValue))
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool, warnings *[]string) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, using %t", key, value, defaultValue))
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration, warnings *[]string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*warnings = append(*warnings, fmt.Sprintf("invalid %s=%q, using %s", key, value, defaultValue))
		return defaultValue
	}
	return d
}

// splitList splits a comma-separated list and trims whitespace
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
