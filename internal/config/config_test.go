package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://abc.supabase.co/")
	t.Setenv("PORT", "")
	t.Setenv("CORS_ORIGINS", "")
	t.Setenv("MESSAGE_RETENTION_DAYS", "")
	t.Setenv("CLEANUP_CRON", "")

	cfg := Load()

	assert.Equal(t, "https://abc.supabase.co", cfg.SupabaseURL)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.Equal(t, "0 3 * * *", cfg.CleanupCron)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("MESSAGE_RETENTION_DAYS", "7")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("LOG_PRETTY", "true")

	cfg := Load()

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.LogPretty)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("MESSAGE_RETENTION_DAYS", "-2")
	t.Setenv("REQUEST_TIMEOUT", "soon")

	cfg := Load()

	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Contains(t, cfg.Warnings, `invalid MESSAGE_RETENTION_DAYS="-2", using 30`)
	assert.Contains(t, cfg.Warnings, `invalid REQUEST_TIMEOUT="soon", using 10s`)
}

func TestLoad_WarnsAboutMissingProject(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "")
	t.Setenv("LOG_PRETTY", "sometimes")

	cfg := Load()

	assert.False(t, cfg.LogPretty)
	assert.Contains(t, cfg.Warnings, "SUPABASE_URL is not set")
	assert.Contains(t, cfg.Warnings, "neither SUPABASE_ANON_KEY nor SUPABASE_SERVICE_ROLE_KEY is set")
	assert.Contains(t, cfg.Warnings, `invalid LOG_PRETTY="sometimes", using false`)
}

func TestRealtimeURL(t *testing.T) {
	cfg := &Config{SupabaseURL: "https://abc.supabase.co"}
	assert.Equal(t, "wss://abc.supabase.co/realtime/v1/websocket", cfg.RealtimeURL())

	cfg.SupabaseURL = "http://localhost:54321"
	assert.Equal(t, "ws://localhost:54321/realtime/v1/websocket", cfg.RealtimeURL())
}
