package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Robertgreenwood27/messagingapp/internal/config"
	"github.com/Robertgreenwood27/messagingapp/internal/handlers"
	"github.com/Robertgreenwood27/messagingapp/internal/logging"
	"github.com/Robertgreenwood27/messagingapp/internal/metrics"
	"github.com/Robertgreenwood27/messagingapp/internal/postgres"
	"github.com/Robertgreenwood27/messagingapp/internal/services"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

func main() {
	// Load configuration from environment
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogPretty)
	configLog := logging.Component(log, "config")
	for _, w := range cfg.Warnings {
		configLog.Warn().Msg(w)
	}

	// Service-key client: cleanup needs to see soft-deleted rows
	db := supabase.NewServiceClient(cfg, supabase.WithLogger(logging.Component(log, "supabase")))

	// Cleanup store: direct Postgres when configured, REST otherwise
	var store services.CleanupStore = services.NewSupabaseCleanupStore(db)
	var closeDB func()
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		store = postgres.NewCleanupStore(pool)
		closeDB = pool.Close
		log.Info().Msg("cleanup uses direct database connection")
	}

	cleanupService := services.NewCleanupService(store, cfg.Retention(),
		services.WithCleanupLogger(logging.Component(log, "cleanup")),
		services.WithBroadcaster(db),
	)
	scheduler, err := services.NewCleanupScheduler(cleanupService, cfg.CleanupCron,
		services.WithSchedulerLogger(logging.Component(log, "scheduler")))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid cleanup schedule")
	}

	// Start background cleanup worker
	scheduler.Start(context.Background())

	// Initialize handlers
	cleanupHandler := handlers.NewCleanupHandler(scheduler, cleanupService, cfg.CleanupSecretKey, logging.Component(log, "http"))

	// Set up router with middleware
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	log.Info().Strs("origins", cfg.CORSOrigins).Msg("CORS allowed origins")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check and metrics endpoints
	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/cleanup", func(r chi.Router) {
			// Called by the external cron with the shared secret
			r.Post("/", cleanupHandler.Run)

			// Admin dashboard
			r.Group(func(r chi.Router) {
				r.Use(handlers.RequireAdmin(cfg.SupabaseJWTSecret, db, logging.Component(log, "auth")))
				r.Get("/stats", cleanupHandler.Stats)
				r.Get("/logs", cleanupHandler.Logs)
			})
		})
	})

	// Start server
	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		log.Info().Str("addr", addr).Msg("maintenance server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
			"cleanup-scheduler": func(ctx context.Context) error {
				scheduler.Stop()
				if closeDB != nil {
					closeDB()
				}
				return nil
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("server exited")
	os.Exit(exitCode)
}
