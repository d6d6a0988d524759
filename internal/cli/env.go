package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Robertgreenwood27/messagingapp/internal/config"
	"github.com/Robertgreenwood27/messagingapp/internal/logging"
	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/postgres"
	"github.com/Robertgreenwood27/messagingapp/internal/realtime"
	"github.com/Robertgreenwood27/messagingapp/internal/services"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

var errNotSignedIn = errors.New("not signed in: set SUPABASE_ACCESS_TOKEN to a valid session token")

// Backend is everything the commands need from the REST API, acting as the
// signed-in user.
type Backend interface {
	services.DB
	Update(ctx context.Context, table string, filters []supabase.Filter, patch any) error
	CurrentUser(ctx context.Context) (*models.Principal, error)
}

// Env carries the dependencies of a command invocation.
type Env struct {
	Backend Backend

	// Realtime connects on first use.
	Realtime func(ctx context.Context) (realtime.Subscriber, error)

	// Cleanup is nil when no service key or database URL is configured.
	Cleanup *services.CleanupService

	Log zerolog.Logger
	Now func() time.Time

	// Close releases connections opened by the environment.
	Close func()
}

// EnvLoader builds the environment for a command.
type EnvLoader func(ctx context.Context) (*Env, error)

// user returns the signed-in principal.
func (e *Env) user(ctx context.Context) (*models.Principal, error) {
	p, err := e.Backend.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read current user: %w", err)
	}
	if p == nil {
		return nil, errNotSignedIn
	}
	return p, nil
}

// LoadEnv builds the environment from the process configuration.
func LoadEnv(ctx context.Context) (*Env, error) {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, true)
	configLog := logging.Component(log, "config")
	for _, w := range cfg.Warnings {
		configLog.Debug().Msg(w)
	}

	backend := supabase.NewUserClient(cfg, supabase.WithLogger(logging.Component(log, "supabase")))

	var (
		mu      sync.Mutex
		rt      *realtime.Client
		closers []func()
	)
	env := &Env{
		Backend: backend,
		Log:     log,
		Now:     time.Now,
		Realtime: func(ctx context.Context) (realtime.Subscriber, error) {
			mu.Lock()
			defer mu.Unlock()
			if rt != nil {
				return rt, nil
			}
			c := realtime.NewClient(cfg.RealtimeURL(), cfg.SupabaseAnonKey, cfg.AccessToken,
				realtime.WithLogger(logging.Component(log, "realtime")))
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			rt = c
			return rt, nil
		},
	}

	var store services.CleanupStore
	switch {
	case cfg.DatabaseURL != "":
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pool.Close)
		store = postgres.NewCleanupStore(pool)
	case cfg.SupabaseServiceKey != "":
		store = services.NewSupabaseCleanupStore(supabase.NewServiceClient(cfg))
	}
	if store != nil {
		env.Cleanup = services.NewCleanupService(store, cfg.Retention(),
			services.WithCleanupLogger(logging.Component(log, "cleanup")))
	}

	env.Close = func() {
		mu.Lock()
		defer mu.Unlock()
		if rt != nil {
			rt.Close()
		}
		for _, c := range closers {
			c()
		}
	}
	return env, nil
}
