package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/config"
	"github.com/letterloop/letterloop-server/internal/coordinator"
	"github.com/letterloop/letterloop-server/internal/identity"
	"github.com/letterloop/letterloop-server/internal/log"
	"github.com/letterloop/letterloop-server/internal/store"
	"github.com/letterloop/letterloop-server/internal/store/sqlite"
	transporthttp "github.com/letterloop/letterloop-server/internal/transport/http"
	"github.com/letterloop/letterloop-server/internal/utils"
)

// App wires the store, session coordinator and transport together.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	coord           *coordinator.Coordinator
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath, cfg.Game.EventBufferCap)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	secret := cfg.IdentitySecret
	if secret == "" {
		// An ephemeral secret keeps single-node setups working out of the
		// box; tokens do not survive a restart.
		secret = utils.NewID()
		logger.Warn().Msg("identity_secret not set, using ephemeral secret")
	}
	provider := identity.NewGuestProvider(identity.Config{
		Secret: []byte(secret),
		Issuer: cfg.IdentityIssuer,
	})

	coord := coordinator.New(st, cfg.Game, log.Component(logger, "coordinator"))
	server := transporthttp.NewServer(coord, provider, cfg, log.Component(logger, "http"))

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		coord:           coord,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and the presence sweep, blocking until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.coord.Run(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the store and other resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
