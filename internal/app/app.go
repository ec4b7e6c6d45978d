package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	natsbroker "github.com/relaychat/relaychat-server/internal/broker/nats"
	"github.com/relaychat/relaychat-server/internal/config"
	"github.com/relaychat/relaychat-server/internal/core"
	"github.com/relaychat/relaychat-server/internal/store"
	"github.com/relaychat/relaychat-server/internal/store/sqlite"
	"github.com/relaychat/relaychat-server/internal/transport/ws"
)

// App wires the store, the broker, the routing core and the transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	service         *core.Service
	bridge          *core.Bridge
	broker          *natsbroker.Broker // nil when the broker was unreachable
	store           store.Store
	log             *zerolog.Logger
	wg              sync.WaitGroup
}

// New constructs the application with provided configuration. A missing
// persistence store is fatal; an unreachable broker only disables the
// fanout bridge and the service degrades to registry-only local delivery.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	var brk core.Broker
	nb, err := natsbroker.Connect(cfg.NatsURL, logger)
	if err != nil {
		logger.Error().Err(err).Str("nats_url", cfg.NatsURL).
			Msg("broker unreachable, fanout bridge disabled")
	} else {
		brk = nb
	}

	var tokens *auth.TokenIssuer
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTTTL)
	} else {
		logger.Warn().Msg("jwt secret not configured, login acks carry no session token")
	}

	registry := core.NewRegistry()
	bridge := core.NewBridge(brk, registry, st, logger)
	service := core.NewService(st, registry, bridge, tokens, logger)
	server := ws.NewServer(service, *cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		service:         service,
		bridge:          bridge,
		broker:          nb,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the bridge listener and the HTTP server, then blocks until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A previous crash leaves stale online rows behind; reconcile before
	// accepting connections.
	if err := a.service.ResetOnlineStates(ctx); err != nil {
		a.log.Error().Err(err).Msg("startup presence sweep failed")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bridge.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		cancel()
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer shutdownCancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup joins the bridge listener, runs the shutdown presence sweep and
// closes the broker and store.
func (a *App) cleanup() {
	a.wg.Wait()

	sweepCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := a.service.ResetOnlineStates(sweepCtx); err != nil {
		a.log.Error().Err(err).Msg("shutdown presence sweep failed")
	}

	if a.broker != nil {
		a.broker.Close()
		a.log.Info().Msg("broker closed")
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
