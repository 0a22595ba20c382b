// ABOUTME: Gateway wiring: config, store, runner, hub, and the HTTP server
// ABOUTME: Owns startup order and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/2389/ochre-gateway/internal/config"
	"github.com/2389/ochre-gateway/internal/conversation"
	"github.com/2389/ochre-gateway/internal/runner"
	"github.com/2389/ochre-gateway/internal/store"
	"github.com/2389/ochre-gateway/internal/ws"
)

// Gateway ties the pieces together: the sqlite store, the agent runner, the
// conversation hub, and the HTTP/websocket surface.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store
	hub    *conversation.Hub
	echo   *echo.Echo
}

// New builds a gateway from configuration. The database directory is created
// if missing.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	rn := runner.NewOpenRouterRunner(
		cfg.Agent.BaseURL,
		cfg.Agent.APIKey,
		cfg.Agent.MaxToolRounds,
		cfg.Agent.RequestTimeout,
		runner.DefaultTools(),
		logger,
	)

	hub := conversation.NewHub(st, rn, cfg.Agent.DefaultModel, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	g := &Gateway{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		store:  st,
		hub:    hub,
		echo:   e,
	}

	g.registerAPI(e)
	ws.NewHandler(hub, st, cfg.Socket, cfg.Server.APIKey, logger).Register(e)

	return g, nil
}

// Start serves HTTP until Shutdown is called. Blocks.
func (g *Gateway) Start() error {
	g.logger.Info("gateway listening",
		"addr", g.cfg.Server.HTTPAddr,
		"db", g.cfg.Database.Path,
		"model", g.cfg.Agent.DefaultModel)

	err := g.echo.Start(g.cfg.Server.HTTPAddr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server, cancels in-flight runs, and closes the
// store. Safe to call once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down")

	var firstErr error
	if err := g.echo.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}

	g.hub.Close()

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	return firstErr
}

// Echo exposes the router for tests.
func (g *Gateway) Echo() *echo.Echo {
	return g.echo
}

// Hub exposes the conversation hub for tests.
func (g *Gateway) Hub() *conversation.Hub {
	return g.hub
}
