// Package app wires the inbox server runtime: config, logging, backends, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"inbox/cmd/internal/api"
	"inbox/cmd/internal/auth"
	"inbox/cmd/internal/messaging"
	"inbox/cmd/internal/realtime"

	"golang.org/x/sync/errgroup"
)

// App is the inbox server runtime: it owns the HTTP server, the realtime gateway and every backend connection.
type App struct {
	cfg Config
	log Logger

	backends *backends
	hub      *realtime.Hub
	handler  http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(authCfg)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)
	b, err := openBackends(ctx, cfg, log, hub)
	if err != nil {
		return nil, err
	}

	convs := messaging.NewConversationService(log, b.store, b.users)
	msgs := messaging.NewMessageService(log, b.store, b.users, convs, messaging.WithEvents(b.events))

	authn := auth.NewAuthenticator(log, verifier, b.users)
	notifier := realtime.NewNotifier(log, b.fanout)

	handler := newRouter(routes{
		log:       log,
		cfg:       cfg,
		authn:     authn,
		api:       api.NewHandler(log, convs, msgs, notifier),
		ws:        realtime.NewWSGateway(log, cfg.Gateway(), hub, notifier, authn, convs, msgs),
		dbEnabled: b.dbEnabled,
		checks:    b.checks,
	})

	log.Info("auth.enabled", "mode", authCfg.Mode, "issuer", authCfg.Issuer)

	return &App{
		cfg:      cfg,
		log:      log,
		backends: b,
		hub:      hub,
		handler:  handler,
	}, nil
}

// Handler exposes the fully wired HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and the fan-out subscriber until ctx is cancelled or either fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"fanout", a.cfg.Fanout,
		"directory", a.cfg.Directory,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.backends.fanout.Run(gctx); err != nil {
			a.log.Error("fanout.run.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.backends.close(closeCtx, a.log)

	a.log.Info("server.stopped")
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
