package app

import (
	"context"
	"net/http"
	"time"

	"inbox/cmd/internal/api"
	"inbox/cmd/internal/auth"
	"inbox/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routes struct {
	log   Logger
	cfg   Config
	authn *auth.Authenticator
	api   *api.Handler
	ws    *realtime.WSGateway

	dbEnabled bool
	checks    []readinessCheck
}

// newRouter builds the full HTTP surface: probes, metrics, the websocket endpoint and the REST API.
func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, rt.log) })
	r.Use(chimiddleware.Recoverer)
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", rt.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	// The gateway authenticates during the handshake and applies its own origin policy.
	r.Method(http.MethodGet, "/ws", rt.ws)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(rt.authn))
		r.Use(api.RateLimit(rt.cfg.HTTPRateLimit, rt.cfg.HTTPRateWindow))
		rt.api.Register(r)
	})

	return r
}

func (rt routes) handleReady(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.ReadinessRequireDB && !rt.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range rt.checks {
		if err := c.fn(ctx); err != nil {
			rt.log.Info("readyz.not_ready", "backend", c.name, "err", err)
			http.Error(w, c.name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
