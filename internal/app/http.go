package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/partyhost/internal/health"
	"github.com/MrWong99/partyhost/internal/observe"
	"github.com/MrWong99/partyhost/internal/results"
)

// pinger is implemented by stores backed by a remote database.
type pinger interface {
	Ping(ctx context.Context) error
}

// Handler returns the HTTP surface: probes, metrics, the results API, the
// key server when enabled and the microphone bridge when configured.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	checks := []health.Checker{
		health.SessionReady(a.manager),
		{
			Name: "catalog",
			Check: func(context.Context) error {
				if len(a.catalog.Games) == 0 {
					return errors.New("no games")
				}
				return nil
			},
		},
	}
	if p, ok := a.store.(pinger); ok {
		checks = append(checks, health.Checker{Name: "results", Check: p.Ping})
	}
	health.New(checks...).Routes(r)

	r.Handle("/metrics", promhttp.Handler())
	results.NewHandler(a.store).Routes(r)

	if a.keyServer != nil {
		a.keyServer.Routes(r)
	}
	if a.comps.Bridge != nil {
		r.Handle(a.cfg.Audio.BridgePath, a.comps.Bridge)
	}
	return r
}
