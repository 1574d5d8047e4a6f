// Package httpapi exposes the incident lifecycle and role administration
// over JSON/HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"incidentdesk.org/internal/lifecycle"
	"incidentdesk.org/internal/obs"
	"incidentdesk.org/internal/policy"
	"incidentdesk.org/internal/roles"
	"incidentdesk.org/internal/store"
)

// ReadyProbe reports whether the backing store can serve requests.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Options tunes the HTTP stack. Zero values fall back to defaults.
type Options struct {
	Version      string
	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
	CORSOrigins  []string
}

// API is the HTTP layer.
type API struct {
	store     store.Store
	lifecycle *lifecycle.Service
	roles     *roles.Engine
	policy    *policy.Enforcer
	ready     ReadyProbe
	opts      Options
}

func New(st store.Store, lc *lifecycle.Service, eng *roles.Engine, pol *policy.Enforcer, ready ReadyProbe, opts Options) *API {
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &API{
		store:     st,
		lifecycle: lc,
		roles:     eng,
		policy:    pol,
		ready:     ready,
		opts:      opts,
	}
}

// Handler builds the router wrapped in metrics and rate limiting.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS(a.opts.CORSOrigins), MaxBodyBytes(a.opts.MaxBodyBytes))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate)

		r.Route("/v1/incidents", func(r chi.Router) {
			r.Post("/", a.createIncident)
			r.Get("/{id}", a.getIncident)
			r.Get("/{id}/history", a.incidentHistory)
			r.Post("/{id}/crew", a.assignCrew)
			r.Post("/{id}/begin", a.beginWork)
			r.Post("/{id}/response", a.submitResponse)
			r.Post("/{id}/approve", a.approve)
			r.Post("/{id}/reject", a.reject)
			r.Post("/{id}/redirect", a.redirect)
		})
		r.Get("/v1/territorials/{id}/status-counts", a.statusCounts)

		r.Route("/v1/roles", func(r chi.Router) {
			r.Post("/assign", a.assignRole)
			r.Post("/clear", a.clearRole)
			r.Get("/eligible", a.eligible)
			r.Post("/validate", a.validateBatch)
		})
		r.Get("/v1/entities/{kind}", a.selectable)
		r.Route("/v1/entities/{kind}/{id}", func(r chi.Router) {
			r.Get("/children", a.children)
			r.Get("/members", a.members)
			r.Put("/members", a.syncMembers)
			r.Post("/active", a.setActive)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	return obs.Instrument(RateLimit(r, a.opts.RateBurst, a.opts.RatePerSec))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "incidentdesk-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	b := obs.CurrentBuild()
	if a.opts.Version != "" {
		b.Version = a.opts.Version
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  "incidentdesk-api",
		"time":  time.Now().UTC().Format(time.RFC3339),
		"build": b,
	})
}
