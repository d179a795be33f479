// Package api serves the local agent HTTP interface to an unlocked vault.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	openapi "github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/ledgervault/storage"
	"github.com/jmcleod/ledgervault/vault"
)

const (
	defaultUnlockRequests = 10
	defaultUnlockWindow   = time.Minute
	maxBodyBytes          = 5 << 20
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	vault    *vault.Vault
	repo     storage.Repository
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	unlockLimiter  *unlockRateLimiter
	unlockRequests int
	unlockWindow   time.Duration
	alerts         *alertCollector
	cancelAlerts   func()

	done     chan struct{}
	doneOnce sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and alert logging.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithGatherer mounts GET /metrics for g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) {
		a.gatherer = g
	}
}

// WithUnlockRate limits POST /v1/unlock to n requests per window per client IP.
func WithUnlockRate(n int, window time.Duration) Option {
	return func(a *API) {
		a.unlockRequests = n
		a.unlockWindow = window
	}
}

// WithAlertFunc receives anomaly alerts in addition to the log.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alerts = newAlertCollector(fn)
	}
}

// New creates a new API instance over v. repo is used to look up profiles.
func New(v *vault.Vault, repo storage.Repository, opts ...Option) *API {
	a := &API{
		vault:          v,
		repo:           repo,
		logger:         slog.Default(),
		unlockLimiter:  newUnlockRateLimiter(),
		unlockRequests: defaultUnlockRequests,
		unlockWindow:   defaultUnlockWindow,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.alerts == nil {
		a.alerts = newAlertCollector(nil)
	}
	a.alerts.logger = a.logger
	a.cancelAlerts = v.Subscribe(a.alerts.recordVaultEvent)
	return a
}

// Shutdown ends open event streams. Register it with
// http.Server.RegisterOnShutdown so Shutdown is not held up by them.
func (a *API) Shutdown() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Close ends event streams and detaches the API from vault notifications.
func (a *API) Close() {
	a.Shutdown()
	if a.cancelAlerts != nil {
		a.cancelAlerts()
	}
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(a.logMiddleware)

	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/yaml")
			w.Write(openapiSpec)
		})

		r.Group(func(r chi.Router) {
			r.Use(docsHeaders)
			r.Handle("/docs*", openapi.SwaggerUI(openapi.SwaggerUIOpts{
				SpecURL: "/v1/openapi.yaml",
				Path:    "v1/docs",
			}, nil))
			r.Handle("/redoc*", openapi.Redoc(openapi.RedocOpts{
				SpecURL: "/v1/openapi.yaml",
				Path:    "v1/redoc",
			}, nil))
		})

		r.Group(func(r chi.Router) {
			r.Use(limitBody)
			r.With(httprate.LimitByIP(a.unlockRequests, a.unlockWindow)).Post("/unlock", a.Unlock)
			r.Post("/lock", a.Lock)
			r.Post("/activity", a.Activity)
			r.Get("/status", a.Status)
			r.Get("/events", a.Events)

			r.Route("/fields", func(r chi.Router) {
				r.Use(a.requireUnlocked)
				r.Use(a.touchActivity)
				r.Get("/", a.ListFields)
				r.Get("/{name}", a.GetField)
				r.Put("/{name}", a.PutField)
				r.Delete("/{name}", a.DeleteField)
			})
		})
	})

	return r
}
