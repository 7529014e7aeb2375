package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowledger/core/events"
	"escrowledger/gateway/middleware"
	"escrowledger/native/escrow"
	"escrowledger/native/ledger"
	"escrowledger/native/lending"
	"escrowledger/storage"
)

// Route groups double as rate limit keys and metric module labels.
const (
	GroupEscrows    = "escrows"
	GroupGuarantors = "guarantors"
	GroupLending    = "lending"
	GroupAccounts   = "accounts"
	GroupEvents     = "events"
)

type Config struct {
	Engine        *escrow.Engine
	Lenders       *lending.Book
	Bank          *ledger.Bank
	Snapshots     *storage.SnapshotStore
	Audit         *storage.AuditLog
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Throttles     middleware.ThrottleRecorder
	// Events enables the /v1/events websocket feed when set.
	Events *events.Hub
	CORS   middleware.CORSConfig
	Logger *slog.Logger
}

// New builds the HTTP API. Reads are public; every mutation requires a bearer
// token whose subject is the caller address.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Lenders == nil || cfg.Bank == nil {
		return nil, errors.New("routes: engine, lender book and bank are required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("routes: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		engine:    cfg.Engine,
		lenders:   cfg.Lenders,
		bank:      cfg.Bank,
		snapshots: cfg.Snapshots,
		audit:     cfg.Audit,
		throttles: cfg.Throttles,
		hub:       cfg.Events,
		origins:   originPatterns(cfg.CORS.AllowedOrigins),
		logger:    logger.With(slog.String("component", "gateway")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	r.Get("/healthz", a.health)
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	group := func(name string, mount func(public, authed chi.Router)) func(chi.Router) {
		return func(sr chi.Router) {
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(name))
			}
			if obs != nil {
				sr.Use(obs.Middleware(name))
			}
			sr.Group(func(authed chi.Router) {
				authed.Use(cfg.Authenticator.Middleware())
				mount(sr, authed)
			})
		}
	}

	if cfg.Events != nil {
		// Mounted outside the observability wrapper, whose response recorder
		// cannot be hijacked.
		if cfg.RateLimiter != nil {
			r.With(cfg.RateLimiter.Middleware(GroupEvents)).Get("/v1/events", a.streamEvents)
		} else {
			r.Get("/v1/events", a.streamEvents)
		}
	}
	r.Route("/v1/escrows", group(GroupEscrows, a.mountEscrows))
	r.Route("/v1/guarantors", group(GroupGuarantors, a.mountGuarantors))
	r.Route("/v1/lending", group(GroupLending, a.mountLending))
	r.Route("/v1/accounts", group(GroupAccounts, func(public, _ chi.Router) {
		public.Get("/{addr}", a.getAccount)
	}))

	return r, nil
}

// originPatterns converts the CORS allow-list into websocket origin patterns.
// An empty list accepts any origin.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			origin = u.Host
		}
		out = append(out, origin)
	}
	return out
}
