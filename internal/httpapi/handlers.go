// Package httpapi is the HTTP and gRPC edge of the gate: the route guard,
// transport middleware and the storefront and dashboard endpoints it protects.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
	"github.com/bazaar-hub/gatekeeper/internal/obs"
)

const serviceName = "gatekeeper"

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings every configured dependency.
type ReadyProbe struct {
	Pingers []Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	for _, p := range rp.Pingers {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Config carries the transport settings of the API.
type Config struct {
	Version        string
	MaxBodyBytes   int64
	AllowedOrigins []string
	SecureCookies  bool
	// TrustedProxies may set the client address via X-Forwarded-For.
	TrustedProxies TrustedProxies
	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter *RateLimiter
}

// API is the HTTP layer.
type API struct {
	router   chi.Router
	guard    *Guard
	accounts *auth.AccountService
	events   audit.Reader
	ready    ReadinessChecker
	cfg      Config
}

// New builds the router. events may be nil when the configured backend cannot
// list events; the listing endpoint then answers 501.
func New(guard *Guard, accounts *auth.AccountService, events audit.Reader, ready ReadinessChecker, cfg Config) *API {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if ready == nil {
		ready = ReadyProbe{}
	}
	a := &API{
		router:   chi.NewRouter(),
		guard:    guard,
		accounts: accounts,
		events:   events,
		ready:    ready,
		cfg:      cfg,
	}
	a.routes()
	return a
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() {
	r := a.router
	r.Use(a.cfg.TrustedProxies.Middleware)
	r.Use(RequestID)
	r.Use(AccessLog)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	if len(a.cfg.AllowedOrigins) > 0 {
		r.Use(CORS(a.cfg.AllowedOrigins))
	}
	if a.cfg.RateLimiter != nil {
		r.Use(a.cfg.RateLimiter.Middleware)
	}
	r.Use(MaxBodyBytes(a.cfg.MaxBodyBytes))

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", a.healthz)
	r.Get("/readyz", a.readyz)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	g := a.guard
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)
		r.Post("/auth/logout", a.handleLogout)

		r.With(g.Require(auth.Public())).Get("/catalog", a.handleCatalog)

		r.With(g.Require(auth.Authenticated())).Get("/me", a.handleMe)
		r.With(g.Require(auth.Authenticated())).Post("/me/password", a.handleChangePassword)
		r.With(g.Require(auth.Authenticated())).Get("/chat/threads", a.handleChatThreads)

		r.With(g.Require(auth.Level(auth.LevelSeller))).Get("/seller/dashboard", a.handleSellerDashboard)
		r.With(g.Require(auth.Level(auth.LevelSeller).WithPermissions(auth.PermCatalogWrite))).
			Post("/seller/products", a.handleCreateProduct)

		r.With(g.Require(auth.MinRole(auth.RoleModerator))).
			Post("/moderation/reports/{id}/resolve", a.handleResolveReport)

		r.Route("/admin/users", func(r chi.Router) {
			manage := auth.MinRole(auth.RoleAdmin).WithPermissions(auth.PermUsersManage)
			r.With(g.Require(manage)).Post("/", a.handleCreateUser)
			r.With(g.Require(manage)).Put("/{id}/role", a.handleChangeRole)
			r.With(g.Require(auth.MinRole(auth.RoleAdmin))).Put("/{id}/status", a.handleSetStatus)
			r.With(g.Require(manage)).Put("/{id}/permissions", a.handleSetPermissions)
		})

		r.With(g.Require(auth.MinRole(auth.RoleAdmin).WithPermissions(auth.PermAuditRead))).
			Get("/security-events", a.handleSecurityEvents)
	})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		l := obs.Ctx(r.Context())
		l.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// identity returns the caller attached by the guard. Handlers mounted behind
// an authenticated requirement always have one.
func identity(r *http.Request) *auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}
