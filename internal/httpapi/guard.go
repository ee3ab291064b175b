package httpapi

import (
	"context"
	"net/http"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
	"github.com/bazaar-hub/gatekeeper/internal/obs"
)

// DenialPolicy decides whether a denial is recorded as a security event.
type DenialPolicy func(res auth.Resolution, d auth.Decision) bool

// DefaultDenialPolicy records every 403 and every 401 caused by a credential
// that failed verification. Requests carrying no credential are not recorded.
func DefaultDenialPolicy(res auth.Resolution, d auth.Decision) bool {
	if d.Allowed {
		return false
	}
	if d.Reason == auth.ReasonUnauthenticated {
		return res.CredentialPresented()
	}
	return true
}

// RecordAllDenials also records 401s for requests that carried no credential.
func RecordAllDenials(_ auth.Resolution, d auth.Decision) bool {
	return !d.Allowed
}

// Guard resolves the caller, evaluates a requirement and short-circuits
// denied requests before the protected handler runs.
type Guard struct {
	resolver   *auth.SessionResolver
	engine     *auth.Engine
	events     auth.EventRecorder
	policy     DenialPolicy
	cookieName string
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithDenialPolicy replaces DefaultDenialPolicy.
func WithDenialPolicy(p DenialPolicy) GuardOption {
	return func(g *Guard) {
		if p != nil {
			g.policy = p
		}
	}
}

// WithCookieName sets the session cookie read when no Authorization header is sent.
func WithCookieName(name string) GuardOption {
	return func(g *Guard) { g.cookieName = name }
}

// NewGuard builds a guard. A nil events recorder disables denial events.
func NewGuard(resolver *auth.SessionResolver, engine *auth.Engine, events auth.EventRecorder, opts ...GuardOption) *Guard {
	g := &Guard{
		resolver: resolver,
		engine:   engine,
		events:   events,
		policy:   DefaultDenialPolicy,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CookieName returns the session cookie name, if any.
func (g *Guard) CookieName() string { return g.cookieName }

// Authorize runs resolution and decision for one call. target names the
// protected operation in logs and events. The returned identity is nil when
// the caller is unauthenticated, even if the decision allows the call.
func (g *Guard) Authorize(ctx context.Context, cred auth.Credential, req auth.Requirement, origin audit.Origin, target string) (*auth.Identity, auth.Decision) {
	res := g.resolver.Resolve(ctx, cred)
	d := g.engine.Decide(res.Identity(), req)
	if d.Allowed {
		obs.ObserveDecision("allow", "")
		return res.Identity(), d
	}
	obs.ObserveDecision("deny", string(d.Reason))

	subject := audit.AnonymousSubject
	if id := res.Identity(); id != nil {
		subject = id.ID()
	}
	l := obs.Ctx(ctx)
	l.Info().
		Str("target", target).
		Str("reason", string(d.Reason)).
		Str("user_id", subject).
		Str("credential", cred.Source.String()).
		Str("credential_failure", string(res.Failure())).
		Msg("access denied")

	if g.events != nil && g.policy(res, d) {
		e := audit.NewEvent(audit.AccessDenied, subject, audit.OutcomeWarning, origin).
			With("reason", string(d.Reason)).
			With("target", target)
		if f := res.Failure(); f != auth.InvalidNone && res.CredentialPresented() {
			e = e.With("credential_failure", string(f))
		}
		g.events.Record(ctx, e)
	}
	return res.Identity(), d
}

// Require returns middleware enforcing req. On allow the resolved identity is
// attached to the request context; on deny the next handler is never called.
func (g *Guard) Require(req auth.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id, d := g.Authorize(ctx, credentialFromRequest(r, g.cookieName), req, originOf(r), r.Method+" "+r.URL.Path)
			if !d.Allowed {
				writeDenial(w, d.Reason)
				return
			}
			if err := ctx.Err(); err != nil {
				l := obs.Ctx(ctx)
				l.Debug().Err(err).Str("path", r.URL.Path).Msg("request cancelled before handler")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(ctx, id)))
		})
	}
}

// writeDenial writes the fixed denial body. No reason or diagnostic reaches the client.
func writeDenial(w http.ResponseWriter, reason auth.Reason) {
	code := reason.HTTPStatus()
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeeper"`)
	}
	writeJSON(w, code, map[string]string{"error": http.StatusText(code)})
}
