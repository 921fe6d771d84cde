// Package routerauth extracts and validates the bearer token carried by
// every inbound request (spec §4.5), and guards against an endpoint that
// forgot to call it at all.
package routerauth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rivet-gg/pegboard-tunnel/internal/apierrors"
)

// wsProtocolPrefix is the Sec-WebSocket-Protocol entry runners use to carry
// a token, since browsers (and some WebSocket clients) cannot set arbitrary
// headers on the upgrade request.
const wsProtocolPrefix = "rivet_token."

// Target names the thing a token is being checked against, so one Verifier
// can serve both the runner WebSocket and the HTTP API with different
// expected secrets.
type Target string

const (
	TargetRunner Target = "runner"
	TargetAPI    Target = "api"
)

// Verifier supplies the expected token for a given target. Backed by the
// out-of-scope control plane's token store.
type Verifier interface {
	ExpectedToken(ctx context.Context, target Target) (string, error)
}

// ExtractToken pulls the bearer token from either the Authorization header
// ("Bearer <t>") or, for WebSocket upgrades where an Authorization header
// can't be set, the rivet_token.<t> entry in Sec-WebSocket-Protocol.
func ExtractToken(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimPrefix(auth, prefix), true
		}
	}

	for _, proto := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if strings.HasPrefix(proto, wsProtocolPrefix) {
			return strings.TrimPrefix(proto, wsProtocolPrefix), true
		}
	}

	return "", false
}

// Authenticate extracts r's token and compares it in constant time against
// the expected token for target. Returns api.unauthorized when no token is
// presented, api.internal_error when the expected token cannot be looked up,
// and api.invalid_token when the tokens differ.
func Authenticate(ctx context.Context, r *http.Request, target Target, v Verifier) error {
	token, ok := ExtractToken(r)
	if !ok {
		return apierrors.Unauthorized("no bearer token presented")
	}

	expected, err := v.ExpectedToken(ctx, target)
	if err != nil {
		return apierrors.Internal("failed to look up expected token")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return apierrors.InvalidToken("token did not match")
	}

	return nil
}

// Guard is the belt-and-braces check from spec §4.5: every handler must
// call either Authenticated or SkipAuth exactly once before returning. A
// handler that does neither is a bug, surfaced loudly rather than silently
// treated as authenticated.
type Guard struct {
	checked bool
}

// Authenticated marks the guard as satisfied because auth was performed,
// whatever its outcome.
func (g *Guard) Authenticated() { g.checked = true }

// SkipAuth marks the guard as satisfied because this endpoint is
// deliberately public (e.g. a health check).
func (g *Guard) SkipAuth() { g.checked = true }

// Verify panics with a DeveloperError if neither Authenticated nor SkipAuth
// was called. Intended to run via defer at the top of a handler, after the
// handler body has executed.
func (g *Guard) Verify() {
	if !g.checked {
		panic(&apierrors.DeveloperError{Detail: "handler returned without calling auth() or skip_auth()"})
	}
}

// RecoverDeveloperError converts a panicked *apierrors.DeveloperError into a
// 500 response instead of crashing the process; any other panic value is
// re-panicked so real bugs still surface as crashes in development.
func RecoverDeveloperError(w http.ResponseWriter, logFn func(detail string)) {
	if r := recover(); r != nil {
		if devErr, ok := r.(*apierrors.DeveloperError); ok {
			if logFn != nil {
				logFn(devErr.Detail)
			}
			http.Error(w, devErr.Error(), http.StatusInternalServerError)
			return
		}
		panic(r)
	}
}

type guardContextKey struct{}

// WithGuard attaches a fresh Guard to ctx, for a single request, so an
// inner handler and the middleware that wraps it share one Guard.
func WithGuard(ctx context.Context) (context.Context, *Guard) {
	g := &Guard{}
	return context.WithValue(ctx, guardContextKey{}, g), g
}

// GuardFromContext retrieves the Guard WithGuard attached, or nil if none
// was attached -- callers should treat a nil Guard as "no check requested".
func GuardFromContext(ctx context.Context) *Guard {
	g, _ := ctx.Value(guardContextKey{}).(*Guard)
	return g
}

// RequireGuard implements the spec §4.5 belt-and-braces middleware: it
// attaches a fresh Guard to the request context, runs next, then panics
// into RecoverDeveloperError if next never called Authenticated or
// SkipAuth on it. next is expected to pull the Guard back out via
// GuardFromContext and mark it once it has made its auth decision.
func RequireGuard(next http.Handler, logFn func(detail string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, guard := WithGuard(r.Context())
		defer RecoverDeveloperError(w, logFn)
		defer guard.Verify()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
