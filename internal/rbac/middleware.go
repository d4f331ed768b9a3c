package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/assetdesk/assetdesk/internal/platform/httpx"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// DefaultMFAWindow is how long a TOTP step-up satisfies CRITICAL permissions.
const DefaultMFAWindow = 10 * time.Minute

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Enforcer  *Enforcer
	Logger    *slog.Logger
	MFAWindow time.Duration
	Now       func() time.Time
}

type decisionContextKey struct{}

// DecisionFromContext returns the decision that admitted the request.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionContextKey{}).(Decision)
	return d, ok
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(needs ...Need) func(http.Handler) http.Handler {
	return m.Require(Any(needs...))
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(needs ...Need) func(http.Handler) http.Handler {
	return m.Require(All(needs...))
}

// Require enforces req on every request. Routes without needs pass through.
func (m Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(req.Needs) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, _ := shared.PrincipalID(r.Context())
			d := m.Enforcer.Authorize(r.Context(), principalID, req, WithStepUp(m.mfaSatisfied(r)))
			if !d.Allowed {
				m.writeDenied(w, d)
				return
			}
			ctx := context.WithValue(r.Context(), decisionContextKey{}, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m Middleware) mfaSatisfied(r *http.Request) bool {
	window := m.MFAWindow
	if window <= 0 {
		window = DefaultMFAWindow
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return shared.SessionFromContext(r.Context()).MFAVerifiedWithin(now(), window)
}

func (m Middleware) writeDenied(w http.ResponseWriter, d Decision) {
	p := httpx.ProblemDetail{Code: string(d.Reason), Missing: keyStrings(d.Missing)}
	switch d.Reason {
	case ReasonUnauthenticated:
		p.Status, p.Title = http.StatusUnauthorized, "Unauthorized"
	case ReasonLocked:
		p.Status, p.Title = http.StatusLocked, "Locked"
		p.Missing = nil
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
	case ReasonUnavailable:
		p.Status, p.Title = http.StatusServiceUnavailable, "Unavailable"
		p.Missing = nil
	default:
		p.Status, p.Title = http.StatusForbidden, "Forbidden"
	}
	httpx.WriteProblem(w, p)
}
