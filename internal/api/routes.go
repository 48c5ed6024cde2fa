package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/shopcalc/internal/license"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Issuer        *license.Issuer // nil when no signing key is configured
	Verifier      licensing.CredentialVerifier
	Ledger        LedgerStore
	Limiter       *RateLimiter
	AdminKey      string
	PublicMetrics bool
	TrialDuration time.Duration
	Now           func() time.Time
}

// NewHandler wires every route and the shared middleware.
func NewHandler(deps *Deps) http.Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	trialDuration := deps.TrialDuration
	if trialDuration <= 0 {
		trialDuration = licensing.DefaultTrialDuration
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(0, false)
	}

	mux := http.NewServeMux()
	public := func(route, method string, h http.Handler) {
		mux.Handle(route, withRequestContext(route, limiter.Middleware(allowMethod(method, limitBody(h)))))
	}
	admin := func(route, method string, h http.Handler) {
		mux.Handle(route, withRequestContext(route, adminKeyMiddleware(deps.AdminKey, allowMethod(method, h))))
	}

	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/readyz", handleReadyz(deps.Ledger, deps.Issuer != nil))

	metrics := promhttp.Handler()
	if deps.PublicMetrics {
		mux.Handle("/metrics", metrics)
	} else {
		mux.Handle("/metrics", adminKeyMiddleware(deps.AdminKey, metrics))
	}

	public("/api/license/issue", http.MethodPost, handleIssue(deps.Issuer, limiter.ClientIP))
	public("/api/license/verify", http.MethodPost, handleVerify(deps.Verifier, now))

	if deps.Ledger != nil {
		public("/api/trial/claim", http.MethodPost, handleTrialClaim(deps.Ledger, trialDuration, now))
		admin("/admin/issuances", http.MethodGet, handleListIssuances(deps.Ledger))
	}

	return securityHeaders(mux)
}
