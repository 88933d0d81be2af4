package certtrust

import (
	"net/http"

	"github.com/rs/zerolog"

	"portcullis/pkg/httpx"
	"portcullis/pkg/routes"
	"portcullis/pkg/tenant"
)

// Gate enforces mutual-TLS trust on partner routes. Requests without a
// resolved tenant or outside the protecting patterns proceed unchanged.
type Gate struct {
	Evaluator *Evaluator
	Patterns  []string
	Enabled   bool
	Logger    zerolog.Logger
	// OnReject, when set, observes the rejection code.
	OnReject func(code string)
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled || !routes.MatchAny(g.Patterns, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		tenantID, ok := tenant.IdentityFromContext(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			g.reject(w, http.StatusForbidden, "ERR_MTLS_REQUIRED", "client certificate required")
			return
		}
		leaf := r.TLS.PeerCertificates[0]
		if !g.Evaluator.IsTrusted(r.Context(), tenantID, leaf) {
			g.Logger.Warn().Str("tenant", tenantID).Str("subject", leaf.Subject.String()).
				Msg("untrusted partner certificate")
			g.reject(w, http.StatusForbidden, "ERR_MTLS_DENIED", "client certificate not trusted for tenant")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gate) reject(w http.ResponseWriter, status int, code, msg string) {
	if g.OnReject != nil {
		g.OnReject(code)
	}
	httpx.Error(w, status, code, msg)
}
