package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"portcullis/pkg/auth"
	"portcullis/pkg/tenant"
)

func withTestPrincipal(p auth.Principal, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func TestMiddlewareTierExhaustion(t *testing.T) {
	e := testEngine(map[string]tenant.Access{"acme": activeAccess("gold")})
	var sawTenant, sawTier string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTenant, _ = tenant.IdentityFromContext(r.Context())
		sawTier, _ = tenant.TierFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := withTestPrincipal(auth.Principal{Subject: "user-1"}, e.Middleware(nil)(inner))

	for i := 1; i <= 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		req.Header.Set("X-Tenant-ID", "acme")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status %d body %s", i, rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get(VerificationHeader); got != "acme" {
			t.Fatalf("request %d: verification header %q", i, got)
		}
	}
	if sawTenant != "acme" || sawTier != "gold" {
		t.Fatalf("context not populated: tenant=%q tier=%q", sawTenant, sawTier)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("request 101: expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get(VerificationHeader); got != VerificationDenied {
		t.Fatalf("request 101: verification header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("request 101: remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Fatalf("request 101: limit header %q", got)
	}
}

func TestMiddlewareDeniesWithoutPrincipal(t *testing.T) {
	e := testEngine(nil)
	handler := e.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be reached")
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMiddlewareBypassSkipsHeaders(t *testing.T) {
	e := testEngine(nil)
	handler := e.Middleware(func(r *http.Request, d Decision) {
		t.Fatal("observer must not see bypassed requests")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get(VerificationHeader) != "" {
		t.Fatal("bypassed requests must not carry the verification header")
	}
}

func TestMiddlewareObserverSeesDenials(t *testing.T) {
	e := testEngine(nil)
	var observed []Decision
	handler := withTestPrincipal(auth.Principal{Subject: "user-1"},
		e.Middleware(func(r *http.Request, d Decision) {
			observed = append(observed, d)
		})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Tenant-ID", "ghost")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if len(observed) != 1 || observed[0].Reason != ReasonTenantUnknown {
		t.Fatalf("unexpected observations: %+v", observed)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:9999"
	if got := clientIP(req); got != "10.1.2.3" {
		t.Fatalf("clientIP: %q", got)
	}
	req.RemoteAddr = "10.1.2.3"
	if got := clientIP(req); got != "10.1.2.3" {
		t.Fatalf("clientIP without port: %q", got)
	}
}
