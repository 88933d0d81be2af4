package certtrust

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portcullis/pkg/tenant"
)

func newTestCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestRecordMatches(t *testing.T) {
	cert := newTestCert(t, "partner.acme.example")
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	skew := 30 * time.Second
	fp := Fingerprint(cert)

	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"exact match unbounded", Record{FingerprintSHA256: fp}, true},
		{"uppercase fingerprint", Record{FingerprintSHA256: strings.ToUpper(fp)}, true},
		{"padded fingerprint", Record{FingerprintSHA256: "  " + fp + "  "}, true},
		{"wrong fingerprint", Record{FingerprintSHA256: strings.Repeat("ab", 32)}, false},
		{"revoked", Record{FingerprintSHA256: fp, Revoked: true}, false},
		{"expired at skew boundary", Record{FingerprintSHA256: fp, ValidTo: ptrTime(now.Add(-skew))}, true},
		{"expired past skew", Record{FingerprintSHA256: fp, ValidTo: ptrTime(now.Add(-skew - time.Second))}, false},
		{"not yet valid at skew boundary", Record{FingerprintSHA256: fp, ValidFrom: ptrTime(now.Add(skew))}, true},
		{"not yet valid past skew", Record{FingerprintSHA256: fp, ValidFrom: ptrTime(now.Add(skew + time.Second))}, false},
		{"inside window", Record{FingerprintSHA256: fp, ValidFrom: ptrTime(now.Add(-time.Hour)), ValidTo: ptrTime(now.Add(time.Hour))}, true},
	}
	for _, c := range cases {
		if got := c.rec.Matches(cert, now, skew); got != c.want {
			t.Fatalf("%s: got %v want %v", c.name, got, c.want)
		}
	}
}

type fakeRegistry struct {
	records []Record
	err     error
	calls   int
}

func (f *fakeRegistry) Certificates(ctx context.Context, tenantID string) ([]Record, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

func TestEvaluatorTrustsMatchingRecord(t *testing.T) {
	cert := newTestCert(t, "partner.acme.example")
	reg := &fakeRegistry{records: []Record{{TenantID: "acme", FingerprintSHA256: Fingerprint(cert)}}}
	e := &Evaluator{Registry: reg, Logger: zerolog.Nop()}
	ctx := context.Background()

	if !e.IsTrusted(ctx, "acme", cert) {
		t.Fatal("expected certificate to be trusted")
	}
	if !e.IsTrusted(ctx, "acme", cert) {
		t.Fatal("expected cached records to trust the certificate")
	}
	if reg.calls != 1 {
		t.Fatalf("expected one registry call, got %d", reg.calls)
	}
	if e.IsTrusted(ctx, "acme", newTestCert(t, "other")) {
		t.Fatal("different certificate must not be trusted")
	}
}

func TestEvaluatorFailsClosedOnRegistryError(t *testing.T) {
	cert := newTestCert(t, "partner.acme.example")
	reg := &fakeRegistry{err: errors.New("registry down")}
	e := &Evaluator{Registry: reg, Logger: zerolog.Nop()}
	ctx := context.Background()

	if e.IsTrusted(ctx, "acme", cert) {
		t.Fatal("registry outage must deny")
	}
	reg.err = nil
	reg.records = []Record{{TenantID: "acme", FingerprintSHA256: Fingerprint(cert)}}
	if !e.IsTrusted(ctx, "acme", cert) {
		t.Fatal("errors must not be cached")
	}
}

func TestEvaluatorCacheExpiry(t *testing.T) {
	cert := newTestCert(t, "partner.acme.example")
	reg := &fakeRegistry{records: []Record{{TenantID: "acme", FingerprintSHA256: Fingerprint(cert)}}}
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &Evaluator{
		Registry: reg,
		TTL:      time.Minute,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return now },
	}
	ctx := context.Background()
	e.IsTrusted(ctx, "acme", cert)
	now = now.Add(2 * time.Minute)
	e.IsTrusted(ctx, "acme", cert)
	if reg.calls != 2 {
		t.Fatalf("expected re-fetch after TTL expiry, got %d calls", reg.calls)
	}
}

func TestEvaluatorNilInputs(t *testing.T) {
	e := &Evaluator{Registry: &fakeRegistry{}, Logger: zerolog.Nop()}
	if e.IsTrusted(context.Background(), "", newTestCert(t, "x")) {
		t.Fatal("empty tenant must deny")
	}
	if e.IsTrusted(context.Background(), "acme", nil) {
		t.Fatal("nil certificate must deny")
	}
}

func TestGateMiddleware(t *testing.T) {
	cert := newTestCert(t, "partner.acme.example")
	reg := &fakeRegistry{records: []Record{{TenantID: "acme", FingerprintSHA256: Fingerprint(cert)}}}
	var rejections []string
	gate := &Gate{
		Evaluator: &Evaluator{Registry: reg, Logger: zerolog.Nop()},
		Patterns:  []string{"/partner/**"},
		Enabled:   true,
		Logger:    zerolog.Nop(),
		OnReject:  func(code string) { rejections = append(rejections, code) },
	}
	handler := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(path string, withTenant bool, state *tls.ConnectionState) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if withTenant {
			req = req.WithContext(tenant.WithIdentity(req.Context(), "acme"))
		}
		req.TLS = state
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	if rr := serve("/api/orders", true, nil); rr.Code != http.StatusOK {
		t.Fatalf("non-partner path: %d", rr.Code)
	}
	if rr := serve("/partner/feed", false, nil); rr.Code != http.StatusOK {
		t.Fatalf("no resolved tenant: %d", rr.Code)
	}
	if rr := serve("/partner/feed", true, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("missing client cert: %d", rr.Code)
	}
	stranger := newTestCert(t, "stranger")
	if rr := serve("/partner/feed", true, &tls.ConnectionState{PeerCertificates: []*x509.Certificate{stranger}}); rr.Code != http.StatusForbidden {
		t.Fatalf("untrusted cert: %d", rr.Code)
	}
	if rr := serve("/partner/feed", true, &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}); rr.Code != http.StatusOK {
		t.Fatalf("trusted cert: %d", rr.Code)
	}
	want := []string{"ERR_MTLS_REQUIRED", "ERR_MTLS_DENIED"}
	if len(rejections) != len(want) || rejections[0] != want[0] || rejections[1] != want[1] {
		t.Fatalf("unexpected rejection codes: %v", rejections)
	}
}
