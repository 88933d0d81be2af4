package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Principal is the authenticated caller. Claims are kept raw so the decision
// engine can extract tenant identifiers from a configurable claim-name list.
type Principal struct {
	Subject     string
	Authorities []string
	Claims      map[string]json.RawMessage
}

// Claim returns the named claim as a string. String and numeric JSON values
// are accepted; every other shape is treated as absent.
func (p Principal) Claim(name string) string {
	raw, ok := p.Claims[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// HasAnyAuthority reports whether the principal holds at least one of the
// given authorities, compared case-insensitively.
func HasAnyAuthority(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, a := range p.Authorities {
		set[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(r))]; ok {
			return true
		}
	}
	return false
}

type contextKey string

const principalContextKey contextKey = "portcullis.principal"

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

type MiddlewareConfig struct {
	Issuer   string
	Audience string
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

// Middleware attaches a Principal to the request context when a valid bearer
// token is presented. It never rejects by itself: unauthenticated requests
// pass through without a principal and the decision engine denies them past
// the bypass list. Mode "off" attaches an anonymous principal for local use.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mode == "" || mode == "off" {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous", Authorities: []string{"anonymous"}})))
				return
			}
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			p, err := VerifyHS256Token(token, secret, time.Now().UTC(), cfg.Issuer, cfg.Audience)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// VerifyHS256Token validates signature, expiry, not-before, issuer and
// audience, and returns the principal with all payload claims preserved raw.
func VerifyHS256Token(token, secret string, now time.Time, issuer, audience string) (Principal, error) {
	if secret == "" {
		return Principal{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Principal{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Principal{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Principal{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Principal{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Principal{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Principal{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Principal{}, errors.New("signature mismatch")
	}
	var claims map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Principal{}, err
	}
	p := Principal{Claims: claims}
	if raw, ok := claims["sub"]; ok {
		_ = json.Unmarshal(raw, &p.Subject)
	}
	if p.Subject == "" {
		return Principal{}, errors.New("subject required")
	}
	p.Authorities = decodeStringList(claims["authorities"])
	if len(p.Authorities) == 0 {
		p.Authorities = decodeStringList(claims["roles"])
	}
	exp := decodeUnix(claims["exp"])
	if exp == 0 || now.Unix() >= exp {
		return Principal{}, errors.New("token expired")
	}
	if nbf := decodeUnix(claims["nbf"]); nbf != 0 && now.Unix() < nbf {
		return Principal{}, errors.New("token not active")
	}
	if issuer != "" {
		var iss string
		_ = json.Unmarshal(claims["iss"], &iss)
		if iss != issuer {
			return Principal{}, errors.New("issuer mismatch")
		}
	}
	if audience != "" && !audContains(claims["aud"], audience) {
		return Principal{}, errors.New("audience mismatch")
	}
	return p, nil
}

func decodeStringList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

func decodeUnix(raw json.RawMessage) int64 {
	if raw == nil {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f)
	}
	if s := ""; json.Unmarshal(raw, &s) == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func audContains(raw json.RawMessage, expected string) bool {
	if raw == nil {
		return false
	}
	var aud any
	if err := json.Unmarshal(raw, &aud); err != nil {
		return false
	}
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}
