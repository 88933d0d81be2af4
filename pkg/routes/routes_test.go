package routes

import "testing"

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/healthz", "/healthz", true},
		{"/healthz", "/healthz/live", false},
		{"/api/auth/**", "/api/auth/login", true},
		{"/api/auth/**", "/api/auth/oauth/callback", true},
		{"/api/auth/**", "/api/auth", false},
		{"/api/*/status", "/api/orders/status", true},
		{"/api/*/status", "/api/orders/x/status", false},
		{"/API/Auth/**", "/api/auth/login", true},
		{"/**", "/anything/at/all", true},
		{"", "/x", false},
		{"", "", true},
	}
	for _, c := range cases {
		if got := Match(c.pattern, c.path); got != c.want {
			t.Fatalf("Match(%q, %q): got %v want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"/healthz", "/api/auth/**"}
	if !MatchAny(patterns, "/api/auth/login") {
		t.Fatal("expected match")
	}
	if MatchAny(patterns, "/api/orders") {
		t.Fatal("unexpected match")
	}
	if MatchAny(nil, "/anything") {
		t.Fatal("no patterns must never match")
	}
}

func TestLoadTableValidation(t *testing.T) {
	if _, err := LoadTable([]byte(`not json`)); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadTable([]byte(`[{"prefix":"","service_uri":"http://x"}]`)); err == nil {
		t.Fatal("expected prefix error")
	}
	if _, err := LoadTable([]byte(`[{"prefix":"/api"}]`)); err == nil {
		t.Fatal("expected service_uri error")
	}
}

func TestLookupLongestPrefix(t *testing.T) {
	table, err := LoadTable([]byte(`[
		{"prefix":"/api","service_uri":"http://general:8080"},
		{"prefix":"/api/orders","service_uri":"http://orders:8080","partner":true},
		{"prefix":"/","service_uri":"http://fallback:8080"}
	]`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	r, ok := table.Lookup("/api/orders/42")
	if !ok || r.ServiceURI != "http://orders:8080" || !r.Partner {
		t.Fatalf("unexpected route: %+v ok=%v", r, ok)
	}
	r, ok = table.Lookup("/api/billing")
	if !ok || r.ServiceURI != "http://general:8080" {
		t.Fatalf("unexpected route: %+v ok=%v", r, ok)
	}
	r, ok = table.Lookup("/somewhere/else")
	if !ok || r.ServiceURI != "http://fallback:8080" {
		t.Fatalf("unexpected route: %+v ok=%v", r, ok)
	}
	if _, ok := (*Table)(nil).Lookup("/x"); ok {
		t.Fatal("nil table must not match")
	}

	table, err = LoadTable([]byte(`[{"prefix":"/api/ordersx","service_uri":"http://x:1"}]`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := table.Lookup("/api/orders"); ok {
		t.Fatal("prefix match must respect segment boundaries")
	}
}

func TestUpstreamURI(t *testing.T) {
	plain := Route{ServiceURI: "http://svc:8080"}
	if got := plain.UpstreamURI(); got != "http://svc:8080" {
		t.Fatalf("plain: %q", got)
	}
	split := Route{
		ServiceURI: "http://svc:8080",
		Split:      &Split{ActiveSlot: "Green", BlueURI: "http://blue:1", GreenURI: "http://green:1"},
	}
	if got := split.UpstreamURI(); got != "http://green:1" {
		t.Fatalf("green slot: %q", got)
	}
	split.Split.ActiveSlot = "blue"
	if got := split.UpstreamURI(); got != "http://blue:1" {
		t.Fatalf("blue slot: %q", got)
	}
	split.Split.ActiveSlot = "retired"
	if got := split.UpstreamURI(); got != "http://svc:8080" {
		t.Fatalf("unknown slot must fall back: %q", got)
	}
}
