package tenant

import (
	"testing"
	"time"
)

func TestAccessAllowed(t *testing.T) {
	cases := []struct {
		name   string
		access Access
		want   bool
	}{
		{"active", Access{Active: true, Status: StatusActive}, true},
		{"active with odd status", Access{Active: true, Status: "TRIAL"}, true},
		{"inactive flag", Access{Active: false, Status: StatusActive}, false},
		{"suspended", Access{Active: true, Status: StatusSuspended}, false},
		{"inactive status", Access{Active: true, Status: StatusInactive}, false},
		{"unknown", Access{Active: false, Status: StatusUnknown}, false},
	}
	for _, c := range cases {
		if got := c.access.Allowed(); got != c.want {
			t.Fatalf("%s: got %v want %v", c.name, got, c.want)
		}
	}
}

func TestEncodeDecodeAccess(t *testing.T) {
	in := Access{
		Active:      true,
		Status:      StatusActive,
		Tier:        "gold",
		Permissions: []string{"read", "write"},
		FetchedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	payload, err := EncodeAccess(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeAccess(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tier != "gold" || !out.Active || out.Status != StatusActive || len(out.Permissions) != 2 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if !out.FetchedAt.Equal(in.FetchedAt) {
		t.Fatalf("fetched_at mismatch: %v", out.FetchedAt)
	}
}

func TestDecodeAccessRejectsCorruptPayloads(t *testing.T) {
	for _, payload := range []string{"not-json", "{}", `{"active":true}`} {
		if _, err := DecodeAccess(payload); err == nil {
			t.Fatalf("expected decode error for %q", payload)
		}
	}
}

func TestDeriveTier(t *testing.T) {
	cases := []struct {
		name      string
		features  []string
		resources map[string]string
		want      string
	}{
		{"feature colon", []string{"sso", "tier:gold"}, nil, "gold"},
		{"feature underscore", []string{"TIER_Enterprise"}, nil, "enterprise"},
		{"feature slash", []string{"plan", "tier/Silver"}, nil, "silver"},
		{"feature dash", []string{"tier-bronze"}, nil, "bronze"},
		{"bare prefix", []string{"tiergold"}, nil, "gold"},
		{"resource key ordered", nil, map[string]string{"z-tier:late": "1", "a-tier:early": "1"}, "early"},
		{"feature wins over resource", []string{"tier:gold"}, map[string]string{"tier:free": "1"}, "gold"},
		{"no marker", []string{"sso", "audit"}, map[string]string{"seats": "5"}, "free"},
		{"empty", nil, nil, "free"},
	}
	for _, c := range cases {
		if got := DeriveTier(c.features, c.resources); got != c.want {
			t.Fatalf("%s: got %q want %q", c.name, got, c.want)
		}
	}
}

func TestNormalizeID(t *testing.T) {
	cases := map[string]string{
		"  Acme-Corp  ": "acme-corp",
		"ACME":          "acme",
		"":              "unknown",
		"   ":           "unknown",
	}
	for in, want := range cases {
		if got := NormalizeID(in); got != want {
			t.Fatalf("NormalizeID(%q): got %q want %q", in, got, want)
		}
	}
}
