package certtrust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"
	"time"
)

// Record is one trusted partner certificate as issued by the registry.
// Records are immutable once issued; revocation is a flag update owned by
// the registry, not by the gateway.
type Record struct {
	TenantID          string     `json:"tenant_id"`
	FingerprintSHA256 string     `json:"fingerprint_sha256"`
	SubjectDN         string     `json:"subject_dn,omitempty"`
	ValidFrom         *time.Time `json:"valid_from,omitempty"`
	ValidTo           *time.Time `json:"valid_to,omitempty"`
	Revoked           bool       `json:"revoked"`
}

// Fingerprint returns the lowercase hex SHA-256 of the DER-encoded
// certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Matches reports whether the presented certificate satisfies this record:
// not revoked, now within [validFrom-skew, validTo+skew] (an absent bound is
// unbounded on that side), and fingerprints equal case-insensitively.
func (r Record) Matches(cert *x509.Certificate, now time.Time, skew time.Duration) bool {
	if r.Revoked {
		return false
	}
	if r.ValidFrom != nil && now.Before(r.ValidFrom.Add(-skew)) {
		return false
	}
	if r.ValidTo != nil && now.After(r.ValidTo.Add(skew)) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.FingerprintSHA256), Fingerprint(cert))
}
