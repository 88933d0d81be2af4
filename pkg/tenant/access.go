package tenant

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Tenant lifecycle states as reported by the directory. Both Active and
// Status gate access independently: the directory does not guarantee that a
// suspended tenant also carries active=false.
const (
	StatusActive    = "ACTIVE"
	StatusInactive  = "INACTIVE"
	StatusSuspended = "SUSPENDED"
	StatusUnknown   = "UNKNOWN"
)

// Access is the compact tenant-access record cached by the gateway. It is
// never mutated in place; a fresh directory fetch replaces it.
type Access struct {
	Active      bool      `json:"active"`
	Status      string    `json:"status"`
	Tier        string    `json:"tier"`
	Permissions []string  `json:"permissions,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Allowed reports whether this record admits traffic.
func (a Access) Allowed() bool {
	return a.Active && a.Status != StatusInactive && a.Status != StatusSuspended
}

func EncodeAccess(a Access) (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode access record: %w", err)
	}
	return string(b), nil
}

func DecodeAccess(payload string) (Access, error) {
	var a Access
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return Access{}, fmt.Errorf("decode access record: %w", err)
	}
	if a.Status == "" {
		return Access{}, fmt.Errorf("decode access record: missing status")
	}
	return a, nil
}

var tierPattern = regexp.MustCompile(`(?i)tier[:/_-]?(\w+)`)

// DeriveTier scans the tenant's enabled features, then its resource
// allocation keys, for a tier marker. First match wins; default "free".
func DeriveTier(features []string, resources map[string]string) string {
	for _, f := range features {
		if m := tierPattern.FindStringSubmatch(f); m != nil {
			return strings.ToLower(m[1])
		}
	}
	keys := make([]string, 0, len(resources))
	for k := range resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m := tierPattern.FindStringSubmatch(k); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return "free"
}

// NormalizeID canonicalizes a tenant identifier for cache and counter keys.
func NormalizeID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	if id == "" {
		return "unknown"
	}
	return id
}
