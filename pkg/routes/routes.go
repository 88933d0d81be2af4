package routes

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Match reports whether path matches a slash-separated pattern. "*" matches
// exactly one segment, "**" matches the remainder of the path.
func Match(pattern, path string) bool {
	p := splitPath(pattern)
	s := splitPath(path)
	return matchSegments(p, s)
}

func MatchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if Match(p, path) {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	for i, seg := range pattern {
		if seg == "**" {
			return true
		}
		if i >= len(path) {
			return false
		}
		if seg != "*" && !strings.EqualFold(seg, path[i]) {
			return false
		}
	}
	return len(pattern) == len(path)
}

// Variant is weighted-routing metadata, consumed but never computed here:
// which variant actually receives a request is the router's concern.
type Variant struct {
	VariantID  string `json:"variant_id"`
	Percentage int    `json:"percentage"`
	ServiceURI string `json:"service_uri"`
}

// Split is blue/green metadata for a route.
type Split struct {
	ActiveSlot string `json:"active_slot"`
	BlueURI    string `json:"blue_uri"`
	GreenURI   string `json:"green_uri"`
}

// Route maps a path prefix to upstream metadata. Partner routes require a
// trusted client certificate.
type Route struct {
	Prefix     string    `json:"prefix"`
	ServiceURI string    `json:"service_uri"`
	Partner    bool      `json:"partner,omitempty"`
	Variants   []Variant `json:"variants,omitempty"`
	Split      *Split    `json:"split,omitempty"`
}

// UpstreamURI resolves the URI a request on this route should reach: the
// active slot when a blue/green split is present, else the service URI.
func (r Route) UpstreamURI() string {
	if r.Split != nil {
		switch strings.ToLower(strings.TrimSpace(r.Split.ActiveSlot)) {
		case "green":
			return r.Split.GreenURI
		case "blue":
			return r.Split.BlueURI
		}
	}
	return r.ServiceURI
}

type Table struct {
	routes []Route
}

// LoadTable parses a JSON route list and orders it for longest-prefix match.
func LoadTable(raw []byte) (*Table, error) {
	var routes []Route
	if err := json.Unmarshal(raw, &routes); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}
	for i, r := range routes {
		if strings.TrimSpace(r.Prefix) == "" {
			return nil, fmt.Errorf("route %d: prefix required", i)
		}
		if strings.TrimSpace(r.ServiceURI) == "" && r.Split == nil {
			return nil, fmt.Errorf("route %q: service_uri or split required", r.Prefix)
		}
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})
	return &Table{routes: routes}, nil
}

// Lookup returns the longest-prefix route for path.
func (t *Table) Lookup(path string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	for _, r := range t.routes {
		if prefixMatch(r.Prefix, path) {
			return r, true
		}
	}
	return Route{}, false
}

func prefixMatch(prefix, path string) bool {
	prefix = "/" + strings.Trim(prefix, "/")
	path = "/" + strings.Trim(path, "/")
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
