package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"portcullis/pkg/httpx"
)

// ErrNotFound is returned when the directory has no record for the tenant.
var ErrNotFound = errors.New("tenant not found")

// DirectoryRecord is the raw directory payload. The tier is not carried
// explicitly; it is derived from features and resource allocations.
type DirectoryRecord struct {
	Active      bool              `json:"active"`
	Status      string            `json:"status"`
	Features    []string          `json:"features,omitempty"`
	Resources   map[string]string `json:"resources,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
}

// Directory resolves a tenant code to its access state. Lookups are
// read-only and safely retryable.
type Directory interface {
	Lookup(ctx context.Context, tenantID string) (DirectoryRecord, error)
}

type HTTPDirectory struct {
	Client     *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (d *HTTPDirectory) Lookup(ctx context.Context, tenantID string) (DirectoryRecord, error) {
	endpoint := d.BaseURL + "/v1/tenants/" + url.PathEscape(tenantID) + "/access"
	var headers map[string]string
	if d.AuthHeader != "" && d.AuthToken != "" {
		headers = map[string]string{d.AuthHeader: d.AuthToken}
	}
	status, body, err := httpx.RequestJSON(ctx, d.Client, http.MethodGet, endpoint, nil, headers, d.Retries, d.RetryDelay)
	if err != nil {
		return DirectoryRecord{}, fmt.Errorf("directory lookup: %w", err)
	}
	switch {
	case status == http.StatusNotFound:
		return DirectoryRecord{}, ErrNotFound
	case status != http.StatusOK:
		return DirectoryRecord{}, fmt.Errorf("directory lookup: status %d", status)
	}
	var rec DirectoryRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return DirectoryRecord{}, fmt.Errorf("directory lookup: %w", err)
	}
	if rec.Status == "" {
		rec.Status = StatusUnknown
	}
	return rec, nil
}
