package certtrust

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"

	"portcullis/pkg/httpx"
)

// Registry returns the tenant's trusted certificate records, already
// filtered to non-revoked by the registry itself.
type Registry interface {
	Certificates(ctx context.Context, tenantID string) ([]Record, error)
}

type HTTPRegistry struct {
	Client     *http.Client
	BaseURL    string
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

func (r *HTTPRegistry) Certificates(ctx context.Context, tenantID string) ([]Record, error) {
	endpoint := r.BaseURL + "/v1/tenants/" + url.PathEscape(tenantID) + "/certificates"
	var headers map[string]string
	if r.AuthHeader != "" && r.AuthToken != "" {
		headers = map[string]string{r.AuthHeader: r.AuthToken}
	}
	status, body, err := httpx.RequestJSON(ctx, r.Client, http.MethodGet, endpoint, nil, headers, r.Retries, r.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("certificate registry: %w", err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("certificate registry: status %d", status)
	}
	var payload struct {
		Certificates []Record `json:"certificates"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("certificate registry: %w", err)
	}
	return payload.Certificates, nil
}

type registryDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRegistry reads trusted certificates from a shared registry table,
// for deployments where the registry service and gateway share a database.
type PostgresRegistry struct {
	DB registryDB
}

func (r *PostgresRegistry) Certificates(ctx context.Context, tenantID string) ([]Record, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT tenant_id, fingerprint_sha256, subject_dn, valid_from, valid_to
		FROM trusted_certificates
		WHERE tenant_id = $1 AND NOT revoked
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("certificate registry: %w", err)
	}
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.TenantID, &rec.FingerprintSHA256, &rec.SubjectDN, &rec.ValidFrom, &rec.ValidTo); err != nil {
			return nil, fmt.Errorf("certificate registry: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("certificate registry: %w", err)
	}
	return records, nil
}
