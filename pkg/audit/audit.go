// Package audit persists admission outcomes for operators. Writes are
// best-effort from the request path: an audit failure is logged, never
// surfaced to the client.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Record struct {
	DecisionID string    `json:"decision_id"`
	Tenant     string    `json:"tenant,omitempty"`
	Outcome    string    `json:"outcome"`
	ReasonCode string    `json:"reason_code,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
}

type Writer struct {
	DB auditDB
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO admission_audit
		(decision_id, tenant, outcome, reason_code, method, path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.DecisionID, rec.Tenant, rec.Outcome, rec.ReasonCode, rec.Method, rec.Path, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Recent lists the latest records, optionally scoped to one tenant.
func (w *Writer) Recent(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if tenantID != "" {
		rows, err = w.DB.Query(ctx, `
			SELECT decision_id, tenant, outcome, reason_code, method, path, created_at
			FROM admission_audit WHERE tenant=$1
			ORDER BY created_at DESC LIMIT $2
		`, tenantID, limit)
	} else {
		rows, err = w.DB.Query(ctx, `
			SELECT decision_id, tenant, outcome, reason_code, method, path, created_at
			FROM admission_audit
			ORDER BY created_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.DecisionID, &rec.Tenant, &rec.Outcome, &rec.ReasonCode, &rec.Method, &rec.Path, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("list audit records: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	return out, nil
}
