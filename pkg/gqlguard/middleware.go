package gqlguard

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"portcullis/pkg/httpx"
	"portcullis/pkg/routes"
)

// Gate applies the complexity limits to POST bodies on configured GraphQL
// paths. Rejections are client-correctable 400s, never retried downstream.
type Gate struct {
	Limits   Limits
	Patterns []string
	// OnReject, when set, observes the exceeded metric name.
	OnReject func(metric string)
}

type graphqlBody struct {
	Query string `json:"query"`
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !routes.MatchAny(g.Patterns, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "ERR_BODY", "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		query := string(body)
		var parsed graphqlBody
		if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Query) != "" {
			query = parsed.Query
		}
		if err := AssertWithinLimits(query, g.Limits); err != nil {
			var limitErr *LimitError
			metric := "unknown"
			if errors.As(err, &limitErr) {
				metric = limitErr.Metric
			}
			if g.OnReject != nil {
				g.OnReject(metric)
			}
			httpx.Error(w, http.StatusBadRequest, "ERR_QUERY_COMPLEXITY", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
