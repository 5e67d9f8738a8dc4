package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-semantic/internal/backend/memory"
	"duck-semantic/internal/domain"
	"duck-semantic/internal/middleware"
	"duck-semantic/internal/service/semantic"
	"duck-semantic/internal/testutil"
)

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := testutil.DiscardLogger()
	svc, err := semantic.NewService(
		semantic.DirLoader(filepath.Join("..", "declarative", "testdata", "shop")),
		memory.New(testutil.ShopTables(), logger),
		semantic.WithLogger(logger))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewRouter(ctx, NewHandler(svc, logger), RouterConfig{
		AllowedOrigins: []string{"*"},
		RateLimit:      middleware.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}, logger)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHandler_Query(t *testing.T) {
	h := setupRouter(t)
	rec := do(t, h, http.MethodPost, "/v1/query",
		`{"metrics":["revenue","revenue.percent()"],"dimensions":["country"],"order_by":["revenue desc"],"limit":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	res := decode[semantic.QueryResult](t, rec)
	assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), res.RequestID)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Germany", res.Rows[0][0])
	assert.InDelta(t, 360, res.Rows[0][1], 1e-9)
	assert.InDelta(t, 360.0/850, res.Rows[0][2], 1e-9)
}

func TestHandler_QueryErrors(t *testing.T) {
	h := setupRouter(t)
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{name: "unknown metric", body: `{"metrics":["profit"]}`, wantCode: http.StatusNotFound, wantKind: "not_found"},
		{name: "malformed chain", body: `{"metrics":["revenue.top("]}`, wantCode: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "unknown field", body: `{"metrics":["revenue"],"group_by":["country"]}`, wantCode: http.StatusBadRequest, wantKind: "invalid_body"},
		{name: "not json", body: `metrics=revenue`, wantCode: http.StatusBadRequest, wantKind: "invalid_body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/query", tc.body)
			assert.Equal(t, tc.wantCode, rec.Code)
			body := decode[middleware.ErrorBody](t, rec)
			assert.Equal(t, tc.wantCode, body.Code)
			assert.Equal(t, tc.wantKind, body.Kind)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestHandler_Explain(t *testing.T) {
	h := setupRouter(t)
	rec := do(t, h, http.MethodPost, "/v1/explain",
		`{"metrics":["revenue_per_customer"],"dimensions":["country"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[semantic.ExplainResult](t, rec)
	assert.Equal(t, "memory", res.Backend)
	assert.Len(t, res.Queries, 2)
	assert.Contains(t, res.Graph, "merge 2 on [country]")
}

func TestHandler_Catalog(t *testing.T) {
	h := setupRouter(t)

	rec := do(t, h, http.MethodGet, "/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decode[struct {
		Data []semantic.MetricInfo `json:"data"`
	}](t, rec)
	ids := make([]string, len(metrics.Data))
	for i, m := range metrics.Data {
		ids[i] = m.ID
	}
	assert.Contains(t, ids, "revenue")
	assert.Contains(t, ids, "aov")

	rec = do(t, h, http.MethodGet, "/v1/dimensions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	dims := decode[struct {
		Data []semantic.DimensionInfo `json:"data"`
	}](t, rec)
	assert.NotEmpty(t, dims.Data)
}

func TestHandler_ReloadAndHealth(t *testing.T) {
	h := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/v1/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ReloadResponse{Generation: 1, Changed: false}, decode[ReloadResponse](t, rec))

	rec = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthResponse{Status: "ok", Generation: 1}, decode[HealthResponse](t, rec))
}

func TestHandler_Routing(t *testing.T) {
	h := setupRouter(t)

	rec := do(t, h, http.MethodGet, "/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[middleware.ErrorBody](t, rec).Kind)

	rec = do(t, h, http.MethodGet, "/v1/query", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/v1/query", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	pre := httptest.NewRecorder()
	h.ServeHTTP(pre, req)
	assert.Equal(t, "*", pre.Header().Get("Access-Control-Allow-Origin"))
}

func TestErrorBodyFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"not found", domain.ErrNotFound("metric %q", "x"), http.StatusNotFound, "not_found"},
		{"request", domain.ErrRequest("no metrics"), http.StatusBadRequest, "invalid_request"},
		{"wrapped request", fmt.Errorf("plan: %w", domain.ErrRequest("bad")), http.StatusBadRequest, "invalid_request"},
		{"expression", domain.ErrExpression("unknown function"), http.StatusUnprocessableEntity, "invalid_expression"},
		{"resolution", domain.ErrResolution("cycle"), http.StatusUnprocessableEntity, "unresolvable"},
		{"configuration", domain.ErrConfiguration("missing key"), http.StatusInternalServerError, "configuration"},
		{"canceled", fmt.Errorf("execute: %w", context.Canceled), http.StatusServiceUnavailable, "canceled"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := errorBodyFromError(tc.err)
			assert.Equal(t, tc.code, body.Code)
			assert.Equal(t, tc.kind, body.Kind)
			assert.Equal(t, tc.err.Error(), body.Message)
		})
	}
}
