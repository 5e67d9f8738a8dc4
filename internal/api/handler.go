// Package api exposes the semantic service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/middleware"
	"duck-semantic/internal/service/semantic"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

// semanticService defines the semantic operations used by the API handler.
type semanticService interface {
	Query(ctx context.Context, req semantic.QueryRequest) (*semantic.QueryResult, error)
	Explain(ctx context.Context, req semantic.QueryRequest) (*semantic.ExplainResult, error)
	ListMetrics() ([]semantic.MetricInfo, error)
	ListDimensions() []semantic.DimensionInfo
	Reload(ctx context.Context) error
	Generation() uint64
}

// Handler serves the /v1 endpoints.
type Handler struct {
	svc    semanticService
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc semanticService, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// HealthResponse reports the served catalog generation.
type HealthResponse struct {
	Status     string `json:"status"`
	Generation uint64 `json:"generation"`
}

// ReloadResponse reports the catalog generation after a reload.
type ReloadResponse struct {
	Generation uint64 `json:"generation"`
	Changed    bool   `json:"changed"`
}

// === Endpoints ===

// Query executes a semantic query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Query(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Explain describes a semantic query without running it.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeQuery(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Explain(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListMetrics lists catalog metrics.
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.svc.ListMetrics()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": metrics})
}

// ListDimensions lists catalog dimensions.
func (h *Handler) ListDimensions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.svc.ListDimensions()})
}

// Reload rebuilds the catalog from its model source.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	before := h.svc.Generation()
	if err := h.svc.Reload(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	after := h.svc.Generation()
	writeJSON(w, http.StatusOK, ReloadResponse{Generation: after, Changed: after != before})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Generation: h.svc.Generation()})
}

// === helpers ===

func (h *Handler) decodeQuery(w http.ResponseWriter, r *http.Request) (semantic.QueryRequest, bool) {
	var req semantic.QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		middleware.WriteError(w, middleware.ErrorBody{
			Code:    http.StatusBadRequest,
			Kind:    "invalid_body",
			Message: "decode request body: " + err.Error(),
		})
		return req, false
	}
	return req, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBodyFromError(err)
	if body.Code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"request_id", domain.RequestIDFromContext(r.Context()),
			"error", err)
	}
	middleware.WriteError(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
