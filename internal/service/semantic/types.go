package semantic

import (
	"duck-semantic/internal/backend"
	"duck-semantic/internal/graph"
	"duck-semantic/internal/plan"
)

// QueryRequest is the runtime request contract for semantic query planning
// and execution. Every entry uses the request text syntax, for example
// "revenue.top(3, within=country)" or "created_at.year()".
type QueryRequest struct {
	Metrics    []string `json:"metrics"`
	Dimensions []string `json:"dimensions,omitempty"`
	Filters    []string `json:"filters,omitempty"`
	OrderBy    []string `json:"order_by,omitempty"`
	Limit      *int     `json:"limit,omitempty"`
}

// Parse turns the request text into a plan.Request.
func (r QueryRequest) Parse() (plan.Request, error) {
	var req plan.Request
	for _, text := range r.Metrics {
		m, err := plan.ParseMetric(text)
		if err != nil {
			return plan.Request{}, err
		}
		req.Metrics = append(req.Metrics, m)
	}
	for _, text := range r.Dimensions {
		d, err := plan.ParseDimension(text)
		if err != nil {
			return plan.Request{}, err
		}
		req.Dimensions = append(req.Dimensions, d)
	}
	for _, text := range r.Filters {
		f, err := plan.ParseDimension(text)
		if err != nil {
			return plan.Request{}, err
		}
		req.Filters = append(req.Filters, f)
	}
	for _, text := range r.OrderBy {
		o, err := plan.ParseOrder(text)
		if err != nil {
			return plan.Request{}, err
		}
		req.OrderBy = append(req.OrderBy, o)
	}
	if r.Limit != nil {
		req.Limit = *r.Limit
	}
	return req, nil
}

// QueryResult is the output of one executed request.
type QueryResult struct {
	RequestID string                `json:"request_id"`
	Columns   []graph.Column        `json:"columns"`
	Rows      [][]any               `json:"rows"`
	Queries   []backend.QueryRecord `json:"queries"`
}

// ExplainResult describes how a request would run.
type ExplainResult struct {
	Backend string         `json:"backend"`
	Columns []graph.Column `json:"columns"`
	Graph   string         `json:"graph"`
	Queries []string       `json:"queries"`
}

// MetricInfo lists one metric of the catalog.
type MetricInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Format      string   `json:"format,omitempty"`
	Dimensions  []string `json:"dimensions"`
}

// DimensionInfo lists one dimension of the catalog. Union dimensions name
// every owning table.
type DimensionInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Tables      []string `json:"tables"`
}
