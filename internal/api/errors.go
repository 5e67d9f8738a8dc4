package api

import (
	"context"
	"errors"
	"net/http"

	"duck-semantic/internal/domain"
	"duck-semantic/internal/middleware"
)

// errorBodyFromError maps semantic layer errors to an HTTP error body.
// Request problems are 400. Expressions that fail to parse or resolve for a
// request are 422; a broken model configuration is 500.
func errorBodyFromError(err error) middleware.ErrorBody {
	var notFound *domain.NotFoundError
	var request *domain.RequestValidationError
	var expression *domain.ExpressionError
	var resolution *domain.ResolutionError
	var configuration *domain.ConfigurationError

	body := middleware.ErrorBody{Message: err.Error()}
	switch {
	case errors.As(err, &notFound):
		body.Code, body.Kind = http.StatusNotFound, "not_found"
	case errors.As(err, &request):
		body.Code, body.Kind = http.StatusBadRequest, "invalid_request"
	case errors.As(err, &expression):
		body.Code, body.Kind = http.StatusUnprocessableEntity, "invalid_expression"
	case errors.As(err, &resolution):
		body.Code, body.Kind = http.StatusUnprocessableEntity, "unresolvable"
	case errors.As(err, &configuration):
		body.Code, body.Kind = http.StatusInternalServerError, "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		body.Code, body.Kind = http.StatusServiceUnavailable, "canceled"
	default:
		body.Code, body.Kind = http.StatusInternalServerError, "internal"
	}
	return body
}
