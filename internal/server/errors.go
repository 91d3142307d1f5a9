package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
	"github.com/jonathan/leadflow/internal/webhook"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeConflict       = "conflict"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// ErrorBody is the JSON envelope of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	status, _ := classify(err)
	return status
}

func classify(err error) (int, string) {
	var (
		validation *provider.ValidationError
		notFound   *types.NotFoundError
		circuit    *provider.CircuitOpenError
		signature  *webhook.SignatureError
		phase      *runstate.PhaseError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound, CodeNotFound
	case errors.As(err, &phase):
		return http.StatusConflict, CodeConflict
	case errors.As(err, &signature):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.As(err, &circuit):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		// Fatal system errors land here too.
		return http.StatusInternalServerError, CodeInternal
	}
}

// errorBody builds the response envelope for err. Internal failures are
// not echoed to clients.
func errorBody(err error) (int, ErrorBody) {
	status, code := classify(err)
	body := ErrorBody{Error: err.Error(), Code: code}
	var validation *provider.ValidationError
	if errors.As(err, &validation) {
		body.Field = validation.Field
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal server error"
		if provider.IsFatal(err) {
			body.Code = string(provider.KindFatal)
		}
	}
	return status, body
}
