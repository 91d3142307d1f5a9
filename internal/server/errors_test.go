package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/runstate"
	"github.com/jonathan/leadflow/internal/types"
	"github.com/jonathan/leadflow/internal/webhook"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", &provider.ValidationError{Field: "niche", Message: "required"}, http.StatusBadRequest},
		{"not found", &types.NotFoundError{Resource: "run", ID: "x"}, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("load: %w", &types.NotFoundError{Resource: "campaign"}), http.StatusNotFound},
		{"eris wrapped validation", eris.Wrap(&provider.ValidationError{Field: "run"}, "resume"), http.StatusBadRequest},
		{"phase conflict", &runstate.PhaseError{RunID: uuid.New(), From: types.PhaseCompleted, To: types.PhaseScoring}, http.StatusConflict},
		{"signature", &webhook.SignatureError{Reason: "signature mismatch"}, http.StatusUnauthorized},
		{"circuit open", &provider.CircuitOpenError{PolicyKey: "discovery"}, http.StatusServiceUnavailable},
		{"fatal", &provider.FatalSystemError{PolicyKey: "discovery", Message: "exhausted"}, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}

func TestErrorBody(t *testing.T) {
	status, body := errorBody(&provider.ValidationError{Field: "location", Message: "required"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeInvalidRequest, body.Code)
	assert.Equal(t, "location", body.Field)

	_, body = errorBody(errors.New("pq: password authentication failed"))
	assert.Equal(t, "internal server error", body.Error, "internal details stay server-side")
	assert.Equal(t, CodeInternal, body.Code)

	_, body = errorBody(&provider.FatalSystemError{PolicyKey: "scoring", Message: "exhausted"})
	assert.Equal(t, string(provider.KindFatal), body.Code)
}
