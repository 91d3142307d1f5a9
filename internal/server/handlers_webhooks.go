package server

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/webhook"
)

// handleWebhook handles POST /webhooks/{email,messaging}. The body is read
// raw because the signature covers the exact bytes.
func (s *Server) handleWebhook(kind webhook.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.jsonResponse(w, http.StatusRequestEntityTooLarge, ErrorBody{Error: "payload too large", Code: CodeInvalidRequest})
				return
			}
			s.errorResponse(w, r, &provider.ValidationError{Field: "body", Message: err.Error()})
			return
		}

		res, err := s.deps.Webhooks.Process(r.Context(), kind, r.Header, body)
		if err != nil {
			s.errorResponse(w, r, err)
			return
		}
		s.logger.Debug("webhook processed",
			zap.String("kind", string(kind)),
			zap.Int("received", res.Received),
			zap.Int("applied", res.Applied),
			zap.Int("deferred", res.Deferred),
			zap.Int("ignored", res.Ignored),
			zap.Int("unmatched", res.Unmatched),
		)
		s.jsonResponse(w, http.StatusOK, res)
	}
}
