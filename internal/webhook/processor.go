package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/delivery"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/schemas"
)

// Reconciler applies normalized callbacks.
type Reconciler interface {
	Reconcile(ctx context.Context, in delivery.Inbound) (delivery.Report, error)
}

// Result summarizes one processed webhook request.
type Result struct {
	Received  int               `json:"received"`
	Applied   int               `json:"applied"`
	Deferred  int               `json:"deferred"`
	Ignored   int               `json:"ignored"`
	Unmatched int               `json:"unmatched"`
	Skipped   []Skipped         `json:"skipped,omitempty"`
	Reports   []delivery.Report `json:"reports,omitempty"`
}

// Processor authenticates, validates and reconciles inbound callbacks.
type Processor struct {
	verifier Verifier
	rec      Reconciler
	logger   *zap.Logger
}

// NewProcessor creates a Processor. A nil verifier rejects everything.
func NewProcessor(verifier Verifier, rec Reconciler, logger *zap.Logger) *Processor {
	if verifier == nil {
		verifier = VerifierFunc(func(http.Header, []byte) error {
			return &SignatureError{Reason: "no verifier configured"}
		})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{verifier: verifier, rec: rec, logger: logger.Named("webhook")}
}

// Process handles one request body of the given kind. Authenticity failures
// return *SignatureError and malformed payloads *provider.ValidationError;
// neither reaches the reconciler. Callbacks no delivery owns are counted,
// not failed, so providers do not redeliver them.
func (p *Processor) Process(ctx context.Context, kind Kind, header http.Header, body []byte) (*Result, error) {
	if err := p.verifier.Verify(header, body); err != nil {
		p.logger.Warn("rejected webhook", zap.String("kind", string(kind)), zap.Error(err))
		var se *SignatureError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &SignatureError{Reason: err.Error()}
	}

	var (
		schema string
		decode func([]byte) ([]delivery.Inbound, []Skipped, error)
	)
	switch kind {
	case KindEmail:
		schema, decode = schemas.EmailEvents, DecodeEmail
	case KindMessaging:
		schema, decode = schemas.MessagingEvent, DecodeMessaging
	default:
		return nil, &provider.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown webhook kind %q", kind)}
	}

	if err := schemas.Validate(schema, body); err != nil {
		var ve *schemas.ValidationError
		if errors.As(err, &ve) {
			first := ve.First()
			return nil, &provider.ValidationError{Field: first.Field, Message: first.Message}
		}
		return nil, fmt.Errorf("failed to validate %s webhook: %w", kind, err)
	}
	inbound, skipped, err := decode(body)
	if err != nil {
		return nil, &provider.ValidationError{Message: err.Error()}
	}

	res := &Result{Received: len(inbound) + len(skipped), Skipped: skipped}
	for _, in := range inbound {
		report, err := p.rec.Reconcile(ctx, in)
		if errors.Is(err, delivery.ErrUnmatched) {
			res.Unmatched++
			p.logger.Info("unmatched callback",
				zap.String("message_id", in.MessageID),
				zap.String("target", string(in.Target)),
			)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to reconcile message %s: %w", in.MessageID, err)
		}
		switch report.Disposition {
		case delivery.Applied:
			res.Applied++
		case delivery.Deferred:
			res.Deferred++
		default:
			res.Ignored++
		}
		res.Reports = append(res.Reports, report)
	}
	return res, nil
}
