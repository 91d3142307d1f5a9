package llm

import (
	"context"
	"errors"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/jonathan/leadflow/internal/provider"
)

// ProviderName labels Gemini failures in the error taxonomy.
const ProviderName = "gemini"

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("no text in response")

// Classify maps a Gemini failure onto the provider taxonomy. API status
// codes follow the HTTP rules; blocked prompts are permanent; empty
// responses and transport errors are transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || provider.KindOf(err) != provider.KindUnknown {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if classified := provider.ClassifyHTTPStatus(ProviderName, apiErr.Code, 0, err); classified != nil {
			return classified
		}
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &provider.PermanentProviderError{Provider: ProviderName, Cause: err}
	}
	return &provider.TransientProviderError{Provider: ProviderName, Cause: err}
}
