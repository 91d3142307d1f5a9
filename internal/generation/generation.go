// Package generation produces replacement websites with an LLM and
// optionally publishes them as static preview pages.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/llm"
	"github.com/jonathan/leadflow/internal/prompts"
	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

const (
	promptFile = "generation.json"
	promptKey  = "generate-site"
)

// Options configures a Generator.
type Options struct {
	Tier llm.ModelTier
	// PublishDir, when set, receives each page as <entity_id>.html.
	PublishDir string
	// PreviewBaseURL prefixes published page names to form PreviewURL.
	PreviewBaseURL string
}

// Generator is the default provider.Generator.
type Generator struct {
	client llm.Client
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

var _ provider.Generator = (*Generator)(nil)

// New creates a generator.
func New(client llm.Client, opts Options, logger *zap.Logger) (*Generator, error) {
	if client == nil {
		return nil, errors.New("generation: llm client is required")
	}
	if opts.Tier == "" {
		opts.Tier = llm.TierStandard
	}
	if opts.PreviewBaseURL != "" {
		if _, err := url.Parse(opts.PreviewBaseURL); err != nil {
			return nil, fmt.Errorf("generation: invalid preview base URL: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{client: client, opts: opts, logger: logger.Named("generation"), now: time.Now}, nil
}

// GenerateArtifact renders the site prompt for gc and asks the model for a
// complete HTML document. Output without one is a transient failure so the
// retry policy asks again.
func (g *Generator) GenerateArtifact(ctx context.Context, gc provider.GenerationContext) (*types.GeneratedArtifact, error) {
	if gc.Name == "" {
		return nil, &provider.ValidationError{Field: "name", Message: "is required"}
	}
	prompt, err := prompts.Render(promptFile, promptKey, gc)
	if err != nil {
		return nil, &provider.FatalSystemError{PolicyKey: "generation", Message: "prompt template broken", Cause: err}
	}

	text, err := g.client.GenerateContent(ctx, prompt, g.opts.Tier)
	if err != nil {
		return nil, llm.Classify(err)
	}
	html, ok := llm.ExtractHTMLDocument(text)
	if !ok {
		return nil, &provider.TransientProviderError{
			Provider: llm.ProviderName,
			Cause:    fmt.Errorf("response for %q contained no HTML document", gc.Name),
		}
	}

	artifact := &types.GeneratedArtifact{
		HTML:        html,
		Provider:    llm.ProviderName + "/" + g.client.GetModel(g.opts.Tier),
		GeneratedAt: g.now().UTC(),
	}
	if g.opts.PublishDir != "" {
		name, err := g.publish(gc, html)
		if err != nil {
			return nil, err
		}
		artifact.PreviewURL = g.previewURL(name)
	}

	g.logger.Debug("site generated",
		zap.String("entity_id", gc.EntityID.String()),
		zap.Int("bytes", len(html)),
		zap.String("preview_url", artifact.PreviewURL),
	)
	return artifact, nil
}

// publish writes the page atomically and returns its file name.
func (g *Generator) publish(gc provider.GenerationContext, html string) (string, error) {
	if err := os.MkdirAll(g.opts.PublishDir, 0o755); err != nil {
		return "", &provider.PermanentProviderError{Provider: "publish", Cause: err}
	}
	name := gc.EntityID.String() + ".html"
	tmp, err := os.CreateTemp(g.opts.PublishDir, ".page-*")
	if err != nil {
		return "", &provider.TransientProviderError{Provider: "publish", Cause: err}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(html); err != nil {
		_ = tmp.Close()
		return "", &provider.TransientProviderError{Provider: "publish", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &provider.TransientProviderError{Provider: "publish", Cause: err}
	}
	if err := os.Rename(tmp.Name(), filepath.Join(g.opts.PublishDir, name)); err != nil {
		return "", &provider.TransientProviderError{Provider: "publish", Cause: err}
	}
	return name, nil
}

func (g *Generator) previewURL(name string) string {
	if g.opts.PreviewBaseURL == "" {
		return "file://" + filepath.Join(g.opts.PublishDir, name)
	}
	u, err := url.JoinPath(g.opts.PreviewBaseURL, name)
	if err != nil {
		return ""
	}
	return u
}
