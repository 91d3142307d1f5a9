// Package export writes finished runs to disk as JSON documents.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// Document is the exported shape of a run.
type Document struct {
	Run        *types.Run     `json:"run"`
	Summary    Summary        `json:"summary"`
	Entities   []types.Entity `json:"entities"`
	ExportedAt time.Time      `json:"exported_at"`
}

// Summary counts entity outcomes per phase.
type Summary struct {
	Entities       int                                         `json:"entities"`
	WithWebsite    int                                         `json:"with_website"`
	NeedGeneration int                                         `json:"need_generation"`
	Outcomes       map[types.Phase]map[types.EntityOutcome]int `json:"outcomes"`
}

// JSONExporter writes <dir>/<run_id>.json.
type JSONExporter struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

var _ provider.Exporter = (*JSONExporter)(nil)

// NewJSONExporter creates an exporter rooted at dir.
func NewJSONExporter(dir string, logger *zap.Logger) (*JSONExporter, error) {
	if dir == "" {
		return nil, errors.New("export: directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONExporter{dir: dir, logger: logger.Named("export"), now: time.Now}, nil
}

// Path returns the file a run is exported to.
func (e *JSONExporter) Path(runID uuid.UUID) string {
	return filepath.Join(e.dir, runID.String()+".json")
}

// Export writes the document atomically; an existing export is replaced.
func (e *JSONExporter) Export(ctx context.Context, run *types.Run, entities []types.Entity) error {
	if run == nil {
		return &provider.ValidationError{Field: "run", Message: "is required"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	threshold := run.Config.ScoreThreshold
	doc := Document{
		Run:        run,
		Summary:    Summarize(entities, threshold),
		Entities:   entities,
		ExportedAt: e.now().UTC(),
	}
	if doc.Entities == nil {
		doc.Entities = []types.Entity{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &provider.PermanentProviderError{Provider: "export", Cause: err}
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return &provider.PermanentProviderError{Provider: "export", Cause: err}
	}
	tmp, err := os.CreateTemp(e.dir, ".export-*")
	if err != nil {
		return &provider.TransientProviderError{Provider: "export", Cause: err}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &provider.TransientProviderError{Provider: "export", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &provider.TransientProviderError{Provider: "export", Cause: err}
	}
	path := e.Path(run.ID)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &provider.TransientProviderError{Provider: "export", Cause: err}
	}

	e.logger.Info("run exported",
		zap.String("run_id", run.ID.String()),
		zap.String("path", path),
		zap.Int("entities", len(entities)),
	)
	return nil
}

// Summarize counts entity outcomes.
func Summarize(entities []types.Entity, threshold float64) Summary {
	s := Summary{Entities: len(entities), Outcomes: map[types.Phase]map[types.EntityOutcome]int{}}
	for i := range entities {
		e := &entities[i]
		if e.Website != "" {
			s.WithWebsite++
		}
		if e.NeedsGeneration(threshold) {
			s.NeedGeneration++
		}
		for phase, outcome := range e.Outcomes {
			if s.Outcomes[phase] == nil {
				s.Outcomes[phase] = map[types.EntityOutcome]int{}
			}
			s.Outcomes[phase][outcome]++
		}
	}
	return s
}
