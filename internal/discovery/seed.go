// Package discovery provides the default discovery collaborator: a curated
// seed file of businesses filtered by a run's location and niche.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/leadflow/internal/provider"
	"github.com/jonathan/leadflow/internal/types"
)

// Business is one seed-file entry.
type Business struct {
	types.Candidate `yaml:",inline"`
	Location        string `json:"location" yaml:"location" validate:"required"`
	Niche           string `json:"niche,omitempty" yaml:"niche"`
}

// SeedFile is the document shape of a seed file.
type SeedFile struct {
	Businesses []Business `json:"businesses" yaml:"businesses" validate:"dive"`
}

type seedRules struct {
	ExternalID string `validate:"required"`
	Name       string `validate:"required"`
	Website    string `validate:"omitempty,url"`
	Email      string `validate:"omitempty,email"`
}

// SeedSource serves Search from an in-memory seed list.
type SeedSource struct {
	businesses []Business
	logger     *zap.Logger
}

var _ provider.Discovery = (*SeedSource)(nil)

// LoadSeedFile reads a JSON or YAML seed file, chosen by extension.
func LoadSeedFile(path string, logger *zap.Logger) (*SeedSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data, filepath.Ext(path), logger)
}

// ParseSeed decodes and validates seed data. Duplicate external ids are
// rejected.
func ParseSeed(data []byte, ext string, logger *zap.Logger) (*SeedSource, error) {
	var file SeedFile
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse seed JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported seed file extension %q", ext)
	}

	validate := validator.New()
	seen := make(map[string]bool, len(file.Businesses))
	for i, b := range file.Businesses {
		if err := validate.Struct(b); err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, provider.FromValidator(err))
		}
		rules := seedRules{ExternalID: b.ExternalID, Name: b.Name, Website: b.Website, Email: b.Contact.Email}
		if err := validate.Struct(rules); err != nil {
			return nil, fmt.Errorf("seed entry %d (%s): %w", i, b.Name, provider.FromValidator(err))
		}
		if seen[b.ExternalID] {
			return nil, fmt.Errorf("seed entry %d: duplicate external_id %q", i, b.ExternalID)
		}
		seen[b.ExternalID] = true
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeedSource{businesses: file.Businesses, logger: logger.Named("discovery")}, nil
}

// Len returns the number of seed entries.
func (s *SeedSource) Len() int {
	return len(s.businesses)
}

// Search returns up to params.Limit businesses whose location contains
// params.Location and whose niche or category contains params.Niche, both
// case-insensitively, in file order. A non-positive limit means no limit.
func (s *SeedSource) Search(ctx context.Context, params provider.SearchParams) ([]types.Candidate, error) {
	if strings.TrimSpace(params.Location) == "" {
		return nil, &provider.ValidationError{Field: "location", Message: "is required"}
	}
	loc := strings.ToLower(strings.TrimSpace(params.Location))
	niche := strings.ToLower(strings.TrimSpace(params.Niche))

	var out []types.Candidate
	for _, b := range s.businesses {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !strings.Contains(strings.ToLower(b.Location), loc) {
			continue
		}
		if niche != "" &&
			!strings.Contains(strings.ToLower(b.Niche), niche) &&
			!strings.Contains(strings.ToLower(b.Category), niche) {
			continue
		}
		out = append(out, b.Candidate)
		if params.Limit > 0 && len(out) >= params.Limit {
			break
		}
	}
	s.logger.Debug("seed search",
		zap.String("location", params.Location),
		zap.String("niche", params.Niche),
		zap.Int("matches", len(out)),
	)
	return out, nil
}
