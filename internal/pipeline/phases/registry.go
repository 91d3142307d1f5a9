// Package phases provides phase definitions, ordering and dependency
// validation for the run pipeline.
package phases

import (
	"fmt"

	"github.com/jonathan/leadflow/internal/types"
)

// Definition defines metadata for a pipeline phase
type Definition struct {
	Phase        types.Phase
	Title        string
	Dependencies []types.Phase
	// PerEntity phases dispatch one unit of work per entity to the worker pool.
	PerEntity bool
	// Weight is the share of overall run progress the phase accounts for.
	Weight float64
}

// Registry holds every executable phase definition.
var Registry = map[types.Phase]Definition{
	types.PhaseDiscovering: {
		Phase:        types.PhaseDiscovering,
		Title:        "Discovering businesses",
		Dependencies: []types.Phase{},
		Weight:       10,
	},
	types.PhaseScoring: {
		Phase:        types.PhaseScoring,
		Title:        "Scoring websites",
		Dependencies: []types.Phase{types.PhaseDiscovering},
		PerEntity:    true,
		Weight:       30,
	},
	types.PhaseGenerating: {
		Phase:        types.PhaseGenerating,
		Title:        "Generating websites",
		Dependencies: []types.Phase{types.PhaseScoring},
		PerEntity:    true,
		Weight:       35,
	},
	types.PhaseOutreach: {
		Phase:        types.PhaseOutreach,
		Title:        "Preparing outreach",
		Dependencies: []types.Phase{types.PhaseGenerating},
		PerEntity:    true,
		Weight:       20,
	},
	types.PhaseExporting: {
		Phase:        types.PhaseExporting,
		Title:        "Exporting results",
		Dependencies: []types.Phase{types.PhaseOutreach},
		Weight:       5,
	},
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Phase               types.Phase
	Current             types.Phase
	MissingDependencies []types.Phase
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("phase %s cannot start from %s: missing dependencies: %v", e.Phase, e.Current, e.MissingDependencies)
}

// Lookup returns the definition of an executable phase.
func Lookup(phase types.Phase) (Definition, error) {
	def, ok := Registry[phase]
	if !ok {
		return Definition{}, fmt.Errorf("unknown phase: %s", phase)
	}
	return def, nil
}

// Executable returns the phases that do work, in execution order.
func Executable() []types.Phase {
	var out []types.Phase
	for _, p := range types.OrderedPhases() {
		if _, ok := Registry[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Remaining returns the executable phases still to run for a run recorded
// at current. The current phase itself is included: it may have been
// interrupted.
func Remaining(current types.Phase) []types.Phase {
	if current.Rank() < 0 {
		return nil
	}
	var out []types.Phase
	for _, p := range Executable() {
		if p.Rank() >= current.Rank() {
			out = append(out, p)
		}
	}
	return out
}

// ValidateDependencies checks that every dependency of phase has been
// reached by a run currently at current.
func ValidateDependencies(current, phase types.Phase) error {
	def, err := Lookup(phase)
	if err != nil {
		return err
	}
	var missing []types.Phase
	for _, dep := range def.Dependencies {
		if current.Rank() < dep.Rank() {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{Phase: phase, Current: current, MissingDependencies: missing}
	}
	return nil
}

// Percent returns overall run completion when done of total units of phase
// have resolved.
func Percent(phase types.Phase, done, total int) float64 {
	if phase == types.PhaseCompleted {
		return 100
	}
	var before float64
	for _, p := range Executable() {
		if p.Rank() < phase.Rank() {
			before += Registry[p].Weight
		}
	}
	def, ok := Registry[phase]
	if !ok {
		return before
	}
	frac := 1.0
	if total > 0 {
		frac = float64(min(done, total)) / float64(total)
	}
	return before + def.Weight*frac
}
