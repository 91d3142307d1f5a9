package phases

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/leadflow/internal/types"
)

func TestRegistry(t *testing.T) {
	expected := []types.Phase{
		types.PhaseDiscovering, types.PhaseScoring, types.PhaseGenerating,
		types.PhaseOutreach, types.PhaseExporting,
	}
	assert.Equal(t, expected, Executable())

	var total float64
	for _, p := range expected {
		def, ok := Registry[p]
		require.True(t, ok, "phase %s should be in registry", p)
		assert.Equal(t, p, def.Phase)
		assert.NotEmpty(t, def.Title)
		total += def.Weight
	}
	assert.InDelta(t, 100, total, 0.001)
}

func TestPerEntityPhases(t *testing.T) {
	for _, p := range []types.Phase{types.PhaseScoring, types.PhaseGenerating, types.PhaseOutreach} {
		assert.True(t, Registry[p].PerEntity, p)
	}
	assert.False(t, Registry[types.PhaseDiscovering].PerEntity)
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, Executable(), Remaining(types.PhaseInitializing))
	assert.Equal(t, []types.Phase{types.PhaseGenerating, types.PhaseOutreach, types.PhaseExporting},
		Remaining(types.PhaseGenerating))
	assert.Empty(t, Remaining(types.PhaseCompleted))
	assert.Nil(t, Remaining(types.PhaseCancelling))
}

func TestValidateDependencies(t *testing.T) {
	require.NoError(t, ValidateDependencies(types.PhaseInitializing, types.PhaseDiscovering))
	require.NoError(t, ValidateDependencies(types.PhaseScoring, types.PhaseGenerating))

	err := ValidateDependencies(types.PhaseDiscovering, types.PhaseOutreach)
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []types.Phase{types.PhaseGenerating}, depErr.MissingDependencies)
	assert.Contains(t, err.Error(), "missing dependencies")

	_, err = Lookup(types.PhaseCompleted)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown phase")
}

func TestPercent(t *testing.T) {
	assert.InDelta(t, 0, Percent(types.PhaseDiscovering, 0, 1), 0.001)
	assert.InDelta(t, 10, Percent(types.PhaseDiscovering, 1, 1), 0.001)
	assert.InDelta(t, 25, Percent(types.PhaseScoring, 1, 2), 0.001)
	assert.InDelta(t, 40, Percent(types.PhaseScoring, 0, 0), 0.001)
	assert.InDelta(t, 100, Percent(types.PhaseExporting, 1, 1), 0.001)
	assert.InDelta(t, 100, Percent(types.PhaseCompleted, 0, 0), 0.001)
}
