package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/dualdb/internal/config"
	"github.com/axonops/dualdb/internal/schema"
)

func TestHasConflict_VersionMismatch(t *testing.T) {
	local := schema.Row{"id": "1", "version": int64(1)}
	remote := schema.Row{"id": "1", "version": int64(2)}
	assert.True(t, HasConflict(local, remote))
}

func TestHasConflict_NoDifferenceIsNotAConflict(t *testing.T) {
	local := schema.Row{"id": "1", "name": "a"}
	remote := schema.Row{"id": "1", "name": "a"}
	assert.False(t, HasConflict(local, remote))
}

func TestHasConflict_FieldDeepCompareIgnoresLifecycleFields(t *testing.T) {
	local := schema.Row{"id": "1", "name": "a", "updatedAt": "2026-01-01T00:00:00Z"}
	remote := schema.Row{"id": "1", "name": "a", "updatedAt": "2025-01-01T00:00:00Z"}
	assert.False(t, HasConflict(local, remote))
}

func TestHasConflict_FieldDifferenceDetected(t *testing.T) {
	local := schema.Row{"id": "1", "name": "a"}
	remote := schema.Row{"id": "1", "name": "b"}
	assert.True(t, HasConflict(local, remote))
}

func TestResolve_LocalWinsCarriesForwardRemoteCreatedAtAndBumpsVersion(t *testing.T) {
	local := schema.Row{"id": "1", "version": int64(2)}
	remote := schema.Row{"id": "1", "version": int64(5), "createdAt": "2025-01-01T00:00:00Z"}

	res, err := Resolve(local, remote, config.StrategyLocalWins)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.True(t, res.Resolved)
	assert.Equal(t, "2025-01-01T00:00:00Z", res.FinalRow["createdAt"])
	assert.Equal(t, int64(6), res.FinalRow["version"])
}

func TestResolve_RemoteWins(t *testing.T) {
	local := schema.Row{"id": "1", "name": "a"}
	remote := schema.Row{"id": "1", "name": "b"}

	res, err := Resolve(local, remote, config.StrategyRemoteWins)
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)
	assert.Equal(t, remote, res.FinalRow)
}

func TestResolve_VersionBasedPicksHigherVersionTieBreaksLocal(t *testing.T) {
	local := schema.Row{"id": "1", "version": int64(3)}
	remote := schema.Row{"id": "1", "version": int64(3)}

	res, err := Resolve(local, remote, config.StrategyVersionBased)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)

	remote["version"] = int64(4)
	res, err = Resolve(local, remote, config.StrategyVersionBased)
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)
}

func TestResolve_VersionBasedRequiresVersionOnBothSides(t *testing.T) {
	local := schema.Row{"id": "1"}
	remote := schema.Row{"id": "1", "version": int64(1)}

	_, err := Resolve(local, remote, config.StrategyVersionBased)
	assert.Error(t, err)
}

func TestResolve_ManualReturnsUnresolvedWithLocalAsTemporary(t *testing.T) {
	local := schema.Row{"id": "1", "name": "a"}
	remote := schema.Row{"id": "1", "name": "b"}

	res, err := Resolve(local, remote, config.StrategyManual)
	require.NoError(t, err)
	assert.False(t, res.Resolved)
	assert.Equal(t, WinnerManual, res.Winner)
	assert.Equal(t, local, res.FinalRow)
}
