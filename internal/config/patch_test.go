package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySetRejectsUnknownKeyWithoutMutatingAnything(t *testing.T) {
	c := Default()
	before := c.Snapshot()

	_, err := c.ApplySet(map[string]any{"notARealKey": 1})
	require.ErrorIs(t, err, ErrInvalidConfigValue)
	assert.Equal(t, before, c.Snapshot(), "an invalid patch must leave the config untouched")
}

func TestApplySetRejectsPartiallyInvalidPatchBeforeMutating(t *testing.T) {
	c := Default()
	before := c.Snapshot()

	_, err := c.ApplySet(map[string]any{"maxClaimsPerAgent": 8, "bogusKey": true})
	require.Error(t, err)
	assert.Equal(t, before, c.Snapshot(), "one unknown key should fail the whole patch, not just itself")
}

func TestApplySetReturnsOnlyChangedKeys(t *testing.T) {
	c := Default()

	changed, err := c.ApplySet(map[string]any{
		"maxClaimsPerAgent": c.MaxClaimsPerAgent, // unchanged
		"overloadThreshold": c.OverloadThreshold + 1,
	})
	require.NoError(t, err)
	assert.NotContains(t, changed, "maxClaimsPerAgent")
	assert.Contains(t, changed, "overloadThreshold")
	assert.EqualValues(t, c.OverloadThreshold, changed["overloadThreshold"])
}

func TestApplySetCoercesNumericTypes(t *testing.T) {
	c := Default()
	_, err := c.ApplySet(map[string]any{"contestWindowMs": float64(120000)})
	require.NoError(t, err)
	assert.Equal(t, int64(120000), c.ContestWindow.Milliseconds())
}

func TestApplySetRejectsWrongTypeForBool(t *testing.T) {
	c := Default()
	_, err := c.ApplySet(map[string]any{"allowCrossTypeSteal": "yes"})
	require.ErrorIs(t, err, ErrInvalidConfigValue)
}

func TestApplySetValidatesStrategyName(t *testing.T) {
	c := Default()
	_, err := c.ApplySet(map[string]any{"defaultStrategy": "fastest"})
	require.Error(t, err)
}

func TestApplySetAcceptsKnownStrategyName(t *testing.T) {
	c := Default()
	changed, err := c.ApplySet(map[string]any{"defaultStrategy": "round-robin"})
	require.NoError(t, err)
	assert.Equal(t, "round-robin", changed["defaultStrategy"])
	assert.Equal(t, StrategyRoundRobin, c.DefaultStrategy)
}

func TestSnapshotRendersDurationsInTheirWireUnits(t *testing.T) {
	c := Default()
	snap := c.Snapshot()
	assert.EqualValues(t, c.ContestWindow.Milliseconds(), snap["contestWindowMs"])
	assert.EqualValues(t, c.StaleThreshold/60_000_000_000, snap["staleThresholdMinutes"])
}

func TestIsKnownKey(t *testing.T) {
	assert.True(t, IsKnownKey("maxClaimsPerAgent"))
	assert.False(t, IsKnownKey("notAThing"))
}

func TestValidateStrategy(t *testing.T) {
	assert.NoError(t, ValidateStrategy(StrategyCapabilityBased))
	assert.Error(t, ValidateStrategy(RebalanceStrategy("nonsense")))
}

func TestCrossTypeRuleAllowsIsOrderIndependent(t *testing.T) {
	r := CrossTypeRule{A: "coder", B: "debugger"}
	assert.True(t, r.Allows("coder", "debugger"))
	assert.True(t, r.Allows("debugger", "coder"))
	assert.False(t, r.Allows("coder", "tester"))
}
