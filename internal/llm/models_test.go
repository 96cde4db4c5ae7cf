package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFallbackChain_StartsWithOriginal(t *testing.T) {
	fc := NewFallbackChain()

	chain := fc.GetFallbackChain("claude-3-7-sonnet", nil, 0)

	require.NotEmpty(t, chain)
	assert.Equal(t, "claude-3-7-sonnet", chain[0].Name)
	assert.LessOrEqual(t, len(chain), 5)
}

func TestGetFallbackChain_ExplicitFallbacksComeFirst(t *testing.T) {
	fc := NewFallbackChain()

	chain := fc.GetFallbackChain("claude-3-7-sonnet", nil, 0)

	require.GreaterOrEqual(t, len(chain), 3)
	assert.Equal(t, "claude-3-5-sonnet", chain[1].Name)
	assert.Equal(t, "gpt-4o", chain[2].Name)
}

func TestGetFallbackChain_NoDuplicates(t *testing.T) {
	fc := NewFallbackChain()

	chain := fc.GetFallbackChain("gpt-4o", nil, 0)

	seen := make(map[string]bool)
	for _, m := range chain {
		assert.False(t, seen[m.Name], "model %s appears twice", m.Name)
		seen[m.Name] = true
	}
}

func TestGetFallbackChain_CapabilityFiltering(t *testing.T) {
	fc := NewFallbackChain()

	chain := fc.GetFallbackChain("claude-3-7-sonnet", []Capability{CapabilityVision}, 0)

	// The original model always leads the chain; every fallback must
	// carry the required capability.
	for _, m := range chain[1:] {
		assert.True(t, m.HasCapability(CapabilityVision), "model %s lacks vision", m.Name)
	}
}

func TestGetFallbackChain_CostCeiling(t *testing.T) {
	fc := NewFallbackChain()

	// A ceiling under the standard-tier price leaves only cheap models
	// as fallbacks.
	ceiling := 0.001 / 1000
	chain := fc.GetFallbackChain("claude-3-7-sonnet", nil, ceiling)

	for _, m := range chain[1:] {
		assert.LessOrEqual(t, m.CostPer1KTokens/1000, ceiling, "model %s exceeds cost ceiling", m.Name)
	}
}

func TestGetFallbackChain_UnknownModelDegradedMode(t *testing.T) {
	fc := NewFallbackChain()

	chain := fc.GetFallbackChain("some-unknown-model", nil, 0)

	assert.Len(t, chain, 3, "unknown model yields a three-model default chain")
}

func TestGetFallbackChain_CappedAtFive(t *testing.T) {
	fc := NewFallbackChain()

	chain := fc.GetFallbackChain("gpt-5", nil, 0)
	assert.LessOrEqual(t, len(chain), 5)
}

func TestFallbackChain_Register(t *testing.T) {
	fc := NewFallbackChain()

	fc.Register(ModelConfig{
		Name:            "custom-model",
		Tier:            TierStandard,
		CostPer1KTokens: 0.001,
		Capabilities:    []Capability{CapabilityCoding},
	})

	m, ok := fc.Get("custom-model")
	require.True(t, ok)
	assert.Equal(t, TierStandard, m.Tier)

	chain := fc.GetFallbackChain("custom-model", nil, 0)
	assert.Equal(t, "custom-model", chain[0].Name)
}
