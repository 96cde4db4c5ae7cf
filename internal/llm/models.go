// Package llm drives LLM calls through a capability- and cost-aware
// fallback chain with per-model metrics and adaptive retry delays.
package llm

import (
	"sync"
	"time"
)

// ModelTier ranks models by capability and cost.
type ModelTier string

const (
	TierPremium   ModelTier = "premium"
	TierStandard  ModelTier = "standard"
	TierEfficient ModelTier = "efficient"
	TierFallback  ModelTier = "fallback"
)

// Capability is a feature a model supports.
type Capability string

const (
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityVision          Capability = "vision"
	CapabilityLongContext     Capability = "long_context"
	CapabilityCoding          Capability = "coding"
	CapabilityReasoning       Capability = "reasoning"
)

// ModelConfig is the static description of one model. Read-only at
// runtime.
type ModelConfig struct {
	Name            string        `json:"name"`
	Tier            ModelTier     `json:"tier"`
	CostPer1KTokens float64       `json:"cost_per_1k_tokens"`
	MaxTokens       int           `json:"max_tokens"`
	Timeout         time.Duration `json:"timeout"`
	RateLimitRPM    int           `json:"rate_limit_rpm"`
	Capabilities    []Capability  `json:"capabilities"`
	FallbackModels  []string      `json:"fallback_models"`
}

// HasCapability reports whether the model supports the capability.
func (m *ModelConfig) HasCapability(c Capability) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// qualifies checks a model against a cost ceiling and required
// capabilities. With no required capabilities every model qualifies on
// that axis; otherwise one overlapping capability is enough.
func (m *ModelConfig) qualifies(required []Capability, maxCostPerToken float64) bool {
	if maxCostPerToken > 0 && m.CostPer1KTokens/1000 > maxCostPerToken {
		return false
	}
	if len(required) == 0 {
		return true
	}
	for _, c := range required {
		if m.HasCapability(c) {
			return true
		}
	}
	return false
}

const maxChainLength = 5

// tierScanOrder is the order lower tiers are scanned when filling out
// a fallback chain.
var tierScanOrder = []ModelTier{TierStandard, TierEfficient, TierFallback}

// defaultModels is the built-in model knowledge base.
func defaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Name:            "claude-3-7-sonnet",
			Tier:            TierPremium,
			CostPer1KTokens: 0.015,
			MaxTokens:       200000,
			Timeout:         120 * time.Second,
			RateLimitRPM:    50,
			Capabilities:    []Capability{CapabilityFunctionCalling, CapabilityVision, CapabilityLongContext, CapabilityCoding, CapabilityReasoning},
			FallbackModels:  []string{"claude-3-5-sonnet", "gpt-4o"},
		},
		{
			Name:            "gpt-5",
			Tier:            TierPremium,
			CostPer1KTokens: 0.0125,
			MaxTokens:       128000,
			Timeout:         120 * time.Second,
			RateLimitRPM:    50,
			Capabilities:    []Capability{CapabilityFunctionCalling, CapabilityVision, CapabilityLongContext, CapabilityCoding, CapabilityReasoning},
			FallbackModels:  []string{"gpt-4o", "claude-3-5-sonnet"},
		},
		{
			Name:            "claude-3-5-sonnet",
			Tier:            TierStandard,
			CostPer1KTokens: 0.003,
			MaxTokens:       200000,
			Timeout:         90 * time.Second,
			RateLimitRPM:    100,
			Capabilities:    []Capability{CapabilityFunctionCalling, CapabilityVision, CapabilityLongContext, CapabilityCoding},
			FallbackModels:  []string{"gpt-4o", "claude-3-haiku"},
		},
		{
			Name:            "gpt-4o",
			Tier:            TierStandard,
			CostPer1KTokens: 0.0025,
			MaxTokens:       128000,
			Timeout:         90 * time.Second,
			RateLimitRPM:    100,
			Capabilities:    []Capability{CapabilityFunctionCalling, CapabilityVision, CapabilityCoding},
			FallbackModels:  []string{"claude-3-5-sonnet", "gpt-4o-mini"},
		},
		{
			Name:            "claude-3-haiku",
			Tier:            TierEfficient,
			CostPer1KTokens: 0.00025,
			MaxTokens:       200000,
			Timeout:         60 * time.Second,
			RateLimitRPM:    200,
			Capabilities:    []Capability{CapabilityFunctionCalling, CapabilityLongContext},
			FallbackModels:  []string{"gpt-4o-mini", "gpt-3.5-turbo"},
		},
		{
			Name:            "gpt-4o-mini",
			Tier:            TierEfficient,
			CostPer1KTokens: 0.00015,
			MaxTokens:       128000,
			Timeout:         60 * time.Second,
			RateLimitRPM:    200,
			Capabilities:    []Capability{CapabilityFunctionCalling, CapabilityVision},
			FallbackModels:  []string{"gpt-3.5-turbo"},
		},
		{
			Name:            "gpt-3.5-turbo",
			Tier:            TierFallback,
			CostPer1KTokens: 0.0005,
			MaxTokens:       16385,
			Timeout:         45 * time.Second,
			RateLimitRPM:    500,
			Capabilities:    []Capability{CapabilityFunctionCalling},
			FallbackModels:  []string{},
		},
	}
}

// FallbackChain is the static registry of known models and their
// fallback edges.
type FallbackChain struct {
	mu     sync.RWMutex
	models map[string]ModelConfig
	order  []string
}

// NewFallbackChain creates a chain loaded with the built-in models.
func NewFallbackChain() *FallbackChain {
	fc := &FallbackChain{
		models: make(map[string]ModelConfig),
	}
	for _, m := range defaultModels() {
		fc.models[m.Name] = m
		fc.order = append(fc.order, m.Name)
	}
	return fc
}

// Register adds or replaces a model configuration.
func (fc *FallbackChain) Register(config ModelConfig) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if _, exists := fc.models[config.Name]; !exists {
		fc.order = append(fc.order, config.Name)
	}
	fc.models[config.Name] = config
}

// Get returns the configuration for a model.
func (fc *FallbackChain) Get(name string) (ModelConfig, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	m, ok := fc.models[name]
	return m, ok
}

// GetFallbackChain builds the ordered list of models to try for a
// request: the original model first, then its explicit fallbacks
// filtered by cost and capabilities, then qualifying models from lower
// tiers, capped at five entries. An unknown original model yields a
// three-model default chain.
func (fc *FallbackChain) GetFallbackChain(originalModel string, required []Capability, maxCostPerToken float64) []ModelConfig {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	original, known := fc.models[originalModel]
	if !known {
		chain := make([]ModelConfig, 0, 3)
		for _, name := range fc.order {
			chain = append(chain, fc.models[name])
			if len(chain) == 3 {
				break
			}
		}
		return chain
	}

	chain := []ModelConfig{original}
	seen := map[string]bool{original.Name: true}

	for _, name := range original.FallbackModels {
		if len(chain) >= maxChainLength {
			break
		}
		fallback, ok := fc.models[name]
		if !ok || seen[name] || !fallback.qualifies(required, maxCostPerToken) {
			continue
		}
		chain = append(chain, fallback)
		seen[name] = true
	}

	for _, tier := range tierScanOrder {
		for _, name := range fc.order {
			if len(chain) >= maxChainLength {
				return chain
			}
			candidate := fc.models[name]
			if candidate.Tier != tier || seen[name] || !candidate.qualifies(required, maxCostPerToken) {
				continue
			}
			chain = append(chain, candidate)
			seen[name] = true
		}
	}

	return chain
}
